package fslock

import (
	"sync"
	"testing"
)

func TestLockSerialisesSamePath(t *testing.T) {
	t.Parallel()

	var table Table
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.Lock("/tmp/x/file.txt")
			current := counter
			counter = current + 1
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if table.Len() != 0 {
		t.Fatalf("expected table to be empty after release, got %d", table.Len())
	}
}

func TestLockDistinctPathsDoNotBlock(t *testing.T) {
	t.Parallel()

	var table Table
	unlockA := table.Lock("/a")
	done := make(chan struct{})
	go func() {
		unlockB := table.Lock("/b")
		unlockB()
		close(done)
	}()
	<-done
	if table.Len() != 1 {
		t.Fatalf("expected only /a to be held, got %d entries", table.Len())
	}
	unlockA()
}

func TestLockCleansPathKeys(t *testing.T) {
	t.Parallel()

	var table Table
	unlock := table.Lock("/a/b/../c")
	if table.Len() != 1 {
		t.Fatalf("expected one entry")
	}
	released := make(chan struct{})
	go func() {
		u := table.Lock("/a/c")
		u()
		close(released)
	}()
	unlock()
	<-released
}
