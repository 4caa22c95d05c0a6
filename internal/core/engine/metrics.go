package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/asynkron/roguepatch/pkg/patch"
)

// Metrics collects counters about patch and snapshot activity.
type Metrics interface {
	// RecordPatch records one apply attempt and its outcome.
	RecordPatch(duration time.Duration, result patch.Result, dryRun bool)
	// RecordSnapshot records a snapshot attempt. Counts are zero when ok is
	// false.
	RecordSnapshot(duration time.Duration, ok bool, captured, skipped, evicted int)
	// RecordRestore records a restore attempt.
	RecordRestore(ok bool, restored, failed int)
	// RecordDelete records an explicit snapshot deletion.
	RecordDelete(ok bool)
	// GetSnapshot returns the current counters.
	GetSnapshot() MetricsSnapshot
	// Reset clears all counters.
	Reset()
}

// MetricsSnapshot contains a point-in-time view of collected metrics.
type MetricsSnapshot struct {
	Patches          TimingMetrics    `json:"patches"`
	DryRuns          int64            `json:"dry_runs"`
	HunksApplied     int64            `json:"hunks_applied"`
	Conflicts        int64            `json:"conflicts"`
	FailuresByCode   map[string]int64 `json:"failures_by_code"`
	Snapshots        TimingMetrics    `json:"snapshots"`
	FilesCaptured    int64            `json:"files_captured"`
	FilesSkipped     int64            `json:"files_skipped"`
	SnapshotsEvicted int64            `json:"snapshots_evicted"`
	SnapshotsDeleted int64            `json:"snapshots_deleted"`
	Restores         int64            `json:"restores"`
	RestoresFailed   int64            `json:"restores_failed"`
	FilesRestored    int64            `json:"files_restored"`
	LastPatchTime    time.Time        `json:"last_patch_time"`
	LastSnapshotTime time.Time        `json:"last_snapshot_time"`
}

// TimingMetrics tracks counts and durations of one kind of operation.
type TimingMetrics struct {
	Total     int64         `json:"total"`
	Success   int64         `json:"success"`
	Failed    int64         `json:"failed"`
	TotalTime time.Duration `json:"total_time"`
	MinTime   time.Duration `json:"min_time"`
	MaxTime   time.Duration `json:"max_time"`
}

// NoOpMetrics is a metrics collector that discards all metrics.
type NoOpMetrics struct{}

func (n *NoOpMetrics) RecordPatch(_ time.Duration, _ patch.Result, _ bool) {}
func (n *NoOpMetrics) RecordSnapshot(_ time.Duration, _ bool, _, _, _ int) {}
func (n *NoOpMetrics) RecordRestore(_ bool, _, _ int)                      {}
func (n *NoOpMetrics) RecordDelete(_ bool)                                 {}
func (n *NoOpMetrics) GetSnapshot() MetricsSnapshot                        { return MetricsSnapshot{} }
func (n *NoOpMetrics) Reset()                                              {}

// InMemoryMetrics is a thread-safe in-memory metrics collector.
type InMemoryMetrics struct {
	mu               sync.RWMutex
	patches          TimingMetrics
	snapshots        TimingMetrics
	dryRuns          int64
	hunksApplied     int64
	conflicts        int64
	failuresByCode   map[string]int64
	filesCaptured    int64
	filesSkipped     int64
	snapshotsEvicted int64
	snapshotsDeleted int64
	restores         int64
	restoresFailed   int64
	filesRestored    int64
	lastPatchTime    time.Time
	lastSnapshotTime time.Time

	// nanoseconds
	patchMinTime    atomic.Int64
	patchMaxTime    atomic.Int64
	snapshotMinTime atomic.Int64
	snapshotMaxTime atomic.Int64
}

// NewInMemoryMetrics creates a new in-memory metrics collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	m := &InMemoryMetrics{failuresByCode: make(map[string]int64)}
	m.patchMinTime.Store(int64(time.Hour))
	m.snapshotMinTime.Store(int64(time.Hour))
	return m
}

func (m *InMemoryMetrics) RecordPatch(duration time.Duration, result patch.Result, dryRun bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dryRun {
		m.dryRuns++
	}
	m.patches.Total++
	if result.Success {
		m.patches.Success++
	} else {
		m.patches.Failed++
		if result.Code != "" {
			m.failuresByCode[string(result.Code)]++
		}
	}
	m.patches.TotalTime += duration
	m.hunksApplied += int64(result.HunksApplied)
	m.conflicts += int64(len(result.Conflicts))
	m.lastPatchTime = time.Now()
	observe(&m.patchMinTime, &m.patchMaxTime, duration)
}

func (m *InMemoryMetrics) RecordSnapshot(duration time.Duration, ok bool, captured, skipped, evicted int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots.Total++
	if ok {
		m.snapshots.Success++
	} else {
		m.snapshots.Failed++
	}
	m.snapshots.TotalTime += duration
	m.filesCaptured += int64(captured)
	m.filesSkipped += int64(skipped)
	m.snapshotsEvicted += int64(evicted)
	m.lastSnapshotTime = time.Now()
	observe(&m.snapshotMinTime, &m.snapshotMaxTime, duration)
}

func (m *InMemoryMetrics) RecordRestore(ok bool, restored, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.restores++
	if !ok || failed > 0 {
		m.restoresFailed++
	}
	m.filesRestored += int64(restored)
}

func (m *InMemoryMetrics) RecordDelete(ok bool) {
	if ok {
		m.mu.Lock()
		m.snapshotsDeleted++
		m.mu.Unlock()
	}
}

func observe(minTime, maxTime *atomic.Int64, duration time.Duration) {
	durNanos := int64(duration)
	for {
		oldMin := minTime.Load()
		if durNanos >= oldMin || minTime.CompareAndSwap(oldMin, durNanos) {
			break
		}
	}
	for {
		oldMax := maxTime.Load()
		if durNanos <= oldMax || maxTime.CompareAndSwap(oldMax, durNanos) {
			break
		}
	}
}

func (m *InMemoryMetrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Patches:          m.patches,
		DryRuns:          m.dryRuns,
		HunksApplied:     m.hunksApplied,
		Conflicts:        m.conflicts,
		FailuresByCode:   make(map[string]int64, len(m.failuresByCode)),
		Snapshots:        m.snapshots,
		FilesCaptured:    m.filesCaptured,
		FilesSkipped:     m.filesSkipped,
		SnapshotsEvicted: m.snapshotsEvicted,
		SnapshotsDeleted: m.snapshotsDeleted,
		Restores:         m.restores,
		RestoresFailed:   m.restoresFailed,
		FilesRestored:    m.filesRestored,
		LastPatchTime:    m.lastPatchTime,
		LastSnapshotTime: m.lastSnapshotTime,
	}
	for k, v := range m.failuresByCode {
		snapshot.FailuresByCode[k] = v
	}

	if m.patches.Total > 0 {
		snapshot.Patches.MinTime = time.Duration(m.patchMinTime.Load())
		snapshot.Patches.MaxTime = time.Duration(m.patchMaxTime.Load())
	}
	if m.snapshots.Total > 0 {
		snapshot.Snapshots.MinTime = time.Duration(m.snapshotMinTime.Load())
		snapshot.Snapshots.MaxTime = time.Duration(m.snapshotMaxTime.Load())
	}
	return snapshot
}

func (m *InMemoryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.patches = TimingMetrics{}
	m.snapshots = TimingMetrics{}
	m.dryRuns = 0
	m.hunksApplied = 0
	m.conflicts = 0
	m.failuresByCode = make(map[string]int64)
	m.filesCaptured = 0
	m.filesSkipped = 0
	m.snapshotsEvicted = 0
	m.snapshotsDeleted = 0
	m.restores = 0
	m.restoresFailed = 0
	m.filesRestored = 0
	m.lastPatchTime = time.Time{}
	m.lastSnapshotTime = time.Time{}
	m.patchMinTime.Store(int64(time.Hour))
	m.patchMaxTime.Store(0)
	m.snapshotMinTime.Store(int64(time.Hour))
	m.snapshotMaxTime.Store(0)
}
