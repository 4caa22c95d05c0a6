// Package snapshot implements a content-addressed backup store used to roll a
// source tree back after a failed or unwanted patch.
//
// Each snapshot lives in its own directory below the store directory and
// mirrors the relative paths it captured. The snapshot.json metadata file is
// written last and is the only proof that a snapshot exists: directories
// without valid metadata are invisible to every operation and are eventually
// garbage collected.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/asynkron/roguepatch/pkg/fslock"
	"github.com/asynkron/roguepatch/pkg/guard"
)

const (
	// DefaultDir is the root-relative store directory.
	DefaultDir = ".rogue-snapshots"
	// DefaultRetention caps how many committed snapshots are kept.
	DefaultRetention = 50
	// MetadataFile is the commit record inside each snapshot directory.
	MetadataFile = "snapshot.json"

	DigestSHA256 = "sha256"
	DigestBlake3 = "blake3"

	idLength          = 12
	hashLength        = 16
	defaultWorkers    = 8
	defaultStaleAfter = time.Hour
	stagingPrefix     = ".staging-"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

// ErrNotFound is returned when a snapshot id has no committed metadata.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the committed metadata record.
type Snapshot struct {
	ID          string            `json:"id"`
	Timestamp   string            `json:"timestamp"`
	Description string            `json:"description"`
	Files       map[string]string `json:"files"`
}

// Time parses Timestamp. Unparsable values yield the zero time so that they
// sort as the oldest snapshots.
func (s Snapshot) Time() time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, s.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// Options configures a Store.
type Options struct {
	// Dir is the store directory, relative to the root unless absolute.
	Dir string
	// Retention is the number of most recent snapshots kept after Create.
	Retention int
	// Digest selects the content hash: DigestSHA256 (default) or DigestBlake3.
	Digest string
	// Guard rejects denied paths on capture and restore.
	Guard guard.Matcher
	// Locks is shared with the patch applier so restores never interleave
	// with a patch on the same file.
	Locks *fslock.Table
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
	// Workers bounds concurrent file copies during Create.
	Workers int
	// StaleAfter is how old an uncommitted directory must be before retention
	// removes it.
	StaleAfter time.Duration
}

// Store manages the snapshots of a single root directory.
type Store struct {
	root       string
	dir        string
	retention  int
	digestName string
	newHash    func() hash.Hash
	guard      guard.Matcher
	locks      *fslock.Table
	now        func() time.Time
	workers    int
	staleAfter time.Duration
}

// NewStore binds a Store to root. The store directory is created lazily by
// the first Create.
func NewStore(root string, opts Options) (*Store, error) {
	absRoot, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, fmt.Errorf("snapshot: resolve root %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("snapshot: stat root %q: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("snapshot: root %q is not a directory", absRoot)
	}

	dir := strings.TrimSpace(opts.Dir)
	switch {
	case dir == "":
		dir = filepath.Join(absRoot, DefaultDir)
	case filepath.IsAbs(dir):
		dir = filepath.Clean(dir)
	default:
		dir = filepath.Join(absRoot, dir)
	}

	newHash, digestName, err := hasherFor(opts.Digest)
	if err != nil {
		return nil, err
	}

	store := &Store{
		root:       absRoot,
		dir:        dir,
		retention:  opts.Retention,
		digestName: digestName,
		newHash:    newHash,
		guard:      opts.Guard,
		locks:      opts.Locks,
		now:        opts.Now,
		workers:    opts.Workers,
		staleAfter: opts.StaleAfter,
	}
	if store.retention <= 0 {
		store.retention = DefaultRetention
	}
	if store.locks == nil {
		store.locks = &fslock.Table{}
	}
	if store.now == nil {
		store.now = time.Now
	}
	if store.workers <= 0 {
		store.workers = defaultWorkers
	}
	if store.staleAfter <= 0 {
		store.staleAfter = defaultStaleAfter
	}
	return store, nil
}

func hasherFor(name string) (func() hash.Hash, string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DigestSHA256:
		return sha256.New, DigestSHA256, nil
	case DigestBlake3:
		return func() hash.Hash { return blake3.New(32, nil) }, DigestBlake3, nil
	default:
		return nil, "", fmt.Errorf("snapshot: unsupported digest %q", name)
	}
}

// Root returns the directory whose files the store captures.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the absolute store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Digest names the content hash in use.
func (s *Store) Digest() string {
	return s.digestName
}

func (s *Store) digest(data []byte) string {
	h := s.newHash()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))[:hashLength]
}

// ValidID reports whether id has the shape of a snapshot id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func (s *Store) snapshotDir(id string) string {
	return filepath.Join(s.dir, id)
}

// insideStore reports whether abs is the store directory or below it.
func (s *Store) insideStore(abs string) bool {
	rel, err := filepath.Rel(s.dir, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
