// Package tsbstore implements the content-keyed blob store the time-shift
// buffer writes fragments and init segments to. It is a filesystem-backed
// store with a byte quota and a minimum-free-space policy. Each blob is
// written through a checksummed writer (gopkg.in/gholt/brimutil.v1 +
// github.com/spaolacci/murmur3) so a later Read can distinguish a corrupt
// blob from a missing one.
package tsbstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gholt/brimtext"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
	brimutil "gopkg.in/gholt/brimutil.v1"

	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

// checksumInterval is the span of bytes covered by each checksum word in
// the blob's on-disk framing.
const checksumInterval = 65536

// Config configures a Store.
type Config struct {
	// Location is the directory blobs are written under. It is created if
	// it does not already exist.
	Location string
	// MinFreePercentage: Write refuses new data (ErrNoSpace) when the
	// backing filesystem's free space falls below this percentage, even
	// if the store's own quota has room.
	MinFreePercentage float64
	// MaxBytes is the store's own accounting quota. Write refuses new
	// data once the sum of written blob sizes would exceed it.
	MaxBytes int64
	Logger   log.Logger
}

// Store is a content-keyed blob store on a filesystem-like backing.
//
// Write copies bytes in; Read hands out a freshly allocated buffer. The
// store is shared-nothing across callers: concurrent Read(k) and Write(k')
// for distinct keys k != k' never block each other beyond what the
// underlying filesystem provides, but all bytes-accounting state (used,
// per-key sizes) is protected by a single mutex since it must be
// consistent for the quota policy to be meaningful.
type Store struct {
	location          string
	minFreePercentage float64
	maxBytes          int64
	logger            log.Logger

	mu       sync.Mutex
	sizes    map[string]int64
	usedByte int64

	// statfs is swapped out by tests exercising the min-free policy.
	statfs func(path string) (avail, total uint64, err error)
}

// New creates a Store rooted at cfg.Location, creating the directory if
// necessary.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.Location, 0o755); err != nil {
		return nil, errors.Wrap(err, "tsbstore: create location")
	}
	return &Store{
		location:          cfg.Location,
		minFreePercentage: cfg.MinFreePercentage,
		maxBytes:          cfg.MaxBytes,
		logger:            cfg.Logger,
		sizes:             make(map[string]int64),
		statfs:            statfsBlocks,
	}, nil
}

func statfsBlocks(path string) (avail, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, errors.Wrap(err, "tsbstore: statfs")
	}
	return uint64(stat.Bavail), uint64(stat.Blocks), nil
}

// WriteResult distinguishes a fresh write from one the store already held
// under that key (the caller treats the latter as success but skips index
// insertion).
type WriteResult int

const (
	WriteOK WriteResult = iota
	WriteAlreadyExists
)

func (s *Store) path(key string) string {
	return filepath.Join(s.location, url.QueryEscape(key))
}

// freePercentage reports the backing filesystem's free space as a
// percentage of total capacity.
func (s *Store) freePercentage() (float64, error) {
	avail, total, err := s.statfs(s.location)
	if err != nil {
		return 100, err
	}
	if total == 0 {
		return 100, nil
	}
	return float64(avail) / float64(total) * 100, nil
}

// Write stores p under key. It returns WriteAlreadyExists (not an error) if
// the key is already held. It returns tsbtypes.ErrNoSpace if the minimum
// free-space policy or the store's own quota refuses the write, and
// tsbtypes.ErrIOError for any underlying filesystem failure.
func (s *Store) Write(ctx context.Context, key string, p []byte) (WriteResult, error) {
	s.mu.Lock()
	if _, ok := s.sizes[key]; ok {
		s.mu.Unlock()
		return WriteAlreadyExists, nil
	}
	s.mu.Unlock()

	if free, err := s.freePercentage(); err == nil && free < s.minFreePercentage {
		level.Warn(s.logger).Log("msg", "refusing write, below min free percentage", "key", key, "free_pct", free)
		return WriteOK, tsbtypes.ErrNoSpace
	}
	s.mu.Lock()
	if s.maxBytes > 0 && s.usedByte+int64(len(p)) > s.maxBytes {
		s.mu.Unlock()
		return WriteOK, tsbtypes.ErrNoSpace
	}
	s.mu.Unlock()

	fp, err := os.Create(s.path(key))
	if err != nil {
		return WriteOK, errors.Wrapf(tsbtypes.ErrIOError, "tsbstore: create %s: %v", key, err)
	}
	w := brimutil.NewChecksummedWriter(fp, checksumInterval, murmur3.New32)
	if _, err := w.Write(p); err != nil {
		fp.Close()
		os.Remove(s.path(key))
		return WriteOK, errors.Wrapf(tsbtypes.ErrIOError, "tsbstore: write %s: %v", key, err)
	}
	// Closing the checksummed writer flushes the final checksum word and
	// also closes fp.
	if err := w.Close(); err != nil {
		fp.Close()
		return WriteOK, errors.Wrapf(tsbtypes.ErrIOError, "tsbstore: flush %s: %v", key, err)
	}

	s.mu.Lock()
	s.sizes[key] = int64(len(p))
	s.usedByte += int64(len(p))
	s.mu.Unlock()
	level.Debug(s.logger).Log("msg", "wrote blob", "key", key, "bytes", len(p))
	return WriteOK, nil
}

// GetSize returns the size of the blob under key and whether it exists.
func (s *Store) GetSize(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.sizes[key]
	return n, ok
}

// Read returns the bytes stored under key. It returns tsbtypes.ErrNotFound if
// the key is unknown and tsbtypes.ErrIOError if the stored checksum does not
// match the data on disk (corruption), matching the caller's expectation
// that a corrupted TSB blob is surfaced like a network download error.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	n, ok := s.sizes[key]
	s.mu.Unlock()
	if !ok {
		return nil, tsbtypes.ErrNotFound
	}
	fp, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tsbtypes.ErrNotFound
		}
		return nil, errors.Wrapf(tsbtypes.ErrIOError, "tsbstore: open %s: %v", key, err)
	}
	defer fp.Close()
	r := brimutil.NewChecksummedReader(fp, checksumInterval, murmur3.New32)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrapf(tsbtypes.ErrIOError, "tsbstore: read %s: %v", key, err)
	}
	return buf, nil
}

// Delete removes key; it is idempotent.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	n, ok := s.sizes[key]
	if ok {
		delete(s.sizes, key)
		s.usedByte -= n
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(tsbtypes.ErrIOError, "tsbstore: delete %s: %v", key, err)
	}
	return nil
}

// Flush erases all keys owned by this store instance.
func (s *Store) Flush() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.sizes))
	for k := range s.sizes {
		keys = append(keys, k)
	}
	s.sizes = make(map[string]int64)
	s.usedByte = 0
	s.mu.Unlock()
	var firstErr error
	for _, k := range keys {
		if err := os.Remove(s.path(k)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errors.Wrap(tsbtypes.ErrIOError, firstErr.Error())
	}
	return nil
}

// UsedBytes returns the store's current byte accounting.
func (s *Store) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedByte
}

// Count returns the number of keys the store currently holds.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sizes)
}

// Stats reports a snapshot of the store's accounting, aligned the same way
// the other packages render their counters.
func (s *Store) Stats() fmt.Stringer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storeStats{
		location: s.location,
		keys:     len(s.sizes),
		used:     s.usedByte,
		quota:    s.maxBytes,
	}
}

type storeStats struct {
	location string
	keys     int
	used     int64
	quota    int64
}

func (s storeStats) String() string {
	return brimtext.Align([][]string{
		{"location", s.location},
		{"keys", fmt.Sprintf("%d", s.keys)},
		{"usedBytes", fmt.Sprintf("%d", s.used)},
		{"quotaBytes", fmt.Sprintf("%d", s.quota)},
	}, nil)
}
