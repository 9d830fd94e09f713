// Package tsbdata maintains the per-track ordered index of stored
// fragments and init segments, keyed by absolute media position.
//
// The index needs ordered range queries (nearest fragment
// at-or-before/at-or-after a position, strictly sorted iteration,
// cull-before-horizon) over at most a few thousand fragments per track,
// so it is a sorted slice with binary search rather than a hash
// structure. Each track gets its own Manager with its own lock.
package tsbdata

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gholt/brimtext"
	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

// FragmentRecord describes one stored media fragment in a track's index.
type FragmentRecord struct {
	Position         float64
	Duration         float64
	InitIdentity     string
	PeriodID         string
	StorageKey       string
	PTSOffsetSeconds float64
	Discontinuity    bool
}

// End returns the exclusive end of the fragment's covered span.
func (f FragmentRecord) End() float64 { return f.Position + f.Duration }

// InitRecord describes one stored init segment.
type InitRecord struct {
	StorageKey string
	Identity   string
}

type initEntry struct {
	record   InitRecord
	refCount int
}

// SearchDirection selects which neighbour GetFragmentAt returns when no
// fragment exactly contains the requested position.
type SearchDirection int

const (
	Prev SearchDirection = iota
	Next
)

// config is a functional-options configuration struct with a logger
// default.
type config struct {
	logger log.Logger
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// OptLogger sets the logger used for diagnostic output.
func OptLogger(l log.Logger) func(*config) {
	return func(c *config) { c.logger = l }
}

// Manager is the ordered, per-track index of fragment and init records.
// Fragments are kept sorted by Position with no two sharing a position.
// Init records are kept in a small identity-keyed arena; fragments refer
// to their init record by InitIdentity rather than by pointer.
type Manager struct {
	logger log.Logger

	mu        sync.RWMutex
	fragments []FragmentRecord
	inits     map[string]*initEntry
}

// New creates an empty per-track Manager.
func New(opts ...func(*config)) *Manager {
	cfg := resolveConfig(opts...)
	return &Manager{
		logger: cfg.logger,
		inits:  make(map[string]*initEntry),
	}
}

// ErrZeroDuration is returned by AddFragment for a fragment whose duration
// is zero, since a zero-duration span creates an ambiguous boundary with
// its neighbours.
var ErrZeroDuration = errors.New("tsbdata: zero-duration fragment rejected")

// ErrPositionExists is returned by AddFragment when a record already
// occupies the same absolute position.
var ErrPositionExists = errors.New("tsbdata: position already indexed")

// ErrUnknownInit is returned by AddFragment when no AddInit call has
// registered the fragment's init identity yet.
var ErrUnknownInit = errors.New("tsbdata: init identity not registered")

func (m *Manager) search(position float64) int {
	return sort.Search(len(m.fragments), func(i int) bool {
		return m.fragments[i].Position >= position
	})
}

// AddFragment inserts rec in position order. It rejects a zero-duration
// fragment, a fragment at a position already indexed, and a fragment whose
// init identity was never registered via AddInit.
func (m *Manager) AddFragment(rec FragmentRecord) error {
	if rec.Duration == 0 {
		return ErrZeroDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.inits[rec.InitIdentity]
	if !ok {
		return ErrUnknownInit
	}
	i := m.search(rec.Position)
	if i < len(m.fragments) && m.fragments[i].Position == rec.Position {
		return ErrPositionExists
	}
	m.fragments = append(m.fragments, FragmentRecord{})
	copy(m.fragments[i+1:], m.fragments[i:])
	m.fragments[i] = rec
	entry.refCount++
	return nil
}

// AddInit associates an init identity with its storage key. Re-adding an
// identity already present is a no-op.
func (m *Manager) AddInit(rec InitRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inits[rec.Identity]; ok {
		return
	}
	m.inits[rec.Identity] = &initEntry{record: rec}
}

// GetInit returns the init record registered under identity, if any.
func (m *Manager) GetInit(identity string) (InitRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.inits[identity]
	if !ok {
		return InitRecord{}, false
	}
	return entry.record, true
}

// GetFragmentAt returns the fragment whose [Position, Position+Duration)
// span contains position. If none does, it returns the nearest fragment in
// the requested direction (Prev: latest with Position <= position; Next:
// earliest with Position >= position).
func (m *Manager) GetFragmentAt(position float64, dir SearchDirection) (FragmentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.fragments) == 0 {
		return FragmentRecord{}, false
	}
	i := m.search(position)
	if i < len(m.fragments) && m.fragments[i].Position == position {
		return m.fragments[i], true
	}
	// i is the first fragment with Position > position (or len). Check the
	// predecessor for span containment.
	if i > 0 {
		cand := m.fragments[i-1]
		if position >= cand.Position && position < cand.End() {
			return cand, true
		}
	}
	switch dir {
	case Prev:
		if i == 0 {
			return FragmentRecord{}, false
		}
		return m.fragments[i-1], true
	default: // Next
		if i >= len(m.fragments) {
			return FragmentRecord{}, false
		}
		return m.fragments[i], true
	}
}

// Next moves one step from rec in the requested playback direction,
// returning the neighbouring record. The returned record's Discontinuity
// flag, set at ingest time, signals a discontinuity boundary was crossed.
func (m *Manager) Next(rec FragmentRecord, dir tsbtypes.Direction) (FragmentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.search(rec.Position)
	if i >= len(m.fragments) || m.fragments[i].Position != rec.Position {
		return FragmentRecord{}, false
	}
	if dir == tsbtypes.DirectionForward {
		if i+1 >= len(m.fragments) {
			return FragmentRecord{}, false
		}
		return m.fragments[i+1], true
	}
	if i == 0 {
		return FragmentRecord{}, false
	}
	return m.fragments[i-1], true
}

// CullBefore removes every fragment whose span ends at or before horizon
// and every init record no surviving fragment references. It returns the
// storage keys the caller must delete from the store.
func (m *Manager) CullBefore(horizon float64) (removedFragmentKeys, removedInitKeys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cut := 0
	for cut < len(m.fragments) && m.fragments[cut].End() <= horizon {
		cut++
	}
	if cut == 0 {
		return nil, nil
	}
	for _, rec := range m.fragments[:cut] {
		removedFragmentKeys = append(removedFragmentKeys, rec.StorageKey)
		if entry, ok := m.inits[rec.InitIdentity]; ok {
			entry.refCount--
			if entry.refCount <= 0 {
				removedInitKeys = append(removedInitKeys, entry.record.StorageKey)
				delete(m.inits, rec.InitIdentity)
			}
		}
	}
	m.fragments = append(m.fragments[:0], m.fragments[cut:]...)
	return removedFragmentKeys, removedInitKeys
}

// TotalDuration sums the duration of every retained fragment.
func (m *Manager) TotalDuration() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, rec := range m.fragments {
		total += rec.Duration
	}
	return total
}

// OldestEnd returns the covered-span end of the oldest retained fragment,
// the position up to which a single cull would evict exactly that fragment.
func (m *Manager) OldestEnd() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.fragments) == 0 {
		return 0, false
	}
	return m.fragments[0].End(), true
}

// FirstPosition returns the oldest retained fragment's position.
func (m *Manager) FirstPosition() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.fragments) == 0 {
		return 0, false
	}
	return m.fragments[0].Position, true
}

// LastPosition returns the newest retained fragment's position.
func (m *Manager) LastPosition() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.fragments) == 0 {
		return 0, false
	}
	return m.fragments[len(m.fragments)-1].Position, true
}

// Len reports the number of retained fragments.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fragments)
}

// Stats reports a human-readable snapshot of the index.
func (m *Manager) Stats() fmt.Stringer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var first, last float64
	if len(m.fragments) > 0 {
		first = m.fragments[0].Position
		last = m.fragments[len(m.fragments)-1].End()
	}
	return managerStats{
		fragments: len(m.fragments),
		inits:     len(m.inits),
		first:     first,
		last:      last,
	}
}

type managerStats struct {
	fragments int
	inits     int
	first     float64
	last      float64
}

func (s managerStats) String() string {
	return brimtext.Align([][]string{
		{"fragments", fmt.Sprintf("%d", s.fragments)},
		{"inits", fmt.Sprintf("%d", s.inits)},
		{"span", fmt.Sprintf("%.3f-%.3f", s.first, s.last)},
	}, nil)
}
