package tsbmeta

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gholt/brimtext"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

type typeList struct {
	isTransient bool
	records     []MetaData
}

// config is a functional-options struct, logger-only today.
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

// Manager keeps one position-ordered list of MetaData per registered Type.
//
// Registration declares a type's transience, which governs
// RemoveMetaDataBefore's behavior at a cull position: transient types drop every record at or
// before the position; non-transient types keep the single latest record at
// or before the position so the "currently applicable" value survives a
// cull, only dropping strictly older ones.
type Manager struct {
	logger log.Logger

	mu             sync.Mutex
	lists          map[Type]*typeList
	nextOrderAdded uint32
}

// New creates an empty Manager. Types must be registered with
// RegisterMetaDataType before AddMetaData will accept records of that type.
func New(opts ...func(*config)) *Manager {
	cfg := resolveConfig(opts...)
	SetEventLogger(cfg.logger)
	return &Manager{
		logger:         cfg.logger,
		lists:          make(map[Type]*typeList),
		nextOrderAdded: 1,
	}
}

// RegisterMetaDataType registers t with the given transience. It returns
// false if t is already registered.
func (m *Manager) RegisterMetaDataType(t Type, isTransient bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[t]; ok {
		level.Error(m.logger).Log("msg", "metadata type already registered", "type", t)
		return false
	}
	m.lists[t] = &typeList{isTransient: isTransient}
	level.Info(m.logger).Log("msg", "registered metadata type", "type", t, "transient", isTransient)
	return true
}

// IsRegisteredType reports whether t is registered and, if so, its
// transience.
func (m *Manager) IsRegisteredType(t Type) (isTransient, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[t]
	if !ok {
		return false, false
	}
	return l.isTransient, true
}

func (m *Manager) totalCountLocked() int {
	n := 0
	for _, l := range m.lists {
		n += len(l.records)
	}
	return n
}

// GetSize returns the total number of records across all registered types.
func (m *Manager) GetSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCountLocked()
}

func less(a, b MetaData) bool {
	if a.Position() != b.Position() {
		return a.Position() < b.Position()
	}
	return a.OrderAdded() < b.OrderAdded()
}

// AddMetaData inserts md into its type's list, keeping it sorted by
// (Position, OrderAdded). It returns tsbtypes.ErrNotRegistered if md's type was
// never registered and tsbtypes.ErrDuplicate if the exact same record (by
// identity) is already present.
func (m *Manager) AddMetaData(md MetaData) error {
	if md == nil {
		return tsbtypes.ErrNotRegistered
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[md.Type()]
	if !ok {
		level.Error(m.logger).Log("msg", "cannot add metadata, type not registered", "type", md.Type())
		return tsbtypes.ErrNotRegistered
	}
	for _, existing := range l.records {
		if existing == md {
			level.Warn(m.logger).Log("msg", "duplicate metadata add", "type", md.Type())
			return tsbtypes.ErrDuplicate
		}
	}

	md.SetOrderAdded(m.nextOrderAdded)
	m.nextOrderAdded++
	if m.nextOrderAdded == 0 {
		level.Warn(m.logger).Log("msg", "order counter wrapped")
		m.nextOrderAdded = 1
	}

	i := sort.Search(len(l.records), func(i int) bool { return !less(l.records[i], md) })
	l.records = append(l.records, nil)
	copy(l.records[i+1:], l.records[i:])
	l.records[i] = md
	level.Debug(m.logger).Log("msg", "added metadata", "type", md.Type(), "position", md.Position(), "order", md.OrderAdded())
	return nil
}

// RemoveMetaData removes the exact record md by identity. It returns false
// if md is nil, its type is unregistered, or it is not found.
func (m *Manager) RemoveMetaData(md MetaData) bool {
	if md == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[md.Type()]
	if !ok {
		return false
	}
	for i, existing := range l.records {
		if existing == md {
			l.records = append(l.records[:i], l.records[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveMetaDataBefore removes metadata at or before position, honoring
// each type's transience: transient types drop every record at or before
// position; non-transient types retain the single latest record at or
// before position (preserving "currently applicable" state across the
// cull) and drop only strictly older records. It returns the total number
// of records removed across all types.
func (m *Manager) RemoveMetaDataBefore(position float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	totalRemoved := 0
	for t, l := range m.lists {
		if len(l.records) == 0 {
			continue
		}
		sizeBefore := len(l.records)

		latest := -1
		for i, rec := range l.records {
			if rec.Position() > position {
				break
			}
			latest = i
		}
		if latest < 0 {
			continue
		}
		cut := latest
		if l.isTransient {
			cut = latest + 1
		}
		l.records = append(l.records[:0], l.records[cut:]...)
		removed := sizeBefore - len(l.records)
		totalRemoved += removed
		level.Info(m.logger).Log("msg", "culled metadata", "type", t, "position", position, "removed", removed, "remaining", len(l.records))
	}
	return totalRemoved
}

// RemoveMetaDataIf removes every record, across all registered types, for
// which filter returns true. It returns the number removed.
func (m *Manager) RemoveMetaDataIf(filter func(MetaData) bool) int {
	if filter == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, l := range m.lists {
		kept := l.records[:0]
		for _, rec := range l.records {
			if filter(rec) {
				total++
				continue
			}
			kept = append(kept, rec)
		}
		l.records = kept
	}
	return total
}

// ChangeMetaDataPosition moves every record in recs to newPosition,
// re-sorting each one into its type's list. It returns false if recs is
// empty or any record's type is unregistered or the record itself is not
// found; already-applied moves are not reverted.
func (m *Manager) ChangeMetaDataPosition(recs []MetaData, newPosition float64) bool {
	if len(recs) == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	allUpdated := true
	for _, md := range recs {
		if md == nil {
			allUpdated = false
			continue
		}
		l, ok := m.lists[md.Type()]
		if !ok {
			allUpdated = false
			continue
		}
		idx := -1
		for i, rec := range l.records {
			if rec == md {
				idx = i
				break
			}
		}
		if idx < 0 {
			allUpdated = false
			continue
		}
		l.records = append(l.records[:idx], l.records[idx+1:]...)
		md.SetPosition(newPosition)
		i := sort.Search(len(l.records), func(i int) bool { return !less(l.records[i], md) })
		l.records = append(l.records, nil)
		copy(l.records[i+1:], l.records[i:])
		l.records[i] = md
	}
	return allUpdated
}

// GetMetaDataByType returns the records of type t whose Position falls in
// [rangeStart, rangeEnd), plus — for a non-transient type only — the
// single most recent record strictly before rangeStart when nothing sits
// exactly at rangeStart, so a reader entering mid-range still observes the
// record that was "currently applicable" at rangeStart.
func GetMetaDataByType[T MetaData](m *Manager, t Type, rangeStart, rangeEnd float64) []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []T
	l, ok := m.lists[t]
	if !ok || rangeStart >= rangeEnd || len(l.records) == 0 {
		return result
	}
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		cast, ok := any(rec).(T)
		if !ok {
			continue
		}
		pos := rec.Position()
		if pos < rangeStart {
			if !l.isTransient && (len(result) == 0 || result[0].Position() > rangeStart) {
				result = append([]T{cast}, result...)
			}
			break
		}
		if pos == rangeStart || pos < rangeEnd {
			result = append([]T{cast}, result...)
		}
	}
	return result
}

// GetMetaDataByTypeFiltered returns every record of type t for which filter
// returns true (or every record of type t if filter is nil), in stored
// order.
func GetMetaDataByTypeFiltered[T MetaData](m *Manager, t Type, filter func(T) bool) []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []T
	l, ok := m.lists[t]
	if !ok {
		return result
	}
	for _, rec := range l.records {
		cast, ok := any(rec).(T)
		if !ok {
			continue
		}
		if filter == nil || filter(cast) {
			result = append(result, cast)
		}
	}
	return result
}

// Stats reports a per-type record count.
func (m *Manager) Stats() fmt.Stringer {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := [][]string{{"total", fmt.Sprintf("%d", m.totalCountLocked())}}
	for t, l := range m.lists {
		rows = append(rows, []string{t.String(), fmt.Sprintf("%d (transient=%v)", len(l.records), l.isTransient)})
	}
	return managerStats{rows: rows}
}

type managerStats struct {
	rows [][]string
}

func (s managerStats) String() string {
	return brimtext.Align(s.rows, nil)
}
