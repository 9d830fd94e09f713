// Package tsbtest holds fake implementations of the time-shift buffer's
// external collaborators — the outer event manager and the media pipeline's
// per-track injection target — for use by package tests and the
// demonstration CLI driver.
package tsbtest

import (
	"context"
	"sync"

	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

// ReservationEvent records one SendAdReservationEvent call.
type ReservationEvent struct {
	Kind                  tsbtypes.AdEventKind
	BreakID               string
	PeriodPositionSeconds float64
	AbsPositionMs         int64
}

// PlacementEvent records one SendAdPlacementEvent call.
type PlacementEvent struct {
	Kind                    tsbtypes.AdEventKind
	AdID                    string
	RelativePositionSeconds float64
	AbsPositionMs           int64
	OffsetSeconds           float64
	DurationSeconds         float64
	ErrorCode               int
}

// EventSink is a concurrency-safe fake of tsbtypes.EventSink that records
// every call it receives.
type EventSink struct {
	mu           sync.Mutex
	Reservations []ReservationEvent
	Placements   []PlacementEvent
}

func (s *EventSink) SendAdReservationEvent(ctx context.Context, kind tsbtypes.AdEventKind, breakID string, periodPositionSeconds float64, absPositionMs int64, immediate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reservations = append(s.Reservations, ReservationEvent{
		Kind: kind, BreakID: breakID, PeriodPositionSeconds: periodPositionSeconds, AbsPositionMs: absPositionMs,
	})
	return nil
}

func (s *EventSink) SendAdPlacementEvent(ctx context.Context, kind tsbtypes.AdEventKind, adID string, relativePositionSeconds float64, absPositionMs int64, offsetSeconds float64, durationSeconds float64, immediate bool, errorCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Placements = append(s.Placements, PlacementEvent{
		Kind: kind, AdID: adID, RelativePositionSeconds: relativePositionSeconds, AbsPositionMs: absPositionMs,
		OffsetSeconds: offsetSeconds, DurationSeconds: durationSeconds, ErrorCode: errorCode,
	})
	return nil
}

// CachedCall records one CacheTsbFragment call.
type CachedCall struct {
	Track         tsbtypes.Track
	Position      float64
	Duration      float64
	PeriodID      string
	Payload       []byte
	WantInit      bool
	InitPayload   []byte
	Discontinuity bool
}

// MediaContext is a concurrency-safe fake of tsbtypes.MediaContext that
// records every fragment it is asked to cache.
type MediaContext struct {
	mu    sync.Mutex
	Calls []CachedCall
}

func (m *MediaContext) CacheTsbFragment(ctx context.Context, track tsbtypes.Track, fragment tsbtypes.CachedFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, CachedCall{
		Track:         track,
		Position:      fragment.Position,
		Duration:      fragment.Duration,
		PeriodID:      fragment.PeriodID,
		Payload:       fragment.Payload,
		WantInit:      fragment.WantInit,
		InitPayload:   fragment.InitPayload,
		Discontinuity: fragment.Discontinuity,
	})
	return nil
}

// Len reports how many fragments have been cached so far.
func (m *MediaContext) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
