// Package tsbtypes holds the types shared across the time-shift buffer's
// packages: track/direction/tune-type identifiers, the sentinel error
// taxonomy, and the boundary contracts (event sink, media context). It
// exists so that tsbdata, tsbmeta, tsbstore, and tsbreader can depend on
// these shapes without importing the root package, which in turn depends on
// all of them.
package tsbtypes

import (
	"context"
	"errors"
)

// Track identifies one elementary stream carried through the TSB.
type Track int

const (
	TrackVideo Track = iota
	TrackAudio
	TrackSubtitle
	TrackAux
)

func (t Track) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackSubtitle:
		return "subtitle"
	case TrackAux:
		return "aux"
	default:
		return "unknown"
	}
}

// Direction is the playback direction a reader is positioned in.
type Direction int

const (
	DirectionForward Direction = iota
	DirectionReverse
)

// TuneType distinguishes why a reader is being positioned, mirroring the
// tuneType argument the media pipeline passes to InvokeTsbReaders.
type TuneType int

const (
	TuneNormal TuneType = iota
	TuneSeek
	TuneRetune
)

// Sentinel errors forming the taxonomy of the error handling design.
// Callers use errors.Is against these; package boundaries wrap them with
// github.com/pkg/errors so a log line retains the call chain without
// losing the sentinel identity.
var (
	// ErrNotFound is returned by the store for a key it does not hold.
	ErrNotFound = errors.New("tsb: not found")
	// ErrNoSpace is returned by the store when quota or min-free-percentage
	// policy refuses a write.
	ErrNoSpace = errors.New("tsb: no space")
	// ErrIOError is returned for a read or write failure, including a
	// checksum mismatch on read.
	ErrIOError = errors.New("tsb: io error")
	// ErrNotRegistered is returned when a metadata type was never
	// registered via RegisterMetaDataType.
	ErrNotRegistered = errors.New("tsb: metadata type not registered")
	// ErrDuplicate is returned when the exact same metadata object is
	// added twice.
	ErrDuplicate = errors.New("tsb: duplicate metadata")
	// ErrOutOfRange is returned when InvokeTsbReaders targets a position
	// outside any track's stored span.
	ErrOutOfRange = errors.New("tsb: position out of range")
	// ErrNoSuchTrack is returned for operations against an unknown track.
	ErrNoSuchTrack = errors.New("tsb: no such track")
	// ErrEndOfBuffer is the EOS condition: forward playback stepped past
	// the newest stored fragment.
	ErrEndOfBuffer = errors.New("tsb: end of buffer")
	// ErrBeginningOfBuffer is the BOS condition: reverse playback stepped
	// before the oldest stored fragment.
	ErrBeginningOfBuffer = errors.New("tsb: beginning of buffer")
	// ErrInactive is returned by any session operation attempted before
	// Init succeeds or after Flush.
	ErrInactive = errors.New("tsb: session inactive")
)

// AdEventKind is the event kind carried by ad metadata: start, end, or
// (placement-only) error.
type AdEventKind int

const (
	AdEventStart AdEventKind = iota
	AdEventEnd
	AdEventError
)

func (k AdEventKind) String() string {
	switch k {
	case AdEventStart:
		return "start"
	case AdEventEnd:
		return "end"
	case AdEventError:
		return "error"
	default:
		return "unknown"
	}
}

// EventSink is the outer event manager contract: the session manager and
// the ad metadata family dispatch through it. A nil sink is tolerated by
// SendEvent implementations (they log and return).
type EventSink interface {
	SendAdReservationEvent(ctx context.Context, kind AdEventKind, breakID string, periodPositionSeconds float64, absPositionMs int64, immediate bool) error
	SendAdPlacementEvent(ctx context.Context, kind AdEventKind, adID string, relativePositionSeconds float64, absPositionMs int64, offsetSeconds float64, durationSeconds float64, immediate bool, errorCode int) error
}

// MediaContext is the media pipeline's per-track injection target:
// PushNextTsbFragment calls CacheTsbFragment once per pulled fragment.
type MediaContext interface {
	CacheTsbFragment(ctx context.Context, track Track, fragment CachedFragment) error
}

// CachedFragment is the payload handed to the media pipeline for injection.
type CachedFragment struct {
	Position      float64
	Duration      float64
	PeriodID      string
	Payload       []byte
	WantInit      bool
	InitPayload   []byte
	Discontinuity bool
	PTSOffset     float64
}
