// Package tsb implements the local time-shift buffer subsystem of an
// adaptive media player: it records live fragments delivered by the
// fragment-collector to a content-addressed byte store, indexes them per
// track, associates ordered ad metadata with them, evicts content under
// space and duration pressure, and replays it back through the media
// pipeline as a seekable, rate-adjustable source.
//
// The session manager (SessionManager) is the orchestrator: it owns a
// tsbstore.Store, one tsbdata.Manager per track, a tsbmeta.Manager, and one
// tsbreader.Reader per track. Writes are queued and drained by a single
// writer goroutine; reads, ad bookkeeping, and progress-driven retention may
// all be called concurrently from their respective callers.
//
// There is no crash recovery: the index lives only in memory and a session
// is rebuilt by replaying from empty. There is no origin-side (FOG) TSB and
// no support for non-DASH content in the local TSB path.
package tsb

import (
	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

// Track identifies one elementary stream carried through the TSB.
type Track = tsbtypes.Track

const (
	TrackVideo    = tsbtypes.TrackVideo
	TrackAudio    = tsbtypes.TrackAudio
	TrackSubtitle = tsbtypes.TrackSubtitle
	TrackAux      = tsbtypes.TrackAux
)

// Direction is the playback direction a reader is positioned in.
type Direction = tsbtypes.Direction

const (
	DirectionForward = tsbtypes.DirectionForward
	DirectionReverse = tsbtypes.DirectionReverse
)

// TuneType distinguishes why a reader is being positioned, mirroring the
// tuneType argument the media pipeline passes to InvokeTsbReaders.
type TuneType = tsbtypes.TuneType

const (
	TuneNormal = tsbtypes.TuneNormal
	TuneSeek   = tsbtypes.TuneSeek
	TuneRetune = tsbtypes.TuneRetune
)

// Sentinel errors forming the taxonomy of the error handling design.
// Callers use errors.Is against these; package boundaries wrap them with
// github.com/pkg/errors so a log line retains the call chain without
// losing the sentinel identity.
var (
	ErrNotFound          = tsbtypes.ErrNotFound
	ErrNoSpace           = tsbtypes.ErrNoSpace
	ErrIOError           = tsbtypes.ErrIOError
	ErrNotRegistered     = tsbtypes.ErrNotRegistered
	ErrDuplicate         = tsbtypes.ErrDuplicate
	ErrOutOfRange        = tsbtypes.ErrOutOfRange
	ErrNoSuchTrack       = tsbtypes.ErrNoSuchTrack
	ErrEndOfBuffer       = tsbtypes.ErrEndOfBuffer
	ErrBeginningOfBuffer = tsbtypes.ErrBeginningOfBuffer
	ErrInactive          = tsbtypes.ErrInactive
)

// AdEventKind is the event kind carried by ad metadata: start, end, or
// (placement-only) error.
type AdEventKind = tsbtypes.AdEventKind

const (
	AdEventStart = tsbtypes.AdEventStart
	AdEventEnd   = tsbtypes.AdEventEnd
	AdEventError = tsbtypes.AdEventError
)

// EventSink is the outer event manager contract: the session manager and
// the ad metadata family dispatch through it. A nil sink is tolerated by
// SendEvent implementations (they log and return).
type EventSink = tsbtypes.EventSink

// MediaContext is the media pipeline's per-track injection target:
// PushNextTsbFragment calls CacheTsbFragment once per pulled fragment.
type MediaContext = tsbtypes.MediaContext

// CachedFragment is the payload handed to the media pipeline for injection.
type CachedFragment = tsbtypes.CachedFragment
