// Package tsbreader implements the per-track playback cursor over a
// track's stored fragments: it chooses the next fragment given the
// current position, rate, and direction, and flags when the downstream
// pipeline needs a fresh init segment or is crossing a discontinuity.
package tsbreader

import (
	"sync"

	"github.com/rdkcentral/aamp-tsb/tsbdata"
	"github.com/rdkcentral/aamp-tsb/tsbmeta"
	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

// PullResult is what PullNext hands the caller for one advance of the
// cursor.
type PullResult struct {
	Fragment      tsbdata.FragmentRecord
	WantInit      bool
	Discontinuity bool
	EOS           bool
}

// Reader is a cursor over one track's data manager. It is not safe for
// concurrent use: each reader is pinned to the injection call path that
// consumes it.
type Reader struct {
	mu sync.Mutex

	track   tsbtypes.Track
	data    *tsbdata.Manager
	enabled bool

	hasCurrent  bool
	current     tsbdata.FragmentRecord
	direction   tsbtypes.Direction
	rate        float64
	pendingInit bool
	eos         bool
	lastInit    string
	hasLast     bool
	lastPeriod  string

	// pending is the small per-track queue of ad-metadata events that have
	// crossed into the reader's current window but have not yet been
	// dispatched, refilled by the session manager as the reader advances
	// rather than queried fresh on every pull.
	pending []tsbmeta.MetaData
}

// New creates a Reader positioned over data for the given track. Readers
// start enabled; a session disables one when its track is muted or absent.
func New(track tsbtypes.Track, data *tsbdata.Manager) *Reader {
	return &Reader{track: track, data: data, enabled: true}
}

// TrackEnabled reports whether this reader currently participates in
// injection.
func (r *Reader) TrackEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled toggles whether this reader participates in injection.
func (r *Reader) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

func directionFromRate(rate float64) tsbtypes.Direction {
	if rate < 0 {
		return tsbtypes.DirectionReverse
	}
	return tsbtypes.DirectionForward
}

func searchDirectionFor(dir tsbtypes.Direction) tsbdata.SearchDirection {
	if dir == tsbtypes.DirectionReverse {
		return tsbdata.Next
	}
	return tsbdata.Prev
}

// Init positions the cursor at position, inferring direction from rate's
// sign. It reports tsbtypes.ErrOutOfRange if no fragment is available at or
// adjacent to position in the chosen direction.
func (r *Reader) Init(position, rate float64, tuneType tsbtypes.TuneType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anchorLocked(position, rate)
}

// SeekTo re-anchors the cursor at position, keeping the reader's current
// direction and rate.
func (r *Reader) SeekTo(position float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anchorLocked(position, r.rate)
}

func (r *Reader) anchorLocked(position, rate float64) error {
	dir := directionFromRate(rate)
	frag, ok := r.data.GetFragmentAt(position, searchDirectionFor(dir))
	if !ok {
		r.hasCurrent = false
		return tsbtypes.ErrOutOfRange
	}
	r.direction = dir
	r.rate = rate
	r.current = frag
	r.hasCurrent = true
	r.pendingInit = true
	r.eos = false
	r.hasLast = false
	r.lastPeriod = ""
	r.pending = nil
	return nil
}

// SetRate changes the playback rate without re-anchoring. A sign change
// flips the cursor's direction in place; the next PullNext steps the new
// way from the current fragment.
func (r *Reader) SetRate(rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	newDir := directionFromRate(rate)
	if newDir != r.direction {
		r.direction = newDir
		r.eos = false
	}
	r.rate = rate
}

// Rate returns the reader's current playback rate.
func (r *Reader) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// Direction returns the reader's current playback direction.
func (r *Reader) Direction() tsbtypes.Direction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.direction
}

// PullNext advances the cursor one fragment in the current direction and
// reports whether the pipeline must receive a fresh init segment or is
// crossing a discontinuity boundary.
func (r *Reader) PullNext() (PullResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasCurrent {
		return PullResult{EOS: true}, tsbtypes.ErrOutOfRange
	}
	if r.eos {
		if r.direction == tsbtypes.DirectionReverse {
			return PullResult{EOS: true}, tsbtypes.ErrBeginningOfBuffer
		}
		return PullResult{EOS: true}, tsbtypes.ErrEndOfBuffer
	}

	frag := r.current
	wantInit := r.pendingInit || frag.InitIdentity != r.lastInit
	discontinuity := frag.Discontinuity
	if r.hasLast && frag.PeriodID != r.lastPeriod {
		discontinuity = true
	}

	next, ok := r.data.Next(frag, r.direction)
	if !ok {
		r.eos = true
	} else {
		r.current = next
	}
	r.pendingInit = false
	r.lastInit = frag.InitIdentity
	r.lastPeriod = frag.PeriodID
	r.hasLast = true

	return PullResult{
		Fragment:      frag,
		WantInit:      wantInit,
		Discontinuity: discontinuity,
		EOS:           false,
	}, nil
}

// EOS reports whether the cursor has delivered the last stored fragment in
// its current direction; the next PullNext then returns ErrEndOfBuffer
// (forward) or ErrBeginningOfBuffer (reverse).
func (r *Reader) EOS() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eos
}

// CurrentPosition returns the position of the fragment the cursor is
// parked on, if any.
func (r *Reader) CurrentPosition() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasCurrent {
		return 0, false
	}
	return r.current.Position, true
}

// QueuePendingEvents appends events to the reader's pending ad-event queue.
// The session manager calls this as it refills the window ahead of the
// cursor; Reader itself never consults the metadata manager.
func (r *Reader) QueuePendingEvents(events []tsbmeta.MetaData) {
	if len(events) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, events...)
}

// DrainPendingEventsUpTo removes and returns, in order, every queued event
// whose position is less than or equal to position.
func (r *Reader) DrainPendingEventsUpTo(position float64) []tsbmeta.MetaData {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := 0
	for i < len(r.pending) && r.pending[i].Position() <= position {
		i++
	}
	drained := r.pending[:i]
	r.pending = append([]tsbmeta.MetaData{}, r.pending[i:]...)
	return drained
}
