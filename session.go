package tsb

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/gholt/brimtext"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/rdkcentral/aamp-tsb/tsbdata"
	"github.com/rdkcentral/aamp-tsb/tsbevents"
	"github.com/rdkcentral/aamp-tsb/tsbmeta"
	"github.com/rdkcentral/aamp-tsb/tsbreader"
	"github.com/rdkcentral/aamp-tsb/tsbstore"
	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

var allTracks = []Track{TrackVideo, TrackAudio, TrackSubtitle, TrackAux}

// FragmentWrite describes one fragment or init segment handed to
// EnqueueWrite by the fragment collector.
type FragmentWrite struct {
	Payload       []byte
	IsInit        bool
	AbsPosition   float64
	Duration      float64
	PeriodID      string
	InitIdentity  string
	Discontinuity bool
	PTSOffset     float64
}

type writeTask struct {
	track Track
	url   string
	frag  FragmentWrite
}

// SessionManager orchestrates the store, per-track data managers, metadata
// manager, and per-track readers that together make up one time-shift
// buffer session. A single writer goroutine drains EnqueueWrite tasks in
// order; all other operations are synchronous calls guarded by sm.mu.
type SessionManager struct {
	sink tsbtypes.EventSink

	mu     sync.RWMutex
	active bool
	cfg    *Config
	logger log.Logger

	store      *tsbstore.Store
	data       map[Track]*tsbdata.Manager
	meta       *tsbmeta.Manager
	readers    map[Track]*tsbreader.Reader
	dispatcher *tsbevents.Dispatcher

	lastInjectedMu sync.Mutex
	lastInjected   map[Track]float64

	writeChan chan *writeTask
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewSessionManager creates an inactive session that will dispatch ad
// events through sink. Call Init before any other method.
func NewSessionManager(sink tsbtypes.EventSink) *SessionManager {
	return &SessionManager{sink: sink}
}

// Init creates the store, one data manager and reader per track, and a
// metadata manager with the ad type registered transient, then starts the
// writer goroutine. Calling Init on an already-active session is an error.
func (sm *SessionManager) Init(opts ...Option) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active {
		return errors.Wrap(tsbtypes.ErrInactive, "tsb: session already active")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	logger := leveledLogger(cfg)

	store, err := tsbstore.New(tsbstore.Config{
		Location:          cfg.Location,
		MinFreePercentage: cfg.MinFreePercentage,
		MaxBytes:          cfg.MaxDiskStorage,
		Logger:            logger,
	})
	if err != nil {
		level.Error(logger).Log("msg", "session init failed, store unavailable", "err", err)
		return errors.Wrap(err, "tsb: init store")
	}

	data := make(map[Track]*tsbdata.Manager, len(allTracks))
	readers := make(map[Track]*tsbreader.Reader, len(allTracks))
	for _, t := range allTracks {
		dm := tsbdata.New(tsbdata.OptLogger(logger))
		data[t] = dm
		readers[t] = tsbreader.New(t, dm)
	}

	meta := tsbmeta.New(tsbmeta.OptLogger(logger))
	if !meta.RegisterMetaDataType(tsbmeta.AdMetadataType, true) {
		level.Error(logger).Log("msg", "session init failed, ad metadata type registration rejected")
		return errors.Wrap(tsbtypes.ErrNotRegistered, "tsb: init metadata manager")
	}

	sm.cfg = cfg
	sm.logger = logger
	sm.store = store
	sm.data = data
	sm.readers = readers
	sm.meta = meta
	sm.dispatcher = tsbevents.New(logger)
	sm.lastInjected = make(map[Track]float64, len(allTracks))
	sm.writeChan = make(chan *writeTask, cfg.WriteQueueDepth)
	sm.stopChan = make(chan struct{})
	sm.doneChan = make(chan struct{})
	sm.active = true

	go sm.writeLoop(sm.writeChan, sm.stopChan, sm.doneChan)
	level.Info(logger).Log("msg", "tsb session active", "location", cfg.Location, "tsb_length", cfg.TSBLength)
	return nil
}

// Flush stops the writer goroutine, erases every blob the session's store
// holds, and resets all indexes. The session becomes inactive; Init may be
// called again afterward.
func (sm *SessionManager) Flush() error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return nil
	}
	sm.active = false
	stopChan := sm.stopChan
	doneChan := sm.doneChan
	store := sm.store
	logger := sm.logger
	sm.mu.Unlock()

	// The stop signal makes the writer abandon whatever is still queued
	// rather than spend shutdown time persisting content about to be erased.
	close(stopChan)
	<-doneChan

	err := store.Flush()

	sm.mu.Lock()
	sm.data = nil
	sm.readers = nil
	sm.meta = nil
	sm.dispatcher = nil
	sm.lastInjected = nil
	sm.mu.Unlock()

	if err != nil {
		level.Error(logger).Log("msg", "flush failed to erase store contents", "err", err)
		return errors.Wrap(err, "tsb: flush store")
	}
	level.Info(logger).Log("msg", "tsb session flushed")
	return nil
}

// IsActive reports whether Init succeeded and Flush has not since run.
func (sm *SessionManager) IsActive() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.active
}

// writeLoop is the single writer goroutine. The task channel is never
// closed — a racing EnqueueWrite must never be able to send on a closed
// channel — so shutdown is signalled through stopChan; whatever is still
// queued at that point is abandoned with the channel, releasing each
// task's payload reference without writing it.
func (sm *SessionManager) writeLoop(writeChan chan *writeTask, stopChan, doneChan chan struct{}) {
	defer close(doneChan)
	for {
		select {
		case <-stopChan:
			return
		case task := <-writeChan:
			select {
			case <-stopChan:
				return
			default:
			}
			sm.processWrite(task)
		}
	}
}

// EnqueueWrite submits a fragment or init segment for background storage.
// It never blocks: if the write queue is full, the oldest pending task is
// dropped (and logged) in favor of the new one, since the TSB prefers
// freshness over completeness.
func (sm *SessionManager) EnqueueWrite(track Track, url string, frag FragmentWrite) {
	sm.mu.RLock()
	active := sm.active
	writeChan := sm.writeChan
	logger := sm.logger
	sm.mu.RUnlock()
	if !active {
		return
	}

	task := &writeTask{track: track, url: url, frag: frag}
	select {
	case writeChan <- task:
		return
	default:
	}
	select {
	case <-writeChan:
		level.Warn(logger).Log("msg", "write queue full, dropped oldest pending task", "track", track)
	default:
	}
	select {
	case writeChan <- task:
	default:
		level.Warn(logger).Log("msg", "write queue full, dropped task", "track", track, "url", url)
	}
}

func (sm *SessionManager) processWrite(task *writeTask) {
	key := fmt.Sprintf("%s.%d", task.url, int64(math.Floor(task.frag.AbsPosition)))
	ctx := context.Background()

	res, err := sm.store.Write(ctx, key, task.frag.Payload)
	if errors.Is(err, tsbtypes.ErrNoSpace) {
		sm.evictOldestUntilFits(int64(len(task.frag.Payload)))
		res, err = sm.store.Write(ctx, key, task.frag.Payload)
	}
	if err != nil {
		level.Warn(sm.logger).Log("msg", "dropped fragment after persistent no-space", "key", key, "track", task.track, "err", err)
		return
	}
	if res == tsbstore.WriteAlreadyExists {
		// The blob is already held and indexed; a second index insert would
		// be rejected for position overlap anyway.
		level.Debug(sm.logger).Log("msg", "blob already stored, skipping index insert", "key", key, "track", task.track)
		return
	}

	dm := sm.data[task.track]
	if task.frag.IsInit {
		dm.AddInit(tsbdata.InitRecord{StorageKey: key, Identity: task.frag.InitIdentity})
		return
	}
	if err := dm.AddFragment(tsbdata.FragmentRecord{
		Position:         task.frag.AbsPosition,
		Duration:         task.frag.Duration,
		InitIdentity:     task.frag.InitIdentity,
		PeriodID:         task.frag.PeriodID,
		StorageKey:       key,
		PTSOffsetSeconds: task.frag.PTSOffset,
		Discontinuity:    task.frag.Discontinuity,
	}); err != nil {
		level.Warn(sm.logger).Log("msg", "fragment indexing rejected", "key", key, "track", task.track, "err", err)
	}
}

// evictOldestUntilFits culls the single globally-oldest fragment,
// repeatedly, until the store's own byte quota has room for needed more
// bytes or nothing is left to evict. It is the NO_SPACE retention pass:
// "culling the oldest fragments ... until the store accepts", as distinct
// from UpdateProgress's duration-horizon retention.
func (sm *SessionManager) evictOldestUntilFits(needed int64) {
	evicted := false
	if sm.cfg.MaxDiskStorage > 0 {
		for sm.store.UsedBytes()+needed > sm.cfg.MaxDiskStorage {
			end, ok := sm.oldestFragmentEnd()
			if !ok {
				return
			}
			sm.cullBefore(end)
			evicted = true
		}
	}
	// A NO_SPACE from the min-free-percentage policy arrives with the byte
	// quota unexceeded; evict one oldest fragment so the retry has a chance.
	if !evicted {
		if end, ok := sm.oldestFragmentEnd(); ok {
			sm.cullBefore(end)
		}
	}
}

func (sm *SessionManager) oldestFragmentEnd() (float64, bool) {
	var min float64
	found := false
	for _, dm := range sm.data {
		if end, ok := dm.OldestEnd(); ok && (!found || end < min) {
			min, found = end, true
		}
	}
	return min, found
}

func (sm *SessionManager) cullBefore(horizon float64) {
	for _, dm := range sm.data {
		fragKeys, initKeys := dm.CullBefore(horizon)
		for _, k := range fragKeys {
			if err := sm.store.Delete(k); err != nil {
				level.Warn(sm.logger).Log("msg", "failed to delete culled fragment blob", "key", k, "err", err)
			}
		}
		for _, k := range initKeys {
			if err := sm.store.Delete(k); err != nil {
				level.Warn(sm.logger).Log("msg", "failed to delete culled init blob", "key", k, "err", err)
			}
		}
	}
	if removed := sm.meta.RemoveMetaDataBefore(horizon); removed > 0 {
		level.Debug(sm.logger).Log("msg", "culled metadata", "horizon", horizon, "removed", removed)
	}
}

// UpdateProgress is the outer player's periodic progress tick. It computes
// the cull horizon as liveEdgeOffsetSec - tsbLength and retires content and
// metadata older than that horizon across every track.
func (sm *SessionManager) UpdateProgress(playbackDurationSec, liveEdgeOffsetSec float64) error {
	sm.mu.RLock()
	active := sm.active
	tsbLength := 0.0
	if sm.cfg != nil {
		tsbLength = sm.cfg.TSBLength
	}
	sm.mu.RUnlock()
	if !active {
		return tsbtypes.ErrInactive
	}
	sm.cullBefore(liveEdgeOffsetSec - tsbLength)
	return nil
}

// InvokeTsbReaders positions every enabled per-track reader at position,
// inferring direction from rate's sign. It returns the first positioning
// error encountered, if any.
func (sm *SessionManager) InvokeTsbReaders(position, rate float64, tuneType TuneType) error {
	sm.mu.RLock()
	active := sm.active
	readers := sm.readers
	sm.mu.RUnlock()
	if !active {
		return tsbtypes.ErrInactive
	}

	var firstErr error
	positioned := 0
	for _, t := range allTracks {
		r, ok := readers[t]
		if !ok || !r.TrackEnabled() {
			continue
		}
		sm.mu.RLock()
		dm := sm.data[t]
		sm.mu.RUnlock()
		if dm == nil || dm.Len() == 0 {
			// A track nothing was ever recorded for does not participate.
			continue
		}
		sm.lastInjectedMu.Lock()
		sm.lastInjected[t] = position
		sm.lastInjectedMu.Unlock()
		if err := r.Init(position, rate, tuneType); err != nil {
			level.Warn(sm.logger).Log("msg", "reader positioning failed", "track", t, "position", position, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		positioned++
	}
	if firstErr == nil && positioned == 0 {
		return tsbtypes.ErrOutOfRange
	}
	return firstErr
}

// GetTsbReader returns the reader for track, for track-enable queries.
func (sm *SessionManager) GetTsbReader(track Track) (*tsbreader.Reader, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	r, ok := sm.readers[track]
	return r, ok
}

// PushNextTsbFragment pulls up to maxFragments fragments for track, calling
// mediaCtx.CacheTsbFragment for each. Between fragments it dispatches any
// ad-metadata events that fall between the previously injected position and
// the fragment just pulled. It returns true while more fragments may
// follow, false once the reader reports end of buffer.
func (sm *SessionManager) PushNextTsbFragment(ctx context.Context, track Track, mediaCtx MediaContext, maxFragments int) (bool, error) {
	sm.mu.RLock()
	active := sm.active
	r, ok := sm.readers[track]
	dm := sm.data[track]
	sm.mu.RUnlock()
	if !active {
		return false, tsbtypes.ErrInactive
	}
	if !ok {
		return false, tsbtypes.ErrNoSuchTrack
	}

	for i := 0; i < maxFragments; i++ {
		result, err := r.PullNext()
		if errors.Is(err, tsbtypes.ErrEndOfBuffer) || errors.Is(err, tsbtypes.ErrBeginningOfBuffer) || errors.Is(err, tsbtypes.ErrOutOfRange) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "tsb: pull next fragment")
		}

		var initPayload []byte
		if result.WantInit {
			initRec, ok := dm.GetInit(result.Fragment.InitIdentity)
			if !ok {
				return false, errors.Wrap(tsbtypes.ErrNotFound, "tsb: init record missing for fragment")
			}
			initPayload, err = sm.store.Read(ctx, initRec.StorageKey)
			if err != nil {
				return false, sm.wrapReadFailure(track, initRec.StorageKey, err)
			}
		}
		payload, err := sm.store.Read(ctx, result.Fragment.StorageKey)
		if err != nil {
			return false, sm.wrapReadFailure(track, result.Fragment.StorageKey, err)
		}

		// Ad events whose position falls within the fragment's covered span
		// are dispatched before the fragment itself is handed downstream.
		sm.dispatchAdEventsThrough(ctx, track, r, result.Fragment.End())

		if err := mediaCtx.CacheTsbFragment(ctx, track, CachedFragment{
			Position:      result.Fragment.Position,
			Duration:      result.Fragment.Duration,
			PeriodID:      result.Fragment.PeriodID,
			Payload:       payload,
			WantInit:      result.WantInit,
			InitPayload:   initPayload,
			Discontinuity: result.Discontinuity,
			PTSOffset:     result.Fragment.PTSOffsetSeconds,
		}); err != nil {
			return false, errors.Wrap(err, "tsb: cache fragment")
		}
	}
	return !r.EOS(), nil
}

// wrapReadFailure logs and wraps a store read failure. A corrupted or
// missing TSB blob is treated like a network failure; surfacing it as a
// media-playback error is the outer media pipeline's responsibility once it
// observes this error returned from PushNextTsbFragment.
func (sm *SessionManager) wrapReadFailure(track Track, key string, err error) error {
	level.Error(sm.logger).Log("msg", "tsb blob read failed", "track", track, "key", key, "err", err)
	return errors.Wrap(err, "tsb: read blob")
}

// dispatchAdEventsThrough queues and drains every ad-metadata event whose
// position falls in (previously injected position, upTo], then dispatches
// them through the session's event sink. A metadata record culled before
// the reader reached it is simply never queued: it is not dispatched, and
// no error is raised (matching the "culled before injection" design note).
func (sm *SessionManager) dispatchAdEventsThrough(ctx context.Context, track Track, r *tsbreader.Reader, upTo float64) {
	sm.lastInjectedMu.Lock()
	prev := sm.lastInjected[track]
	sm.lastInjected[track] = upTo
	sm.lastInjectedMu.Unlock()

	sm.mu.RLock()
	meta := sm.meta
	dispatcher := sm.dispatcher
	sink := sm.sink
	sm.mu.RUnlock()
	if meta == nil || dispatcher == nil {
		return
	}

	events := tsbmeta.GetMetaDataByTypeFiltered[tsbmeta.MetaData](meta, tsbmeta.AdMetadataType, func(md tsbmeta.MetaData) bool {
		return md.Position() > prev && md.Position() <= upTo
	})
	if len(events) == 0 {
		return
	}
	r.QueuePendingEvents(events)
	due := r.DrainPendingEventsUpTo(upTo)
	if err := dispatcher.DispatchAll(ctx, due, sink); err != nil {
		level.Warn(sm.logger).Log("msg", "ad event dispatch failed", "track", track, "err", err)
	}
}

func (sm *SessionManager) addAdMetadata(md tsbmeta.MetaData) error {
	sm.mu.RLock()
	active := sm.active
	meta := sm.meta
	sm.mu.RUnlock()
	if !active {
		return tsbtypes.ErrInactive
	}
	return errors.Wrap(meta.AddMetaData(md), "tsb: add ad metadata")
}

// StartAdReservation records an ad break's start at position.
func (sm *SessionManager) StartAdReservation(position float64, adBreakID string, periodPositionSeconds float64) error {
	return sm.addAdMetadata(tsbmeta.NewAdReservationMetaData(tsbtypes.AdEventStart, position, adBreakID, periodPositionSeconds))
}

// EndAdReservation records an ad break's end at position.
func (sm *SessionManager) EndAdReservation(position float64, adBreakID string, periodPositionSeconds float64) error {
	return sm.addAdMetadata(tsbmeta.NewAdReservationMetaData(tsbtypes.AdEventEnd, position, adBreakID, periodPositionSeconds))
}

// StartAdPlacement records one ad's start within a reservation.
func (sm *SessionManager) StartAdPlacement(position, durationSeconds float64, adID string, relativePositionSeconds, offsetSeconds float64) error {
	return sm.addAdMetadata(tsbmeta.NewAdPlacementMetaData(tsbtypes.AdEventStart, position, durationSeconds, adID, relativePositionSeconds, offsetSeconds))
}

// EndAdPlacement records one ad's successful end within a reservation.
func (sm *SessionManager) EndAdPlacement(position, durationSeconds float64, adID string, relativePositionSeconds, offsetSeconds float64) error {
	return sm.addAdMetadata(tsbmeta.NewAdPlacementMetaData(tsbtypes.AdEventEnd, position, durationSeconds, adID, relativePositionSeconds, offsetSeconds))
}

// EndAdPlacementWithError records one ad's failed end, carrying errorCode.
func (sm *SessionManager) EndAdPlacementWithError(position, durationSeconds float64, adID string, relativePositionSeconds, offsetSeconds float64, errorCode int) error {
	md := tsbmeta.NewAdPlacementMetaData(tsbtypes.AdEventError, position, durationSeconds, adID, relativePositionSeconds, offsetSeconds)
	md.SetErrorCode(errorCode)
	return sm.addAdMetadata(md)
}

// ShiftFutureAdEvents re-positions, as a single batch, every ad-metadata
// record strictly after referencePosition to newPosition — used when the
// manifest signals a shift in ad-break timing. It returns false if the
// session is inactive; an empty affected set is treated as success.
func (sm *SessionManager) ShiftFutureAdEvents(referencePosition, newPosition float64) bool {
	sm.mu.RLock()
	active := sm.active
	meta := sm.meta
	sm.mu.RUnlock()
	if !active {
		return false
	}

	affected := tsbmeta.GetMetaDataByTypeFiltered[tsbmeta.MetaData](meta, tsbmeta.AdMetadataType, func(md tsbmeta.MetaData) bool {
		return md.Position() > referencePosition
	})
	if len(affected) == 0 {
		return true
	}
	return meta.ChangeMetaDataPosition(affected, newPosition)
}

// GetTotalStoreDuration returns the sum of retained fragment durations for
// track, in seconds.
func (sm *SessionManager) GetTotalStoreDuration(track Track) (float64, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	dm, ok := sm.data[track]
	if !ok {
		return 0, tsbtypes.ErrNoSuchTrack
	}
	return dm.TotalDuration(), nil
}

// GetFirstAvailablePosition returns the oldest retained position for track,
// the lower bound a reader can be anchored at.
func (sm *SessionManager) GetFirstAvailablePosition(track Track) (float64, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	dm, ok := sm.data[track]
	if !ok {
		return 0, tsbtypes.ErrNoSuchTrack
	}
	pos, ok := dm.FirstPosition()
	if !ok {
		return 0, tsbtypes.ErrOutOfRange
	}
	return pos, nil
}

// GetLiveEdgePosition returns the newest retained position for track, the
// point at which forward playback runs out of buffer and the session hands
// the pipeline back to the live downloader.
func (sm *SessionManager) GetLiveEdgePosition(track Track) (float64, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	dm, ok := sm.data[track]
	if !ok {
		return 0, tsbtypes.ErrNoSuchTrack
	}
	pos, ok := dm.LastPosition()
	if !ok {
		return 0, tsbtypes.ErrOutOfRange
	}
	return pos, nil
}

// DumpMetaData writes each retained ad-metadata record's Dump line through
// the session logger, prefixed with prefix.
func (sm *SessionManager) DumpMetaData(prefix string) {
	sm.mu.RLock()
	meta := sm.meta
	logger := sm.logger
	sm.mu.RUnlock()
	if meta == nil {
		return
	}
	for _, md := range tsbmeta.GetMetaDataByTypeFiltered[tsbmeta.MetaData](meta, tsbmeta.AdMetadataType, nil) {
		level.Info(logger).Log("msg", md.Dump(prefix))
	}
}

// Stats reports a brimtext-aligned snapshot of every track's index, the
// metadata manager, and the store.
func (sm *SessionManager) Stats() fmt.Stringer {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	rows := [][]string{{"active", fmt.Sprintf("%v", sm.active)}}
	for _, t := range allTracks {
		if dm, ok := sm.data[t]; ok {
			rows = append(rows, []string{t.String(), dm.Stats().String()})
		}
	}
	if sm.meta != nil {
		rows = append(rows, []string{"metadata", sm.meta.Stats().String()})
	}
	if sm.store != nil {
		rows = append(rows, []string{"store", sm.store.Stats().String()})
	}
	return sessionStats{rows: rows}
}

type sessionStats struct {
	rows [][]string
}

func (s sessionStats) String() string {
	return brimtext.Align(s.rows, nil)
}
