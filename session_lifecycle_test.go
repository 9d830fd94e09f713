package tsb

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/rdkcentral/aamp-tsb/tsbtest"
	"github.com/rdkcentral/aamp-tsb/tsbtypes"
)

func TestFlushThenInitRecreatesEmptyActiveSession(t *testing.T) {
	sink := &tsbtest.EventSink{}
	sm := NewSessionManager(sink)
	dir := t.TempDir()
	if err := sm.Init(OptLocation(dir)); err != nil {
		t.Fatal(err)
	}

	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{0, 2}, 2)
	if err := sm.Flush(); err != nil {
		t.Fatal(err)
	}
	if sm.IsActive() {
		t.Fatal("session should be inactive after Flush")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("flush should erase the store's contents, found %d entries", len(entries))
	}

	if err := sm.Init(OptLocation(dir)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sm.Flush() })
	if !sm.IsActive() {
		t.Fatal("session should be active again after re-Init")
	}
	if got, err := sm.GetTotalStoreDuration(TrackVideo); err != nil || got != 0 {
		t.Fatalf("re-created session should start empty: duration=%v err=%v", got, err)
	}
}

func TestInitFailureLeavesSessionInactive(t *testing.T) {
	// A regular file where the store directory should go makes store
	// creation fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sm := NewSessionManager(&tsbtest.EventSink{})
	if err := sm.Init(OptLocation(filepath.Join(blocker, "tsb"))); err == nil {
		t.Fatal("expected Init to fail")
	}
	if sm.IsActive() {
		t.Fatal("failed Init must leave the session inactive")
	}
}

func TestInactiveSessionReturnsTypedErrors(t *testing.T) {
	sm := NewSessionManager(&tsbtest.EventSink{})
	if err := sm.InvokeTsbReaders(0, 1, TuneNormal); !errors.Is(err, ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
	if _, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, &tsbtest.MediaContext{}, 1); !errors.Is(err, ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
	if err := sm.UpdateProgress(0, 0); !errors.Is(err, ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
	if err := sm.StartAdReservation(0, "b", 0); !errors.Is(err, ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
	if sm.ShiftFutureAdEvents(0, 1) {
		t.Fatal("shift on an inactive session must report failure")
	}
}

func TestInvokeTsbReadersOutOfRange(t *testing.T) {
	sm, _ := newTestSession(t)
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{10, 12}, 2)
	if err := sm.InvokeTsbReaders(0, 1.0, TuneNormal); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
}

func TestBufferBoundsAccessors(t *testing.T) {
	sm, _ := newTestSession(t)
	if _, err := sm.GetFirstAvailablePosition(TrackVideo); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("empty track should report out of range, got %v", err)
	}
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{4, 6, 8}, 2)

	first, err := sm.GetFirstAvailablePosition(TrackVideo)
	if err != nil || first != 4 {
		t.Fatalf("first = %v err = %v", first, err)
	}
	edge, err := sm.GetLiveEdgePosition(TrackVideo)
	if err != nil || edge != 8 {
		t.Fatalf("edge = %v err = %v", edge, err)
	}
}

func TestUpdateProgressCullsContentAndMetadata(t *testing.T) {
	sm, _ := newTestSession(t, OptTSBLength(4))
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{0, 2, 4, 6}, 2)

	if err := sm.StartAdPlacement(1, 30, "ad-old", 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := sm.StartAdPlacement(7, 30, "ad-new", 0, 0); err != nil {
		t.Fatal(err)
	}

	if err := sm.UpdateProgress(8, 8); err != nil {
		t.Fatal(err)
	}

	if got, _ := sm.GetTotalStoreDuration(TrackVideo); got != 4 {
		t.Fatalf("retained duration = %v, want 4", got)
	}
	if first, _ := sm.data[TrackVideo].FirstPosition(); first != 4 {
		t.Fatalf("oldest retained position = %v, want 4", first)
	}
	if sm.meta.GetSize() != 1 {
		t.Fatalf("metadata count = %d, want only the future record retained", sm.meta.GetSize())
	}
}

func TestReversePlaybackDeliversFragmentsBackToBOS(t *testing.T) {
	sm, _ := newTestSession(t)
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{0, 2, 4}, 2)

	if err := sm.InvokeTsbReaders(4, -1.0, TuneSeek); err != nil {
		t.Fatal(err)
	}
	mediaCtx := &tsbtest.MediaContext{}
	for {
		more, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, mediaCtx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !more {
			break
		}
	}
	if mediaCtx.Len() != 3 {
		t.Fatalf("cached %d fragments, want 3", mediaCtx.Len())
	}
	want := []float64{4, 2, 0}
	for i, call := range mediaCtx.Calls {
		if call.Position != want[i] {
			t.Fatalf("fragment %d at %v, want %v", i, call.Position, want[i])
		}
	}
}

func TestPayloadRoundTripIsBitIdentical(t *testing.T) {
	sm, _ := newTestSession(t)

	// Larger than one checksum interval so the framing spans several
	// checksum words.
	payload := make([]byte, 200000)
	for i := range payload {
		payload[i] = byte(i*31 + 7)
	}
	sm.EnqueueWrite(TrackVideo, "http://s/init.mp4", FragmentWrite{
		Payload: []byte("I"), IsInit: true, AbsPosition: 0, InitIdentity: "init-1",
	})
	sm.EnqueueWrite(TrackVideo, "http://s/big.mp4", FragmentWrite{
		Payload: payload, AbsPosition: 0, Duration: 2, InitIdentity: "init-1",
	})
	waitForWrites(t, sm, TrackVideo, 2)

	if err := sm.InvokeTsbReaders(0, 1.0, TuneNormal); err != nil {
		t.Fatal(err)
	}
	mediaCtx := &tsbtest.MediaContext{}
	if _, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, mediaCtx, 1); err != nil {
		t.Fatal(err)
	}
	if mediaCtx.Len() != 1 {
		t.Fatal(mediaCtx.Len())
	}
	if !bytes.Equal(mediaCtx.Calls[0].Payload, payload) {
		t.Fatal("read payload differs from written payload")
	}
}

func TestPushForUnknownTrackStateReportsNoSuchTrack(t *testing.T) {
	sm, _ := newTestSession(t)
	if _, err := sm.PushNextTsbFragment(context.Background(), Track(99), &tsbtest.MediaContext{}, 1); !errors.Is(err, tsbtypes.ErrNoSuchTrack) {
		t.Fatalf("err = %v, want ErrNoSuchTrack", err)
	}
}

func TestMultiTrackWritesLandInSeparateIndexes(t *testing.T) {
	sm, _ := newTestSession(t)
	writeLinearTrack(t, sm, TrackVideo, "init-v", []float64{0, 2}, 2)
	writeLinearTrack(t, sm, TrackAudio, "init-a", []float64{0, 2, 4}, 2)

	v, _ := sm.GetTotalStoreDuration(TrackVideo)
	a, _ := sm.GetTotalStoreDuration(TrackAudio)
	if v != 4 || a != 6 {
		t.Fatalf("video=%v audio=%v, want 4 and 6", v, a)
	}
}

func TestStatsRendersSessionSnapshot(t *testing.T) {
	sm, _ := newTestSession(t)
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{0}, 2)
	out := sm.Stats().String()
	if out == "" {
		t.Fatal("empty stats output")
	}
}

type failingMediaContext struct {
	err error
}

func (f *failingMediaContext) CacheTsbFragment(ctx context.Context, track tsbtypes.Track, fragment tsbtypes.CachedFragment) error {
	return f.err
}

func TestCacheFailurePropagates(t *testing.T) {
	sm, _ := newTestSession(t)
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{0, 2}, 2)
	if err := sm.InvokeTsbReaders(0, 1.0, TuneNormal); err != nil {
		t.Fatal(err)
	}
	sinkErr := errors.New("pipeline rejected the fragment")
	if _, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, &failingMediaContext{err: sinkErr}, 2); !errors.Is(err, sinkErr) {
		t.Fatalf("err = %v, want the pipeline's error", err)
	}
}

func TestCorruptBlobSurfacesAsReadError(t *testing.T) {
	sm, _ := newTestSession(t)
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{0}, 2)

	// Damage every stored blob on disk; the next injection must fail the
	// way a download failure would.
	location := sm.cfg.Location
	entries, err := os.ReadDir(location)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		path := filepath.Join(location, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		for i := range raw {
			raw[i] ^= 0xff
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := sm.InvokeTsbReaders(0, 1.0, TuneNormal); err != nil {
		t.Fatal(err)
	}
	if _, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, &tsbtest.MediaContext{}, 1); !errors.Is(err, ErrIOError) {
		t.Fatalf("err = %v, want ErrIOError", err)
	}
}
