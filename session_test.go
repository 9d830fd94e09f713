package tsb

import (
	"context"
	"testing"
	"time"

	"github.com/rdkcentral/aamp-tsb/tsbtest"
)

func newTestSession(t *testing.T, opts ...Option) (*SessionManager, *tsbtest.EventSink) {
	t.Helper()
	sink := &tsbtest.EventSink{}
	sm := NewSessionManager(sink)
	allOpts := append([]Option{OptLocation(t.TempDir())}, opts...)
	if err := sm.Init(allOpts...); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sm.Flush() })
	return sm, sink
}

func waitForWrites(t *testing.T, sm *SessionManager, track Track, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := sm.GetTotalStoreDuration(track); got == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	got, _ := sm.GetTotalStoreDuration(track)
	t.Fatalf("total duration = %v, want %v", got, want)
}

func TestWriteIndexRead(t *testing.T) {
	sm, _ := newTestSession(t, OptTSBLength(900))

	sm.EnqueueWrite(TrackVideo, "http://s/init.mp4", FragmentWrite{
		Payload: []byte("I"), IsInit: true, AbsPosition: 0, InitIdentity: "init-1",
	})
	waitInit := func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if _, ok := sm.data[TrackVideo].GetInit("init-1"); ok {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatal("init was never indexed")
	}
	waitInit()

	sm.EnqueueWrite(TrackVideo, "http://s/v.mp4", FragmentWrite{
		Payload: []byte("A"), AbsPosition: 0, Duration: 2, InitIdentity: "init-1",
	})
	sm.EnqueueWrite(TrackVideo, "http://s/v.mp4", FragmentWrite{
		Payload: []byte("B"), AbsPosition: 2, Duration: 2, InitIdentity: "init-1",
	})
	waitForWrites(t, sm, TrackVideo, 4)

	if err := sm.InvokeTsbReaders(0.0, 1.0, TuneNormal); err != nil {
		t.Fatal(err)
	}

	mediaCtx := &tsbtest.MediaContext{}
	more, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, mediaCtx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if more {
		t.Fatal("expected eos after the second fragment")
	}
	if mediaCtx.Len() != 2 {
		t.Fatalf("cached %d fragments, want 2", mediaCtx.Len())
	}
	if string(mediaCtx.Calls[0].Payload) != "A" || string(mediaCtx.Calls[1].Payload) != "B" {
		t.Fatalf("unexpected payloads: %+v", mediaCtx.Calls)
	}
	if !mediaCtx.Calls[0].WantInit || string(mediaCtx.Calls[0].InitPayload) != "I" {
		t.Fatal("first fragment should carry the init payload")
	}
}

func TestRetentionOnNoSpace(t *testing.T) {
	// Each blob is a single byte; a 3-byte quota holds the init plus two
	// fragments. Writing a third fragment forces exactly one
	// oldest-fragment eviction before the retry succeeds.
	sm, _ := newTestSession(t, OptTSBLength(900), OptMaxDiskStorage(3))

	sm.EnqueueWrite(TrackVideo, "http://s/init.mp4", FragmentWrite{
		Payload: []byte("I"), IsInit: true, AbsPosition: 0, InitIdentity: "init-1",
	})
	time.Sleep(20 * time.Millisecond)

	sm.EnqueueWrite(TrackVideo, "http://s/v.mp4", FragmentWrite{
		Payload: []byte("A"), AbsPosition: 0, Duration: 3, InitIdentity: "init-1",
	})
	waitForWrites(t, sm, TrackVideo, 3)

	sm.EnqueueWrite(TrackVideo, "http://s/v.mp4", FragmentWrite{
		Payload: []byte("B"), AbsPosition: 3, Duration: 3, InitIdentity: "init-1",
	})
	waitForWrites(t, sm, TrackVideo, 6)

	sm.EnqueueWrite(TrackVideo, "http://s/v.mp4", FragmentWrite{
		Payload: []byte("C"), AbsPosition: 6, Duration: 3, InitIdentity: "init-1",
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sm.data[TrackVideo].Len() != 2 {
		time.Sleep(time.Millisecond)
	}

	if got := sm.data[TrackVideo].Len(); got != 2 {
		t.Fatalf("index has %d fragments after retention, want 2 (B, C)", got)
	}
	if first, _ := sm.data[TrackVideo].FirstPosition(); first != 3 {
		t.Fatalf("oldest retained fragment at %v, want 3 (A evicted)", first)
	}
}

func TestAdEventDispatchAtInjection(t *testing.T) {
	sm, sink := newTestSession(t, OptTSBLength(900))

	sm.EnqueueWrite(TrackVideo, "http://s/init.mp4", FragmentWrite{
		Payload: []byte("I"), IsInit: true, AbsPosition: 0, InitIdentity: "init-1",
	})
	time.Sleep(20 * time.Millisecond)
	for _, pos := range []float64{0, 2, 4} {
		sm.EnqueueWrite(TrackVideo, "http://s/v.mp4", FragmentWrite{
			Payload: []byte("x"), AbsPosition: pos, Duration: 2, InitIdentity: "init-1",
		})
	}
	waitForWrites(t, sm, TrackVideo, 6)

	if err := sm.StartAdPlacement(5, 5, "ad-1", 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := sm.InvokeTsbReaders(0.0, 1.0, TuneNormal); err != nil {
		t.Fatal(err)
	}

	mediaCtx := &tsbtest.MediaContext{}
	if _, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, mediaCtx, 1); err != nil {
		t.Fatal(err)
	}
	if len(sink.Placements) != 0 {
		t.Fatalf("no ad event expected yet, got %+v", sink.Placements)
	}
	if _, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, mediaCtx, 1); err != nil {
		t.Fatal(err)
	}
	if len(sink.Placements) != 0 {
		t.Fatalf("no ad event expected yet, got %+v", sink.Placements)
	}
	if _, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, mediaCtx, 1); err != nil {
		t.Fatal(err)
	}
	if len(sink.Placements) != 1 {
		t.Fatalf("expected exactly one placement event, got %+v", sink.Placements)
	}
	if sink.Placements[0].AdID != "ad-1" {
		t.Fatalf("unexpected ad id: %+v", sink.Placements[0])
	}
}

func TestEnqueueWriteAfterFlushIsANoop(t *testing.T) {
	sm, _ := newTestSession(t)
	if sm.IsActive() != true {
		t.Fatal("session should be active after Init")
	}
	if err := sm.Flush(); err != nil {
		t.Fatal(err)
	}
	if sm.IsActive() {
		t.Fatal("session should be inactive after Flush")
	}
	sm.EnqueueWrite(TrackVideo, "http://s/v.mp4", FragmentWrite{Payload: []byte("x")})
}
