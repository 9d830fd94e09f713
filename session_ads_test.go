package tsb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rdkcentral/aamp-tsb/tsbmeta"
	"github.com/rdkcentral/aamp-tsb/tsbtest"
)

func writeLinearTrack(t *testing.T, sm *SessionManager, track Track, initID string, positions []float64, duration float64) {
	t.Helper()
	sm.EnqueueWrite(track, fmt.Sprintf("http://s/%s/init.mp4", track), FragmentWrite{
		Payload: []byte("I"), IsInit: true, AbsPosition: 0, InitIdentity: initID,
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sm.data[track].GetInit(initID); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	var total float64
	for _, pos := range positions {
		sm.EnqueueWrite(track, fmt.Sprintf("http://s/%s/media.mp4", track), FragmentWrite{
			Payload: []byte("x"), AbsPosition: pos, Duration: duration, InitIdentity: initID,
		})
		total += duration
	}
	waitForWrites(t, sm, track, total)
}

func TestReservationAndPlacementAtSamePositionDispatchInInsertionOrder(t *testing.T) {
	sm, sink := newTestSession(t)
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{0, 2, 4}, 2)

	if err := sm.StartAdReservation(5, "break-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := sm.StartAdPlacement(5, 10, "ad-1", 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := sm.InvokeTsbReaders(0.0, 1.0, TuneNormal); err != nil {
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
	if len(sink.Reservations) != 1 || len(sink.Placements) != 1 {
		t.Fatalf("reservations=%d placements=%d, want 1 and 1", len(sink.Reservations), len(sink.Placements))
	}
	if sink.Reservations[0].BreakID != "break-1" || sink.Placements[0].AdID != "ad-1" {
		t.Fatalf("unexpected event payloads: %+v %+v", sink.Reservations, sink.Placements)
	}
}

func TestEndAdPlacementWithErrorCarriesCode(t *testing.T) {
	sm, sink := newTestSession(t)
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{0, 2}, 2)

	if err := sm.EndAdPlacementWithError(1, 30, "ad-err", 0, 0, 7); err != nil {
		t.Fatal(err)
	}
	if err := sm.InvokeTsbReaders(0.0, 1.0, TuneNormal); err != nil {
		t.Fatal(err)
	}
	mediaCtx := &tsbtest.MediaContext{}
	if _, err := sm.PushNextTsbFragment(context.Background(), TrackVideo, mediaCtx, 2); err != nil {
		t.Fatal(err)
	}
	if len(sink.Placements) != 1 {
		t.Fatalf("placements=%d, want 1", len(sink.Placements))
	}
	got := sink.Placements[0]
	if got.Kind != AdEventError || got.ErrorCode != 7 || got.AdID != "ad-err" {
		t.Fatalf("unexpected error event: %+v", got)
	}
}

func TestShiftFutureAdEventsRepositionsOnlyLaterRecords(t *testing.T) {
	sm, _ := newTestSession(t)

	if err := sm.StartAdPlacement(10, 30, "ad-early", 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := sm.StartAdPlacement(50, 30, "ad-late-1", 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := sm.EndAdPlacement(60, 30, "ad-late-2", 0, 0); err != nil {
		t.Fatal(err)
	}

	if !sm.ShiftFutureAdEvents(40, 45) {
		t.Fatal("shift reported failure")
	}

	records := tsbmeta.GetMetaDataByTypeFiltered[*tsbmeta.AdPlacementMetaData](sm.meta, tsbmeta.AdMetadataType, nil)
	if len(records) != 3 {
		t.Fatalf("record count = %d", len(records))
	}
	byID := map[string]float64{}
	for _, rec := range records {
		byID[rec.AdID()] = rec.Position()
	}
	if byID["ad-early"] != 10 {
		t.Fatalf("ad-early moved to %v", byID["ad-early"])
	}
	if byID["ad-late-1"] != 45 || byID["ad-late-2"] != 45 {
		t.Fatalf("late records not snapped to the new position: %+v", byID)
	}
}

func TestShiftFutureAdEventsWithNothingAfterReferenceSucceeds(t *testing.T) {
	sm, _ := newTestSession(t)
	if err := sm.StartAdPlacement(10, 30, "ad-1", 0, 0); err != nil {
		t.Fatal(err)
	}
	if !sm.ShiftFutureAdEvents(100, 200) {
		t.Fatal("an empty affected set is success")
	}
}

func TestAdMetadataCulledBeforeInjectionEmitsNothing(t *testing.T) {
	sm, sink := newTestSession(t, OptTSBLength(4))
	writeLinearTrack(t, sm, TrackVideo, "init-1", []float64{0, 2, 4, 6}, 2)

	if err := sm.StartAdPlacement(1, 30, "ad-gone", 0, 0); err != nil {
		t.Fatal(err)
	}
	// Retention advances past the ad's position while the reader is parked.
	if err := sm.UpdateProgress(8, 8); err != nil {
		t.Fatal(err)
	}

	if err := sm.InvokeTsbReaders(4, 1.0, TuneNormal); err != nil {
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
	if len(sink.Placements) != 0 {
		t.Fatalf("culled metadata must not be dispatched, got %+v", sink.Placements)
	}
}

func TestDumpMetaDataIsSafeOnActiveAndFlushedSessions(t *testing.T) {
	sm, _ := newTestSession(t)
	if err := sm.StartAdReservation(1, "break-1", 0); err != nil {
		t.Fatal(err)
	}
	sm.DumpMetaData("dump ")
	if err := sm.Flush(); err != nil {
		t.Fatal(err)
	}
	sm.DumpMetaData("dump ")
}
