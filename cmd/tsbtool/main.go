// Command tsbtool drives a SessionManager through the core time-shift
// buffer flows end to end: a small flags-parsed harness with one function
// per named scenario, run in the order requested on the command line and
// reporting a stats table at exit.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/jessevdk/go-flags"

	"github.com/rdkcentral/aamp-tsb"
	"github.com/rdkcentral/aamp-tsb/tsbtest"
)

type optsStruct struct {
	Location       string  `long:"location" description:"Backing storage directory. Default: a temp dir"`
	TSBLength      float64 `long:"tsb-length" description:"Retention window in seconds" default:"900"`
	MaxDiskStorage int64   `long:"max-disk-storage" description:"Store byte quota" default:"1073741824"`
	Verbose        bool    `short:"v" long:"verbose" description:"Log at TRACE level instead of INFO"`
	Positional     struct {
		Scenarios []string `name:"scenarios" description:"write-index-read retention ad-events range-query trickplay"`
	} `positional-args:"yes"`

	sm   *tsb.SessionManager
	sink *tsbtest.EventSink
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	for _, arg := range opts.Positional.Scenarios {
		switch arg {
		case "write-index-read", "retention", "ad-events", "range-query", "trickplay":
		default:
			fmt.Fprintf(os.Stderr, "Unknown scenario named %#v.\n", arg)
			os.Exit(1)
		}
	}
	if opts.Location == "" {
		dir, err := os.MkdirTemp("", "tsbtool-")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		opts.Location = dir
	}

	logLevel := tsb.LogLevelInfo
	if opts.Verbose {
		logLevel = tsb.LogLevelTrace
	}
	opts.sink = &tsbtest.EventSink{}
	opts.sm = tsb.NewSessionManager(opts.sink)
	begin := time.Now()
	err := opts.sm.Init(
		tsb.OptLocation(opts.Location),
		tsb.OptTSBLength(opts.TSBLength),
		tsb.OptMaxDiskStorage(opts.MaxDiskStorage),
		tsb.OptLogLevel(logLevel),
		tsb.OptLogger(log.NewLogfmtLogger(os.Stderr)),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(time.Since(begin), "to start the session")
	fmt.Println(opts.Location, "location")

	ctx := context.Background()
	for _, arg := range opts.Positional.Scenarios {
		begin = time.Now()
		switch arg {
		case "write-index-read":
			writeIndexRead(ctx)
		case "retention":
			retention(ctx)
		case "ad-events":
			adEvents(ctx)
		case "range-query":
			rangeQuery(ctx)
		case "trickplay":
			trickplay(ctx)
		}
		fmt.Println(time.Since(begin), "to run", arg)
	}
	fmt.Println(opts.sm.Stats())

	begin = time.Now()
	err = opts.sm.Flush()
	fmt.Println(time.Since(begin), "to flush the session")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// writeReady polls until the video track's indexed total duration reaches
// want or a deadline elapses, since writes are drained asynchronously by the
// session's writer goroutine.
func writeReady(want float64) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := opts.sm.GetTotalStoreDuration(tsb.TrackVideo); got >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func writeIndexRead(ctx context.Context) {
	opts.sm.EnqueueWrite(tsb.TrackVideo, "http://tsbtool/init.mp4", tsb.FragmentWrite{
		Payload: []byte("init"), IsInit: true, AbsPosition: 0, InitIdentity: "init-1",
	})
	for i, pos := range []float64{0, 2, 4, 6} {
		opts.sm.EnqueueWrite(tsb.TrackVideo, "http://tsbtool/frag.mp4", tsb.FragmentWrite{
			Payload: []byte(fmt.Sprintf("fragment-%d", i)), AbsPosition: pos, Duration: 2, InitIdentity: "init-1",
		})
	}
	writeReady(8)

	if err := opts.sm.InvokeTsbReaders(0, 1.0, tsb.TuneNormal); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	mediaCtx := &tsbtest.MediaContext{}
	for {
		more, err := opts.sm.PushNextTsbFragment(ctx, tsb.TrackVideo, mediaCtx, 1)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		if !more {
			break
		}
	}
	fmt.Println(mediaCtx.Len(), "fragments replayed")
}

func retention(ctx context.Context) {
	opts.sm.EnqueueWrite(tsb.TrackVideo, "http://tsbtool/init.mp4", tsb.FragmentWrite{
		Payload: []byte("init"), IsInit: true, AbsPosition: 0, InitIdentity: "init-2",
	})
	time.Sleep(20 * time.Millisecond)
	for i, pos := range []float64{0, 30, 60} {
		opts.sm.EnqueueWrite(tsb.TrackVideo, "http://tsbtool/frag.mp4", tsb.FragmentWrite{
			Payload: []byte(fmt.Sprintf("fragment-%d", i)), AbsPosition: pos, Duration: 30, InitIdentity: "init-2",
		})
		writeReady(pos + 30)
	}

	if err := opts.sm.UpdateProgress(90, 90); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(opts.sm.Stats())
}

func adEvents(ctx context.Context) {
	opts.sm.EnqueueWrite(tsb.TrackVideo, "http://tsbtool/init.mp4", tsb.FragmentWrite{
		Payload: []byte("init"), IsInit: true, AbsPosition: 0, InitIdentity: "init-3",
	})
	time.Sleep(20 * time.Millisecond)
	for i, pos := range []float64{0, 2, 4} {
		opts.sm.EnqueueWrite(tsb.TrackVideo, "http://tsbtool/frag.mp4", tsb.FragmentWrite{
			Payload: []byte(fmt.Sprintf("fragment-%d", i)), AbsPosition: pos, Duration: 2, InitIdentity: "init-3",
		})
	}
	writeReady(6)

	if err := opts.sm.StartAdReservation(1, "break-1", 0); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if err := opts.sm.StartAdPlacement(5, 2, "ad-1", 0, 0); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if err := opts.sm.InvokeTsbReaders(0, 1.0, tsb.TuneNormal); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	mediaCtx := &tsbtest.MediaContext{}
	for {
		more, err := opts.sm.PushNextTsbFragment(ctx, tsb.TrackVideo, mediaCtx, 1)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		if !more {
			break
		}
	}
	fmt.Println(len(opts.sink.Reservations), "reservation events")
	fmt.Println(len(opts.sink.Placements), "placement events")
}

func rangeQuery(ctx context.Context) {
	opts.sm.EnqueueWrite(tsb.TrackAudio, "http://tsbtool/init.mp4", tsb.FragmentWrite{
		Payload: []byte("init"), IsInit: true, AbsPosition: 0, InitIdentity: "init-4",
	})
	time.Sleep(20 * time.Millisecond)
	for i, pos := range []float64{0, 5, 10} {
		opts.sm.EnqueueWrite(tsb.TrackAudio, "http://tsbtool/frag.mp4", tsb.FragmentWrite{
			Payload: []byte(fmt.Sprintf("fragment-%d", i)), AbsPosition: pos, Duration: 5, InitIdentity: "init-4",
		})
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := opts.sm.GetTotalStoreDuration(tsb.TrackAudio); got >= 15 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := opts.sm.InvokeTsbReaders(7, 1.0, tsb.TuneSeek); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	mediaCtx := &tsbtest.MediaContext{}
	more, err := opts.sm.PushNextTsbFragment(ctx, tsb.TrackAudio, mediaCtx, 10)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(mediaCtx.Len(), "fragments replayed from the seek position, more =", more)
}

func trickplay(ctx context.Context) {
	opts.sm.EnqueueWrite(tsb.TrackVideo, "http://tsbtool/init.mp4", tsb.FragmentWrite{
		Payload: []byte("init"), IsInit: true, AbsPosition: 0, InitIdentity: "init-5",
	})
	time.Sleep(20 * time.Millisecond)
	for i, pos := range []float64{0, 2, 4, 6, 8} {
		opts.sm.EnqueueWrite(tsb.TrackVideo, "http://tsbtool/frag.mp4", tsb.FragmentWrite{
			Payload: []byte(fmt.Sprintf("fragment-%d", i)), AbsPosition: pos, Duration: 2, InitIdentity: "init-5",
		})
	}
	writeReady(10)

	// Rewind from the newest fragment back to the beginning of the buffer.
	if err := opts.sm.InvokeTsbReaders(8, -4.0, tsb.TuneSeek); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	mediaCtx := &tsbtest.MediaContext{}
	for {
		more, err := opts.sm.PushNextTsbFragment(ctx, tsb.TrackVideo, mediaCtx, 1)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		if !more {
			break
		}
	}
	fmt.Println(mediaCtx.Len(), "fragments replayed in reverse")
}
