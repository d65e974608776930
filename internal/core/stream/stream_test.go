package stream

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/trymwestin/beewatch/internal/clock"
	"github.com/trymwestin/beewatch/internal/core/media/mediatest"
	"github.com/trymwestin/beewatch/internal/core/state"
	"github.com/trymwestin/beewatch/internal/core/transport"
	"github.com/trymwestin/beewatch/internal/core/transport/transporttest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	s      *Streamer
	dialer *transporttest.Dialer
	clk    *clock.FakeClock
	store  *state.Store
}

func newFixture(t *testing.T, applyState bool) *fixture {
	t.Helper()
	f := &fixture{
		dialer: transporttest.NewDialer(),
		clk:    clock.Fake(time.Unix(1700000000, 0)),
		store:  state.NewStore(state.NewEventBus(testLogger()), 0, testLogger()),
	}
	f.s = New(Options{
		Name:       state.ChannelTransport,
		URL:        "ws://backend" + LiveStreamPath,
		ApplyState: applyState,
	}, f.dialer, f.clk, f.store, testLogger())
	t.Cleanup(f.s.Stop)
	return f
}

func TestFramePumpSendsOnlyWhenOpenAndPlaying(t *testing.T) {
	f := newFixture(t, true)
	src := mediatest.NewSource()
	if err := f.s.Start(context.Background(), src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.dialer.Last()

	f.clk.Advance(100 * time.Millisecond)
	frames := conn.WrittenKind(transport.BinaryMessage)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if !strings.HasPrefix(string(frames[0].Data), "\xff\xd8") {
		t.Fatal("frame is not a JPEG")
	}

	src.SetPlaying(false)
	f.clk.Advance(300 * time.Millisecond)
	if got := len(conn.WrittenKind(transport.BinaryMessage)); got != 1 {
		t.Fatalf("frames while paused = %d, want 1", got)
	}

	src.SetPlaying(true)
	conn.Drop()
	waitFor(t, "disconnect", func() bool { return f.s.Channel().State == state.ConnClosed })
	f.clk.Advance(200 * time.Millisecond)

	st := f.s.Stats()
	if st.FramesSent != 1 || st.FramesDropped != 2 {
		t.Fatalf("stats = %+v, want 1 sent 2 dropped", st)
	}
}

func TestAttachSwapsSink(t *testing.T) {
	f := newFixture(t, true)
	if err := f.s.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)
	if got := len(f.dialer.Last().WrittenKind(transport.BinaryMessage)); got != 0 {
		t.Fatalf("frames without sink = %d", got)
	}

	src := mediatest.NewSource()
	f.s.Attach(src)
	f.clk.Advance(500 * time.Millisecond)
	if src.Reads() != 5 {
		t.Fatalf("reads = %d, want 5", src.Reads())
	}

	f.s.Attach(nil)
	f.clk.Advance(500 * time.Millisecond)
	if src.Reads() != 5 {
		t.Fatal("detached sink still read")
	}
}

func TestHeartbeatAndQuality(t *testing.T) {
	f := newFixture(t, true)
	if err := f.s.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	conn := f.dialer.Last()

	f.clk.Advance(10 * time.Second)
	pings := conn.WrittenKind(transport.TextMessage)
	if len(pings) != 1 || !strings.Contains(string(pings[0].Data), `"type":"ping"`) {
		t.Fatalf("pings = %+v", pings)
	}
	if f.s.Quality() == state.QualityPoor {
		t.Fatal("quality poor before pong timeout")
	}

	f.clk.Advance(10 * time.Second)
	if f.s.Quality() != state.QualityPoor {
		t.Fatalf("quality = %s, want poor", f.s.Quality())
	}
	if q := f.store.Channel(state.ChannelTransport).Quality; q != state.QualityPoor {
		t.Fatalf("store quality = %s", q)
	}
	if !f.s.ch.Open() {
		t.Fatal("poor quality must not close the channel")
	}

	conn.PushText(`{"type":"pong"}`)
	waitFor(t, "good quality", func() bool { return f.s.Quality() == state.QualityGood })
}

func TestEventActionClearsAfterWindow(t *testing.T) {
	f := newFixture(t, true)
	if err := f.s.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	base := f.clk.Pending()

	f.dialer.Last().PushText(`{"event_action":"start_event","transition_detected":true}`)
	waitFor(t, "clear timer", func() bool { return f.clk.Pending() == base+1 })

	st := f.store.Streaming()
	if st.EventAction == nil || *st.EventAction != "start_event" || !st.TransitionDetected {
		t.Fatalf("streaming = %+v", st)
	}

	f.clk.Advance(2999 * time.Millisecond)
	if f.store.Streaming().EventAction == nil {
		t.Fatal("event action cleared early")
	}
	f.clk.Advance(time.Millisecond)
	st = f.store.Streaming()
	if st.EventAction != nil || st.TransitionDetected {
		t.Fatalf("streaming after window = %+v", st)
	}
}

func TestInboundIgnoresNonJSON(t *testing.T) {
	f := newFixture(t, true)
	events, unsub := f.store.Bus().Subscribe(64)
	defer unsub()
	if err := f.s.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	conn := f.dialer.Last()

	conn.PushText("hello bees")
	conn.Push(transport.BinaryMessage, []byte{0x01, 0x02})
	conn.PushText(`{"bee_status":"inside","consecutive_detections":{"inside":3,"outside":0}}`)
	waitFor(t, "bee status", func() bool { return f.store.Streaming().LastBeeStatus == "inside" })

	if got := f.store.Streaming().ConsecutiveDetections.Inside; got != 3 {
		t.Fatalf("inside = %d", got)
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != state.EventBeeStatusChanged {
				continue
			}
			if c := e.Data.(state.BeeStatusChange); c.Current != "inside" {
				t.Fatalf("change = %+v", c)
			}
			return
		case <-timeout:
			t.Fatal("no bee_status_changed event")
		}
	}
}

func TestRelayDoesNotApplyState(t *testing.T) {
	f := newFixture(t, false)
	if err := f.s.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	f.dialer.Last().PushText(`{"bee_status":"outside"}`)
	f.dialer.Last().PushText(`{"type":"pong"}`)
	waitFor(t, "pong", func() bool { return f.s.Quality() == state.QualityGood })

	if f.store.Streaming().LastBeeStatus != "" {
		t.Fatal("relay stream mutated streaming state")
	}
}

func TestGiveUpPublishesStreamingError(t *testing.T) {
	f := newFixture(t, true)
	events, unsub := f.store.Bus().Subscribe(512)
	defer unsub()

	boom := errors.New("refused")
	f.dialer.FailNext(boom, boom, boom, boom, boom, boom)
	if err := f.s.Start(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("Start err = %v", err)
	}
	f.clk.Advance(time.Minute)

	var got *state.StreamingError
	for len(events) > 0 {
		e := <-events
		if e.Type == state.EventStreamingError {
			se := e.Data.(state.StreamingError)
			got = &se
		}
	}
	if got == nil {
		t.Fatal("no streaming_error event")
	}
	if got.Attempts != 5 || got.Kind != "connection_lost" {
		t.Fatalf("streaming error = %+v", got)
	}
}

func TestStopIsFinalAndIdempotent(t *testing.T) {
	f := newFixture(t, true)
	if err := f.s.Start(context.Background(), mediatest.NewSource()); err != nil {
		t.Fatal(err)
	}
	conn := f.dialer.Last()

	f.s.Stop()
	f.s.Stop()

	if conn.ClosedWith() != transport.CloseNormal {
		t.Fatalf("closed with %d", conn.ClosedWith())
	}
	if f.clk.Pending() != 0 {
		t.Fatalf("pending timers = %d", f.clk.Pending())
	}
	f.clk.Advance(time.Minute)
	if f.dialer.Dials() != 1 || f.s.Running() {
		t.Fatal("stream resumed after Stop")
	}
}

// restartingSource restarts its streamer from inside the first frame read,
// the way a session restart lands in the middle of a pump tick.
type restartingSource struct {
	*mediatest.Source
	s         *Streamer
	restarted bool
}

func (r *restartingSource) Frame() (image.Image, error) {
	if !r.restarted {
		r.restarted = true
		r.s.Stop()
		_ = r.s.Start(context.Background(), r)
	}
	return r.Source.Frame()
}

func TestRestartDuringTickKeepsSinglePump(t *testing.T) {
	f := newFixture(t, true)
	src := &restartingSource{Source: mediatest.NewSource(), s: f.s}
	if err := f.s.Start(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	f.clk.Advance(100 * time.Millisecond)
	if !src.restarted || src.Reads() != 1 {
		t.Fatalf("restarted = %v reads = %d", src.restarted, src.Reads())
	}

	f.clk.Advance(time.Second)
	if got := src.Reads() - 1; got != 10 {
		t.Fatalf("frames read in 1s after restart = %d, want 10", got)
	}

	f.s.Stop()
	if f.clk.Pending() != 0 {
		t.Fatalf("pending timers after Stop = %d", f.clk.Pending())
	}
}
