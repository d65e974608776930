package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/beewatch/internal/clock"
	"github.com/trymwestin/beewatch/internal/core/state"
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

type fakeAPI struct {
	mu        sync.Mutex
	list      []state.Notification
	err       error
	syncCalls int
	marks     int
	deletes   int
}

func (a *fakeAPI) Notifications(context.Context) ([]state.Notification, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.syncCalls++
	if a.err != nil {
		return nil, a.err
	}
	return append([]state.Notification(nil), a.list...), nil
}

func (a *fakeAPI) MarkAllRead(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.marks++
	return nil
}

func (a *fakeAPI) DeleteAll(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.deletes++
	return nil
}

func (a *fakeAPI) fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *fakeAPI) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncCalls
}

type fakeController struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeController) ActivateExternal(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, ActionActivate)
	return nil
}

func (f *fakeController) DeactivateExternal(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, ActionDeactivate)
	return nil
}

func (f *fakeController) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

type fixture struct {
	c      *Client
	api    *fakeAPI
	ctrl   *fakeController
	dialer *transporttest.Dialer
	clk    *clock.FakeClock
	store  *state.Store
}

func newFixture(t *testing.T, maxRetained int) *fixture {
	t.Helper()
	f := &fixture{
		api: &fakeAPI{list: []state.Notification{
			{ID: "2", Message: "Bee left", Read: false},
			{ID: "1", Message: "Bee entered", Read: true},
		}},
		ctrl:   &fakeController{},
		dialer: transporttest.NewDialer(),
		clk:    clock.Fake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
		store:  state.NewStore(state.NewEventBus(testLogger()), maxRetained, testLogger()),
	}
	f.c = New(Options{URL: "ws://backend" + EventsPath}, f.dialer, f.api, f.ctrl, f.store, f.clk, testLogger())
	t.Cleanup(f.c.Stop)
	return f
}

func TestSyncOnFirstConnectOnly(t *testing.T) {
	f := newFixture(t, 0)
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sync", f.c.Synced)
	if got := f.store.Notifications(); len(got) != 2 || got[0].ID != "2" {
		t.Fatalf("notifications = %+v", got)
	}

	f.dialer.Last().Drop()
	waitFor(t, "closed", func() bool { return f.c.Channel().State == state.ConnClosed })
	f.clk.Advance(5 * time.Second)
	waitFor(t, "reconnect", func() bool { return f.c.Channel().State == state.ConnOpen })

	time.Sleep(20 * time.Millisecond)
	if f.api.calls() != 1 {
		t.Fatalf("sync calls = %d, want 1", f.api.calls())
	}
}

func TestReconnectUsesEventBusDelay(t *testing.T) {
	f := newFixture(t, 0)
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.dialer.Last().Drop()
	waitFor(t, "closed", func() bool { return f.c.Channel().State == state.ConnClosed })

	f.clk.Advance(4999 * time.Millisecond)
	if f.dialer.Dials() != 1 {
		t.Fatal("reconnected before 5s")
	}
	f.clk.Advance(time.Millisecond)
	if f.dialer.Dials() != 2 {
		t.Fatalf("dials = %d", f.dialer.Dials())
	}
}

func TestControlMessagesRouteToController(t *testing.T) {
	f := newFixture(t, 0)
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := f.dialer.Last()
	conn.PushText(`{"type":"external_camera_control","action":"activate","timestamp":"t1"}`)
	conn.PushText(`{"type":"external_camera_control","action":"explode"}`)
	conn.PushText(`{"type":"external_camera_control","action":"deactivate"}`)

	waitFor(t, "actions", func() bool { return len(f.ctrl.got()) == 2 })
	got := f.ctrl.got()
	if got[0] != ActionActivate || got[1] != ActionDeactivate {
		t.Fatalf("actions = %v", got)
	}
}

func TestBeeNotificationsAreCappedNewestFirst(t *testing.T) {
	f := newFixture(t, 3)
	f.api.fail(errors.New("offline"))
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := f.dialer.Last()
	conn.PushText(`{"type":"bee_notification","id":1,"event_type":"bee_entered","message":"m1"}`)
	conn.PushText(`{"type":"bee_notification","id":"2","message":"m2"}`)
	conn.PushText(`{"type":"bee_notification","message":"m3"}`)
	conn.PushText(`{"type":"bee_notification","id":4,"message":"m4","timestamp":"2026-05-01T11:00:00Z"}`)

	waitFor(t, "notifications", func() bool {
		n := f.store.Notifications()
		return len(n) == 3 && n[0].Message == "m4"
	})
	n := f.store.Notifications()
	if n[1].Message != "m3" || n[2].Message != "m2" {
		t.Fatalf("order = %+v", n)
	}
	if n[1].ID == "" || n[1].Timestamp != "2026-05-01T12:00:00Z" {
		t.Fatalf("generated fields = %+v", n[1])
	}
}

func TestUnknownJSONIsPassedThrough(t *testing.T) {
	f := newFixture(t, 0)
	events, unsub := f.store.Bus().Subscribe(64)
	defer unsub()
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.dialer.Last().PushText(`not json`)
	f.dialer.Last().PushText(`{"type":"hive_temperature","value":34.5}`)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != state.EventPassthrough {
				continue
			}
			p := e.Data.(state.Passthrough)
			if p.Kind != "hive_temperature" {
				t.Fatalf("passthrough = %+v", p)
			}
			return
		case <-timeout:
			t.Fatal("no passthrough event")
		}
	}
}

func TestMutationsMirrorOnlyAfterServerConfirms(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	if err := f.c.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	f.api.fail(errors.New("boom"))
	if err := f.c.MarkAllRead(ctx); err == nil {
		t.Fatal("expected error")
	}
	if f.store.Snapshot().Unread != 1 {
		t.Fatal("local log changed despite server failure")
	}
	if err := f.c.DeleteAll(ctx); err == nil {
		t.Fatal("expected error")
	}
	if len(f.c.Notifications()) != 2 {
		t.Fatal("local log cleared despite server failure")
	}
	if err := f.c.Sync(ctx); err == nil {
		t.Fatal("expected sync error")
	}
	if len(f.c.Notifications()) != 2 {
		t.Fatal("failed sync touched local log")
	}

	f.api.fail(nil)
	if err := f.c.MarkAllRead(ctx); err != nil {
		t.Fatal(err)
	}
	if f.store.Snapshot().Unread != 0 {
		t.Fatal("mark all read not mirrored")
	}
	if err := f.c.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.c.Notifications()) != 0 {
		t.Fatal("delete not mirrored")
	}
}
