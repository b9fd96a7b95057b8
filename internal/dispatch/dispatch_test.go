package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rallybot/internal/event"
	"rallybot/internal/schedule"
	"rallybot/internal/store"
	"rallybot/internal/transport/transporttest"
	"rallybot/pkg/logx"
)

func newFixture(t *testing.T) (*Dispatcher, *store.Store, *transporttest.Adapter) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ad := &transporttest.Adapter{}
	sched := schedule.New(func(int64) {}, logx.Nop())
	d := New(Config{RetryMax: 2, RetryBackoff: time.Millisecond}, st, ad, sched, logx.Nop())
	return d, st, ad
}

func seedEvent(t *testing.T, st *store.Store, mutate func(*event.Event)) *event.Event {
	t.Helper()
	e := event.New(-100, 0)
	if mutate != nil {
		mutate(e)
	}
	if _, err := st.CreateEvent(context.Background(), e); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return e
}

func TestFireResetsVotesAndPins(t *testing.T) {
	t.Parallel()
	d, st, ad := newFixture(t)
	ctx := context.Background()

	e := seedEvent(t, st, func(e *event.Event) {
		e.AddGoing(event.User{ID: 1, FullName: "Ann"})
		e.AddMaybe(event.User{ID: 2, FullName: "Bob"})
	})

	if err := d.Fire(ctx, e.ID); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	got, err := st.GetEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if g, m := got.Counts(); g != 0 || m != 0 {
		t.Fatalf("votes not reset: (%d,%d)", g, m)
	}
	if got.PinnedMessageID == 0 {
		t.Fatal("no pinned message id recorded")
	}

	sends := ad.CallsOf("send")
	pins := ad.CallsOf("pin")
	if len(sends) != 1 || len(pins) != 1 {
		t.Fatalf("sends=%d pins=%d, want 1/1", len(sends), len(pins))
	}
	if pins[0].Ref.MessageID != got.PinnedMessageID {
		t.Fatalf("pinned %d, recorded %d", pins[0].Ref.MessageID, got.PinnedMessageID)
	}
}

func TestFireUnpinsPreviousAnnouncement(t *testing.T) {
	t.Parallel()
	d, st, ad := newFixture(t)
	ctx := context.Background()

	e := seedEvent(t, st, func(e *event.Event) { e.PinnedMessageID = 41 })

	if err := d.Fire(ctx, e.ID); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	unpins := ad.CallsOf("unpin")
	if len(unpins) != 1 || unpins[0].Ref.MessageID != 41 {
		t.Fatalf("unpins = %+v", unpins)
	}
}

func TestFireUnpinFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	d, st, ad := newFixture(t)
	ctx := context.Background()

	e := seedEvent(t, st, func(e *event.Event) { e.PinnedMessageID = 41 })
	ad.FailUnpin = 10 // beyond all retries

	if err := d.Fire(ctx, e.ID); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(ad.CallsOf("send")) != 1 || len(ad.CallsOf("pin")) != 1 {
		t.Fatal("send/pin did not proceed after unpin failure")
	}
}

func TestFireRetriesSend(t *testing.T) {
	t.Parallel()
	d, st, ad := newFixture(t)
	ctx := context.Background()

	e := seedEvent(t, st, nil)
	ad.FailSend = 2 // succeeds on the final attempt

	if err := d.Fire(ctx, e.ID); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(ad.CallsOf("send")) != 1 {
		t.Fatalf("sends = %d, want 1 success", len(ad.CallsOf("send")))
	}
}

func TestFireExhaustedRetriesDegrade(t *testing.T) {
	t.Parallel()
	d, st, ad := newFixture(t)
	ctx := context.Background()

	e := seedEvent(t, st, func(e *event.Event) { e.PinnedMessageID = 41 })
	ad.FailSend = 10

	if err := d.Fire(ctx, e.ID); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	// The stale pin id stays behind; the next cycle unpins and resends.
	got, err := st.GetEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.PinnedMessageID != 41 {
		t.Fatalf("PinnedMessageID = %d, want stale 41", got.PinnedMessageID)
	}
}

func TestFireDeletedEventIsSkipped(t *testing.T) {
	t.Parallel()
	d, _, ad := newFixture(t)
	if err := d.Fire(context.Background(), 777); err != nil {
		t.Fatalf("Fire for missing event: %v", err)
	}
	if len(ad.Calls()) != 0 {
		t.Fatalf("transport touched for a deleted event: %+v", ad.Calls())
	}
}

func TestDeleteEventUnpinsAndCancels(t *testing.T) {
	t.Parallel()
	d, st, ad := newFixture(t)
	ctx := context.Background()

	e := seedEvent(t, st, func(e *event.Event) { e.PinnedMessageID = 50 })

	if err := d.DeleteEvent(ctx, e.ID); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if _, err := st.GetEvent(ctx, e.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("event survived delete: %v", err)
	}
	unpins := ad.CallsOf("unpin")
	if len(unpins) != 1 || unpins[0].Ref.MessageID != 50 {
		t.Fatalf("unpins = %+v", unpins)
	}
}

func TestNoticeDayEndToEnd(t *testing.T) {
	t.Parallel()
	// Event on Wednesday 18:00 announces on Monday.
	day, err := event.ParseWeekday("wed")
	if err != nil {
		t.Fatalf("ParseWeekday: %v", err)
	}
	notice := event.NoticeDay(day)
	if event.WeekdayCode(notice) != "mon" {
		t.Fatalf("notice day = %s, want mon", event.WeekdayCode(notice))
	}

	d, st, _ := newFixture(t)
	ctx := context.Background()
	h, m, err := event.ParseHHMM("18:00")
	if err != nil {
		t.Fatalf("ParseHHMM: %v", err)
	}
	e := seedEvent(t, st, func(e *event.Event) {
		e.Schedule = &schedule.Rule{Weekday: notice, Hour: h, Minute: m, TZ: "UTC"}
		e.EventDay = "wed"
		e.EventTime = "18:00"
		e.AddGoing(event.User{ID: 1, FullName: "Ann"})
	})

	if err := d.Fire(ctx, e.ID); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	got, err := st.GetEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if g, mm := got.Counts(); g != 0 || mm != 0 {
		t.Fatalf("votes not reset: (%d,%d)", g, mm)
	}
	if got.PinnedMessageID == 0 {
		t.Fatal("no new pinned message id after successful send")
	}
}
