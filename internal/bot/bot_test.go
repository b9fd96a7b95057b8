package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"rallybot/internal/dispatch"
	"rallybot/internal/event"
	"rallybot/internal/schedule"
	"rallybot/internal/store"
	"rallybot/internal/transport"
	"rallybot/internal/transport/transporttest"
	"rallybot/internal/vote"
	"rallybot/pkg/logx"
	"rallybot/pkg/tgui"
)

const (
	adminID = int64(501)
	groupID = int64(-100200)
)

func newApp(t *testing.T) (*App, *store.Store, *transporttest.Adapter, *schedule.Scheduler) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ad := &transporttest.Adapter{}
	sched := schedule.New(func(int64) {}, logx.Nop())
	disp := dispatch.New(dispatch.Config{RetryMax: 1, RetryBackoff: time.Millisecond}, st, ad, sched, logx.Nop())
	votes := vote.New(st, ad, "", logx.Nop())
	app := New(Config{Timezone: "UTC"}, st, ad, sched, disp, votes, logx.Nop())
	return app, st, ad, sched
}

func botAdded(app *App, chatID, actorID int64) {
	app.handle(context.Background(), transport.Update{
		Kind:   transport.UpdateBotAdded,
		Member: &transport.MemberChange{ChatID: chatID, ActorID: actorID},
	})
}

func privateText(app *App, userID int64, text string) {
	app.handle(context.Background(), transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ChatID: userID,
			FromID: userID,
			Text:   text,
		},
	})
}

func pressPanel(app *App, userID int64, action, payload string) {
	app.handle(context.Background(), transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID:     "cb",
			FromID: userID,
			ChatID: userID,
			Data:   tgui.Data("panel", action, payload),
		},
	})
}

func lastSendTo(t *testing.T, ad *transporttest.Adapter, chatID int64) string {
	t.Helper()
	sends := ad.CallsOf("send")
	for i := len(sends) - 1; i >= 0; i-- {
		if sends[i].To.ChatID == chatID {
			return sends[i].Text
		}
	}
	t.Fatalf("no send to chat %d (sends: %d)", chatID, len(sends))
	return ""
}

func soleEvent(t *testing.T, st *store.Store) *event.Event {
	t.Helper()
	events, err := st.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	return events[0]
}

func TestBotAddedBindsAdminAndGreets(t *testing.T) {
	t.Parallel()
	app, st, ad, _ := newApp(t)

	botAdded(app, groupID, adminID)

	admins, err := st.AdminsForChat(context.Background(), groupID)
	if err != nil {
		t.Fatalf("AdminsForChat: %v", err)
	}
	if len(admins) != 1 || admins[0] != adminID {
		t.Errorf("admins = %v", admins)
	}
	if got := lastSendTo(t, ad, adminID); !strings.Contains(got, "/start") {
		t.Errorf("greeting = %q", got)
	}
}

func TestPanelWithoutBindings(t *testing.T) {
	t.Parallel()
	app, _, ad, _ := newApp(t)

	privateText(app, adminID, "/start")

	if got := lastSendTo(t, ad, adminID); !strings.Contains(got, "Add me to a group chat") {
		t.Errorf("onboarding = %q", got)
	}
}

func TestCreateEventSingleChat(t *testing.T) {
	t.Parallel()
	app, st, _, _ := newApp(t)

	botAdded(app, groupID, adminID)
	pressPanel(app, adminID, "new", "")

	ev := soleEvent(t, st)
	if ev.ChatID != groupID {
		t.Errorf("ChatID = %d, want %d", ev.ChatID, groupID)
	}
	if ev.Template == "" {
		t.Error("new event has no default template")
	}
	if ev.EventTime != "" {
		t.Errorf("new event already scheduled: %q", ev.EventTime)
	}
}

func TestRescheduleFlow(t *testing.T) {
	t.Parallel()
	app, st, ad, sched := newApp(t)
	ctx := context.Background()

	botAdded(app, groupID, adminID)
	pressPanel(app, adminID, "new", "")
	ev := soleEvent(t, st)
	id := strconv.FormatInt(ev.ID, 10)

	pressPanel(app, adminID, "resched", id)
	pressPanel(app, adminID, "day", id+":wed")

	// Bad time first: corrective reply, session stays.
	privateText(app, adminID, "25:99")
	if got := lastSendTo(t, ad, adminID); !strings.Contains(got, "HH:MM") {
		t.Errorf("corrective reply = %q", got)
	}

	privateText(app, adminID, "18:00")

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.EventDay != "wed" || got.EventTime != "18:00" {
		t.Errorf("display fields = %q %q", got.EventDay, got.EventTime)
	}
	if got.Schedule == nil {
		t.Fatal("schedule not persisted")
	}
	if got.Schedule.Weekday != time.Monday {
		t.Errorf("notice day = %v, want Monday", got.Schedule.Weekday)
	}
	if got.Schedule.Hour != 18 || got.Schedule.Minute != 0 {
		t.Errorf("notice time = %02d:%02d", got.Schedule.Hour, got.Schedule.Minute)
	}
	if rule, ok := sched.RuleFor(ev.ID); !ok || rule.Weekday != time.Monday {
		t.Errorf("installed rule = %+v, ok=%v", rule, ok)
	}
}

func TestEditTextRefreshesLiveAnnouncement(t *testing.T) {
	t.Parallel()
	app, st, ad, _ := newApp(t)
	ctx := context.Background()

	botAdded(app, groupID, adminID)
	pressPanel(app, adminID, "new", "")
	ev := soleEvent(t, st)

	// Simulate a live pinned announcement.
	ev.PinnedMessageID = 77
	if err := st.UpdateEvent(ctx, ev); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}

	pressPanel(app, adminID, "text", strconv.FormatInt(ev.ID, 10))
	privateText(app, adminID, "Board games friday")

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.Template != "Board games friday" {
		t.Errorf("template = %q", got.Template)
	}

	edits := ad.CallsOf("edit")
	if len(edits) == 0 {
		t.Fatal("live announcement not re-rendered")
	}
	last := edits[len(edits)-1]
	if last.Ref.MessageID != 77 || last.Ref.ChatID != groupID {
		t.Errorf("edited ref = %+v", last.Ref)
	}
	if !strings.Contains(last.Text, "Board games friday") {
		t.Errorf("edited text = %q", last.Text)
	}
}

func TestVoteCallback(t *testing.T) {
	t.Parallel()
	app, st, ad, _ := newApp(t)
	ctx := context.Background()

	botAdded(app, groupID, adminID)
	pressPanel(app, adminID, "new", "")
	ev := soleEvent(t, st)

	app.handle(ctx, transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID:           "cb1",
			FromID:       9001,
			FromUsername: "ann_a",
			FromFullName: "Ann A",
			ChatID:       groupID,
			Data:         tgui.Data(event.VoteScope, event.ChoiceGoing, strconv.FormatInt(ev.ID, 10)),
		},
	})

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if !got.InGoing(9001) {
		t.Error("vote not recorded")
	}

	answers := ad.CallsOf("answer")
	if len(answers) == 0 || answers[len(answers)-1].Text != "Counted!" {
		t.Errorf("answers = %+v", answers)
	}
}

func TestVoteCallbackGoneEvent(t *testing.T) {
	t.Parallel()
	app, _, ad, _ := newApp(t)

	app.handle(context.Background(), transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID:     "cb1",
			FromID: 9001,
			Data:   tgui.Data(event.VoteScope, event.ChoiceGoing, "424242"),
		},
	})

	answers := ad.CallsOf("answer")
	if len(answers) != 1 || !strings.Contains(answers[0].Text, "no longer active") {
		t.Errorf("answers = %+v", answers)
	}
}

func TestForeignEventRejected(t *testing.T) {
	t.Parallel()
	app, st, _, _ := newApp(t)
	ctx := context.Background()

	botAdded(app, groupID, adminID)
	pressPanel(app, adminID, "new", "")
	ev := soleEvent(t, st)

	const stranger = int64(666)
	pressPanel(app, stranger, "text", strconv.FormatInt(ev.ID, 10))
	privateText(app, stranger, "hijacked")

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.Template == "hijacked" {
		t.Error("stranger edited a foreign event")
	}
}

func TestBotGoneDropsChatState(t *testing.T) {
	t.Parallel()
	app, st, _, sched := newApp(t)
	ctx := context.Background()

	botAdded(app, groupID, adminID)
	pressPanel(app, adminID, "new", "")
	ev := soleEvent(t, st)
	id := strconv.FormatInt(ev.ID, 10)
	pressPanel(app, adminID, "resched", id)
	pressPanel(app, adminID, "day", id+":sat")
	privateText(app, adminID, "20:00")

	if _, ok := sched.RuleFor(ev.ID); !ok {
		t.Fatal("trigger not installed")
	}

	app.handle(ctx, transport.Update{
		Kind:   transport.UpdateBotGone,
		Member: &transport.MemberChange{ChatID: groupID, ActorID: adminID},
	})

	if _, err := st.GetEvent(ctx, ev.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("event survived removal: %v", err)
	}
	if _, ok := sched.RuleFor(ev.ID); ok {
		t.Error("trigger survived removal")
	}
	admins, err := st.AdminsForChat(ctx, groupID)
	if err != nil {
		t.Fatalf("AdminsForChat: %v", err)
	}
	if len(admins) != 0 {
		t.Errorf("admins survived removal: %v", admins)
	}
}

func TestMigrationRebindsChat(t *testing.T) {
	t.Parallel()
	app, st, _, _ := newApp(t)
	ctx := context.Background()

	botAdded(app, groupID, adminID)
	pressPanel(app, adminID, "new", "")
	ev := soleEvent(t, st)

	const newID = int64(-100999)
	app.handle(ctx, transport.Update{
		Kind:      transport.UpdateMigration,
		Migration: &transport.Migration{OldChatID: groupID, NewChatID: newID},
	})

	got, err := st.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.ChatID != newID {
		t.Errorf("ChatID = %d, want %d", got.ChatID, newID)
	}
	bindings, err := st.ChatsForAdmin(ctx, adminID)
	if err != nil {
		t.Fatalf("ChatsForAdmin: %v", err)
	}
	if len(bindings) != 1 || bindings[0].ChatID != newID {
		t.Errorf("bindings = %+v", bindings)
	}
}

func TestDeleteEventFromPanel(t *testing.T) {
	t.Parallel()
	app, st, _, _ := newApp(t)
	ctx := context.Background()

	botAdded(app, groupID, adminID)
	pressPanel(app, adminID, "new", "")
	ev := soleEvent(t, st)
	id := strconv.FormatInt(ev.ID, 10)

	pressPanel(app, adminID, "del", id)
	// Still there until confirmed.
	if _, err := st.GetEvent(ctx, ev.ID); err != nil {
		t.Fatalf("event gone before confirmation: %v", err)
	}

	pressPanel(app, adminID, "delok", id)
	if _, err := st.GetEvent(ctx, ev.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("event not deleted: %v", err)
	}
}
