package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"rallybot/internal/event"
	"rallybot/internal/schedule"
	"rallybot/internal/store"
	"rallybot/internal/transport"
	"rallybot/pkg/logx"
	"rallybot/pkg/tgui"
)

const panelScope = "panel"

// Panel callback actions. Payloads carry the event id unless noted.
const (
	actList    = "list"
	actNew     = "new"   // no payload
	actNewIn   = "newin" // payload: chat id
	actOpen    = "ev"
	actText    = "text"
	actLinks   = "links"
	actResched = "resched"
	actDay     = "day" // payload: "<event id>:<mon..sun>"
	actKeep    = "keep"
	actDel     = "del"
	actDelOK   = "delok"
)

// What a session is waiting for as the admin's next text message.
const (
	awaitText  = "text"
	awaitLinks = "links"
	awaitTime  = "time"
)

// session is one admin's pending panel interaction. Sessions are keyed by
// user id, never shared between admins.
type session struct {
	await   string
	eventID int64
	day     time.Weekday // meaningful while await == awaitTime
}

func (a *App) session(userID int64) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[userID]
}

func (a *App) setSession(userID int64, s *session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s == nil {
		delete(a.sessions, userID)
		return
	}
	a.sessions[userID] = s
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func (a *App) reply(ctx context.Context, userID int64, text string, markup *tele.ReplyMarkup) {
	opt := &transport.SendOptions{}
	if markup != nil {
		opt.ReplyMarkupAdapter = markup
	}
	if _, err := a.ad.SendText(ctx, transport.ChatTarget{ChatID: userID}, text, opt); err != nil {
		a.log.Warn("panel reply failed", logx.Int64("user", userID), logx.Err(err))
	}
}

// openPanel shows the event list, or an onboarding hint for users with no
// bound chats.
func (a *App) openPanel(ctx context.Context, m *transport.Message) {
	bindings, err := a.store.ChatsForAdmin(ctx, m.FromID)
	if err != nil {
		a.log.Error("chats for admin", logx.Int64("user", m.FromID), logx.Err(err))
		return
	}
	a.setSession(m.FromID, nil)
	if len(bindings) == 0 {
		a.reply(ctx, m.FromID,
			"Add me to a group chat first. Whoever adds me becomes an "+
				"admin of that chat's events and can manage them here.", nil)
		return
	}
	a.showList(ctx, m.FromID)
}

func eventLabel(ev *event.Event) string {
	if ev.EventTime == "" {
		return fmt.Sprintf("%s (not scheduled)", ev.Template)
	}
	return fmt.Sprintf("%s %s %s", ev.Template, ev.EventTime, dayName(ev.EventDay))
}

func dayName(code string) string {
	d, err := event.ParseWeekday(code)
	if err != nil {
		return code
	}
	return d.String()
}

func (a *App) showList(ctx context.Context, userID int64) {
	events, err := a.store.ListByAdmin(ctx, userID)
	if err != nil {
		a.log.Error("list events", logx.Int64("user", userID), logx.Err(err))
		return
	}

	var b strings.Builder
	kb := tgui.NewInline()
	if len(events) == 0 {
		b.WriteString("No events yet.")
	} else {
		b.WriteString("Your events:\n")
		for i, ev := range events {
			fmt.Fprintf(&b, "%d. %s\n", i+1, eventLabel(ev))
			kb.Row(tgui.Btn(
				fmt.Sprintf("%d. %s", i+1, ev.Template),
				tgui.Data(panelScope, actOpen, strconv.FormatInt(ev.ID, 10)),
			))
		}
	}
	kb.Row(tgui.Btn("➕ New event", tgui.Data(panelScope, actNew, "")))
	a.reply(ctx, userID, b.String(), kb.Markup())
}

// loadOwned fetches an event and verifies the user administers its chat.
func (a *App) loadOwned(ctx context.Context, userID, eventID int64) (*event.Event, error) {
	ev, err := a.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	admins, err := a.store.AdminsForChat(ctx, ev.ChatID)
	if err != nil {
		return nil, err
	}
	for _, id := range admins {
		if id == userID {
			return ev, nil
		}
	}
	return nil, store.ErrNotFound
}

func (a *App) showEvent(ctx context.Context, userID int64, ev *event.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nChat: %d\n", ev.Template, ev.ChatID)
	if ev.Links != "" {
		fmt.Fprintf(&b, "Links:\n%s\n", ev.Links)
	}
	if ev.EventTime == "" {
		b.WriteString("Schedule: not set\n")
	} else {
		fmt.Fprintf(&b, "Schedule: %s at %s\n", dayName(ev.EventDay), ev.EventTime)
		if next, ok := a.sched.NextRun(ev.ID); ok {
			fmt.Fprintf(&b, "Next announcement: %s\n", next.Format("Mon 02 Jan 15:04 MST"))
		}
	}
	going, maybe := ev.Counts()
	fmt.Fprintf(&b, "Votes: %d going, %d maybe", going, maybe)

	id := strconv.FormatInt(ev.ID, 10)
	kb := tgui.NewInline().
		Row(
			tgui.Btn("Edit text", tgui.Data(panelScope, actText, id)),
			tgui.Btn("Edit links", tgui.Data(panelScope, actLinks, id)),
		).
		Row(
			tgui.Btn("Reschedule", tgui.Data(panelScope, actResched, id)),
			tgui.Btn("Delete", tgui.Data(panelScope, actDel, id)),
		).
		Row(tgui.Btn("« Back", tgui.Data(panelScope, actList, "")))
	a.reply(ctx, userID, b.String(), kb.Markup())
}

func (a *App) handlePanelCallback(ctx context.Context, cb *transport.Callback, action, payload string) {
	answer := func(text string) { _ = a.ad.AnswerCallback(ctx, cb.ID, text) }

	switch action {
	case actList:
		answer("")
		a.setSession(cb.FromID, nil)
		a.showList(ctx, cb.FromID)

	case actNew:
		bindings, err := a.store.ChatsForAdmin(ctx, cb.FromID)
		if err != nil || len(bindings) == 0 {
			answer("No bound chats")
			return
		}
		if len(bindings) == 1 {
			answer("")
			a.createEvent(ctx, cb.FromID, bindings[0])
			return
		}
		answer("")
		kb := tgui.NewInline()
		for _, bind := range bindings {
			kb.Row(tgui.Btn(
				fmt.Sprintf("Chat %d", bind.ChatID),
				tgui.Data(panelScope, actNewIn, strconv.FormatInt(bind.ChatID, 10)),
			))
		}
		a.reply(ctx, cb.FromID, "Which chat is the event for?", kb.Markup())

	case actNewIn:
		chatID, err := parseID(payload)
		if err != nil {
			answer("")
			return
		}
		bindings, err := a.store.ChatsForAdmin(ctx, cb.FromID)
		if err != nil {
			answer("Try again")
			return
		}
		for _, bind := range bindings {
			if bind.ChatID == chatID {
				answer("")
				a.createEvent(ctx, cb.FromID, bind)
				return
			}
		}
		answer("Not your chat")

	case actOpen:
		ev, ok := a.resolve(ctx, cb, payload, answer)
		if !ok {
			return
		}
		answer("")
		a.setSession(cb.FromID, nil)
		a.showEvent(ctx, cb.FromID, ev)

	case actText:
		ev, ok := a.resolve(ctx, cb, payload, answer)
		if !ok {
			return
		}
		answer("")
		a.setSession(cb.FromID, &session{await: awaitText, eventID: ev.ID})
		a.reply(ctx, cb.FromID, "Send the new announcement text.", nil)

	case actLinks:
		ev, ok := a.resolve(ctx, cb, payload, answer)
		if !ok {
			return
		}
		answer("")
		a.setSession(cb.FromID, &session{await: awaitLinks, eventID: ev.ID})
		a.reply(ctx, cb.FromID, "Send the links to show under the announcement (one per line).", nil)

	case actResched:
		ev, ok := a.resolve(ctx, cb, payload, answer)
		if !ok {
			return
		}
		answer("")
		a.showWeekdayPicker(ctx, cb.FromID, ev.ID)

	case actDay:
		idStr, code, found := strings.Cut(payload, ":")
		if !found {
			answer("")
			return
		}
		ev, ok := a.resolve(ctx, cb, idStr, answer)
		if !ok {
			return
		}
		day, err := event.ParseWeekday(code)
		if err != nil {
			answer("")
			return
		}
		answer("")
		a.setSession(cb.FromID, &session{await: awaitTime, eventID: ev.ID, day: day})
		kb := tgui.NewInline()
		if ev.EventTime != "" {
			kb.Row(tgui.Btn("Keep "+ev.EventTime,
				tgui.Data(panelScope, actKeep, strconv.FormatInt(ev.ID, 10))))
		}
		a.reply(ctx, cb.FromID,
			fmt.Sprintf("%s it is. Now send the event time as HH:MM (24h).", day),
			kb.Markup())

	case actKeep:
		ev, ok := a.resolve(ctx, cb, payload, answer)
		if !ok {
			return
		}
		s := a.session(cb.FromID)
		if s == nil || s.await != awaitTime || s.eventID != ev.ID || ev.EventTime == "" {
			answer("Pick a day first")
			return
		}
		hour, minute, err := event.ParseHHMM(ev.EventTime)
		if err != nil {
			answer("Stored time is unusable, send a new one")
			return
		}
		answer("")
		a.finishReschedule(ctx, cb.FromID, ev, s.day, hour, minute)

	case actDel:
		ev, ok := a.resolve(ctx, cb, payload, answer)
		if !ok {
			return
		}
		answer("")
		id := strconv.FormatInt(ev.ID, 10)
		kb := tgui.NewInline().Row(
			tgui.Btn("Yes, delete", tgui.Data(panelScope, actDelOK, id)),
			tgui.Btn("Cancel", tgui.Data(panelScope, actOpen, id)),
		)
		a.reply(ctx, cb.FromID,
			fmt.Sprintf("Delete %q? The pinned announcement will be removed.", ev.Template),
			kb.Markup())

	case actDelOK:
		ev, ok := a.resolve(ctx, cb, payload, answer)
		if !ok {
			return
		}
		if err := a.disp.DeleteEvent(ctx, ev.ID); err != nil {
			answer("Delete failed, try again")
			return
		}
		a.votes.Forget(ev.ID)
		a.setSession(cb.FromID, nil)
		answer("Deleted")
		a.showList(ctx, cb.FromID)

	default:
		answer("")
	}
}

// resolve parses an event id payload and checks ownership, answering the
// callback with a hint when it fails.
func (a *App) resolve(ctx context.Context, cb *transport.Callback, payload string, answer func(string)) (*event.Event, bool) {
	eventID, err := parseID(payload)
	if err != nil {
		answer("")
		return nil, false
	}
	ev, err := a.loadOwned(ctx, cb.FromID, eventID)
	if errors.Is(err, store.ErrNotFound) {
		answer("Event is gone")
		return nil, false
	}
	if err != nil {
		a.log.Error("load event", logx.Int64("event", eventID), logx.Err(err))
		answer("Try again")
		return nil, false
	}
	return ev, true
}

func (a *App) createEvent(ctx context.Context, userID int64, bind store.Binding) {
	ev := event.New(bind.ChatID, bind.ThreadID)
	if _, err := a.store.CreateEvent(ctx, ev); err != nil {
		a.log.Error("create event", logx.Int64("chat", bind.ChatID), logx.Err(err))
		a.reply(ctx, userID, "Could not create the event, try again.", nil)
		return
	}
	a.log.Info("event created", logx.Int64("event", ev.ID), logx.Int64("chat", bind.ChatID))
	a.reply(ctx, userID, "Event created. Set a schedule so announcements start going out.", nil)
	a.showEvent(ctx, userID, ev)
}

func (a *App) showWeekdayPicker(ctx context.Context, userID, eventID int64) {
	id := strconv.FormatInt(eventID, 10)
	btn := func(d time.Weekday) tele.Btn {
		code := event.WeekdayCode(d)
		return tgui.Btn(d.String()[:3], tgui.Data(panelScope, actDay, id+":"+code))
	}
	kb := tgui.NewInline().
		Row(btn(time.Monday), btn(time.Tuesday), btn(time.Wednesday)).
		Row(btn(time.Thursday), btn(time.Friday)).
		Row(btn(time.Saturday), btn(time.Sunday))
	a.reply(ctx, userID, "Which day does the event happen?", kb.Markup())
}

// finishReschedule installs the weekly trigger. The announcement goes out
// two days before the event day, at the event time.
func (a *App) finishReschedule(ctx context.Context, userID int64, ev *event.Event, day time.Weekday, hour, minute int) {
	notice := event.NoticeDay(day)
	rule := schedule.Rule{
		Weekday: notice,
		Hour:    hour,
		Minute:  minute,
		TZ:      a.cfg.Timezone,
	}
	ev.EventDay = event.WeekdayCode(day)
	ev.EventTime = fmt.Sprintf("%02d:%02d", hour, minute)
	ev.Schedule = &rule

	if err := a.store.UpdateEvent(ctx, ev); err != nil {
		a.log.Error("persist schedule", logx.Int64("event", ev.ID), logx.Err(err))
		a.reply(ctx, userID, "Could not save the schedule, try again.", nil)
		return
	}
	if err := a.sched.Schedule(ev.ID, rule); err != nil {
		a.log.Error("install trigger", logx.Int64("event", ev.ID), logx.Err(err))
		a.reply(ctx, userID, "Saved, but scheduling failed. Reschedule to retry.", nil)
		return
	}
	a.setSession(userID, nil)
	a.log.Info("event scheduled", logx.Int64("event", ev.ID),
		logx.String("day", ev.EventDay), logx.String("time", ev.EventTime))
	a.reply(ctx, userID, fmt.Sprintf(
		"Scheduled: %s at %s. The poll goes out every %s at %s.",
		day, ev.EventTime, notice, ev.EventTime), nil)
	a.showEvent(ctx, userID, ev)
}

// handlePanelInput consumes a private-chat text message as the answer to
// whatever the admin's session is waiting for.
func (a *App) handlePanelInput(ctx context.Context, m *transport.Message) {
	s := a.session(m.FromID)
	if s == nil {
		a.reply(ctx, m.FromID, "Send /start to open the event panel.", nil)
		return
	}

	switch s.await {
	case awaitText, awaitLinks:
		ev, err := a.loadOwned(ctx, m.FromID, s.eventID)
		if err != nil {
			a.setSession(m.FromID, nil)
			a.reply(ctx, m.FromID, "That event is gone.", nil)
			return
		}
		if s.await == awaitText {
			ev.Template = strings.TrimSpace(m.Text)
		} else {
			ev.Links = strings.TrimSpace(m.Text)
		}
		if err := a.store.UpdateEvent(ctx, ev); err != nil {
			a.log.Error("update event", logx.Int64("event", ev.ID), logx.Err(err))
			a.reply(ctx, m.FromID, "Could not save, try again.", nil)
			return
		}
		a.setSession(m.FromID, nil)
		a.refreshAnnouncement(ctx, ev)
		a.showEvent(ctx, m.FromID, ev)

	case awaitTime:
		hour, minute, err := event.ParseHHMM(strings.TrimSpace(m.Text))
		if err != nil {
			var verr *event.ValidationError
			if errors.As(err, &verr) {
				a.reply(ctx, m.FromID,
					"That doesn't look like a time. Send HH:MM, e.g. 18:30.", nil)
				return
			}
			a.reply(ctx, m.FromID, "Could not read that time, try again.", nil)
			return
		}
		ev, err := a.loadOwned(ctx, m.FromID, s.eventID)
		if err != nil {
			a.setSession(m.FromID, nil)
			a.reply(ctx, m.FromID, "That event is gone.", nil)
			return
		}
		a.finishReschedule(ctx, m.FromID, ev, s.day, hour, minute)

	default:
		a.setSession(m.FromID, nil)
	}
}

// refreshAnnouncement re-renders the live pinned message after a text or
// links edit. Nothing to do when no announcement is out.
func (a *App) refreshAnnouncement(ctx context.Context, ev *event.Event) {
	if ev.PinnedMessageID == 0 {
		return
	}
	ref := transport.MessageRef{
		ChatID:    ev.ChatID,
		ThreadID:  ev.ThreadID,
		MessageID: ev.PinnedMessageID,
	}
	err := a.ad.EditText(ctx, ref, ev.Render(a.disp.Signature()), &transport.SendOptions{
		ParseMode:          "MarkdownV2",
		ReplyMarkupAdapter: ev.VoteKeyboard(),
	})
	if err != nil {
		a.log.Warn("refresh announcement", logx.Int64("event", ev.ID), logx.Err(err))
	}
}
