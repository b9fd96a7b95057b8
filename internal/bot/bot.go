// Package bot routes incoming transport updates: group membership changes,
// vote callbacks on announcements, and the private-chat admin panel.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"rallybot/internal/dispatch"
	"rallybot/internal/event"
	"rallybot/internal/schedule"
	"rallybot/internal/store"
	"rallybot/internal/transport"
	"rallybot/internal/vote"
	"rallybot/pkg/logx"
	"rallybot/pkg/tgui"
)

type Config struct {
	// Timezone is the IANA zone installed on new weekly triggers.
	Timezone string
	// UpdateBuffer sizes the incoming update channel.
	UpdateBuffer int
}

type App struct {
	cfg   Config
	store *store.Store
	ad    transport.Adapter
	sched *schedule.Scheduler
	disp  *dispatch.Dispatcher
	votes *vote.Coordinator
	log   logx.Logger

	mu       sync.Mutex
	sessions map[int64]*session
}

func New(cfg Config, st *store.Store, ad transport.Adapter, sched *schedule.Scheduler, disp *dispatch.Dispatcher, votes *vote.Coordinator, log logx.Logger) *App {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 64
	}
	return &App{
		cfg:      cfg,
		store:    st,
		ad:       ad,
		sched:    sched,
		disp:     disp,
		votes:    votes,
		log:      log.With(logx.String("comp", "bot")),
		sessions: make(map[int64]*session),
	}
}

// Run starts the adapter and consumes updates until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	updates := make(chan transport.Update, a.cfg.UpdateBuffer)
	if err := a.ad.Start(ctx, updates); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.ad.Stop(stopCtx)
		case up := <-updates:
			a.handle(ctx, up)
		}
	}
}

func (a *App) handle(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			a.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			a.handleCallback(ctx, up.Callback)
		}
	case transport.UpdateBotAdded:
		if up.Member != nil {
			a.handleBotAdded(ctx, up.Member)
		}
	case transport.UpdateBotGone:
		if up.Member != nil {
			a.handleBotGone(ctx, up.Member)
		}
	case transport.UpdateMigration:
		if up.Migration != nil {
			a.handleMigration(ctx, up.Migration)
		}
	}
}

// handleBotAdded binds the user who added the bot as an admin of that chat
// and greets them in private. The DM fails silently when the adder never
// started a private chat with the bot.
func (a *App) handleBotAdded(ctx context.Context, mc *transport.MemberChange) {
	if mc.ActorID == 0 {
		return
	}
	if err := a.store.BindAdmin(ctx, mc.ChatID, mc.ActorID, mc.ThreadID); err != nil {
		a.log.Error("bind admin", logx.Int64("chat", mc.ChatID),
			logx.Int64("admin", mc.ActorID), logx.Err(err))
		return
	}
	a.log.Info("added to chat", logx.Int64("chat", mc.ChatID),
		logx.Int64("admin", mc.ActorID))
	_, err := a.ad.SendText(ctx, transport.ChatTarget{ChatID: mc.ActorID},
		"Hi! I can post recurring event polls in that group.\n"+
			"Send /start here to open the event panel.", nil)
	if err != nil {
		a.log.Debug("greeting dm failed", logx.Err(err))
	}
}

// handleBotGone drops everything tied to the chat: cron jobs, vote locks,
// events with their participants, and the admin bindings.
func (a *App) handleBotGone(ctx context.Context, mc *transport.MemberChange) {
	events, err := a.store.ListAll(ctx)
	if err != nil {
		a.log.Error("list events on removal", logx.Err(err))
		return
	}
	for _, ev := range events {
		if ev.ChatID != mc.ChatID {
			continue
		}
		a.sched.Cancel(ev.ID)
		a.votes.Forget(ev.ID)
	}
	if err := a.store.UnbindChat(ctx, mc.ChatID); err != nil && !errors.Is(err, store.ErrNotFound) {
		a.log.Error("unbind chat", logx.Int64("chat", mc.ChatID), logx.Err(err))
		return
	}
	a.log.Info("removed from chat, state dropped", logx.Int64("chat", mc.ChatID))
}

// handleMigration follows a group upgrading to a supergroup. Jobs are keyed
// by event id, which survives the migration, so only the stored chat ids
// need rewriting.
func (a *App) handleMigration(ctx context.Context, m *transport.Migration) {
	if err := a.store.RebindChatID(ctx, m.OldChatID, m.NewChatID); err != nil {
		a.log.Error("chat migration", logx.Int64("old", m.OldChatID),
			logx.Int64("new", m.NewChatID), logx.Err(err))
		return
	}
	a.log.Info("chat migrated", logx.Int64("old", m.OldChatID),
		logx.Int64("new", m.NewChatID))
}

func (a *App) handleCallback(ctx context.Context, cb *transport.Callback) {
	scope, action, payload := tgui.ParseData(cb.Data)
	switch scope {
	case event.VoteScope:
		a.handleVote(ctx, cb, action, payload)
	case panelScope:
		a.handlePanelCallback(ctx, cb, action, payload)
	default:
		_ = a.ad.AnswerCallback(ctx, cb.ID, "")
	}
}

func (a *App) handleVote(ctx context.Context, cb *transport.Callback, choice, payload string) {
	eventID, err := parseID(payload)
	if err != nil {
		_ = a.ad.AnswerCallback(ctx, cb.ID, "")
		return
	}
	u := event.User{
		ID:       cb.FromID,
		Username: cb.FromUsername,
		FullName: cb.FromFullName,
	}
	err = a.votes.Toggle(ctx, eventID, u, choice)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = a.ad.AnswerCallback(ctx, cb.ID, "This poll is no longer active")
	case err != nil:
		a.log.Error("vote toggle", logx.Int64("event", eventID), logx.Err(err))
		_ = a.ad.AnswerCallback(ctx, cb.ID, "Something went wrong, try again")
	default:
		_ = a.ad.AnswerCallback(ctx, cb.ID, "Counted!")
	}
}

func (a *App) handleMessage(ctx context.Context, m *transport.Message) {
	if m.IsGroup {
		return
	}
	switch m.Text {
	case "/start", "/events":
		a.openPanel(ctx, m)
	default:
		a.handlePanelInput(ctx, m)
	}
}
