// Package telegram implements transport.Adapter on top of telebot's
// long poller.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"rallybot/internal/transport"
	"rallybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRatePerSec caps outgoing API calls. Telegram throttles bots
	// around 30 msg/s globally; 0 picks a safe default.
	SendRatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot   *tele.Bot
	out   atomic.Value // stores (chan<- transport.Update)
	limit *rate.Limiter

	runMu   sync.Mutex
	running bool
	done    chan struct{}

	// dropped counts updates discarded because the consumer lagged
	// behind the poll loop. Reported in Stop rather than per update.
	dropped uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 20
	}
	a := &Adapter{
		cfg:   cfg,
		log:   log,
		bot:   b,
		limit: rate.NewLimiter(rate.Limit(rps), rps),
	}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func fullName(u *tele.User) string {
	if u == nil {
		return ""
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

func isGroup(c *tele.Chat) bool {
	return c != nil && (c.Type == tele.ChatGroup || c.Type == tele.ChatSuperGroup)
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.push(transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				FromFullName: fullName(m.Sender),
				Text:         m.Text,
				IsGroup:      isGroup(m.Chat),
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.push(transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:           cb.ID,
				FromID:       cb.Sender.ID,
				FromUsername: cb.Sender.Username,
				FromFullName: fullName(cb.Sender),
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				MessageID:    m.ID,
				Data:         strings.TrimPrefix(cb.Data, "\f"),
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		var actor int64
		if m.Sender != nil {
			actor = m.Sender.ID
		}
		a.push(transport.Update{
			Kind: transport.UpdateBotAdded,
			Member: &transport.MemberChange{
				ChatID:   m.Chat.ID,
				ActorID:  actor,
				ThreadID: m.ThreadID,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		upd := c.ChatMember()
		if upd == nil || upd.NewChatMember == nil || upd.Chat == nil {
			return nil
		}
		role := upd.NewChatMember.Role
		if role != tele.Left && role != tele.Kicked {
			return nil
		}
		var actor int64
		if upd.Sender != nil {
			actor = upd.Sender.ID
		}
		a.push(transport.Update{
			Kind: transport.UpdateBotGone,
			Member: &transport.MemberChange{
				ChatID:  upd.Chat.ID,
				ActorID: actor,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnMigration, func(c tele.Context) error {
		from, to := c.Migration()
		a.push(transport.Update{
			Kind: transport.UpdateMigration,
			Migration: &transport.Migration{
				OldChatID: from,
				NewChatID: to,
			},
		})
		return nil
	})
}

func (a *Adapter) push(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.done = make(chan struct{})
	done := a.done
	a.runMu.Unlock()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()

	go func() {
		defer close(done)
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	done := a.done
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
		a.log.Warn("incoming updates dropped", logx.Uint64("count", n))
	}

	go a.bot.Stop()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-done:
	case <-time.After(grace):
		a.log.Warn("telegram stop timed out")
	case <-ctx.Done():
	}
	return nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if ctx == nil {
		return a.limit.Wait(context.Background())
	}
	return a.limit.Wait(ctx)
}

func sendOptions(opt *transport.SendOptions, threadID int) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		so.ReplyMarkup = rm
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if err := a.wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOptions(opt, to.ThreadID))
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{
		ChatID:    to.ChatID,
		ThreadID:  to.ThreadID,
		MessageID: msg.ID,
	}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if err := a.wait(ctx); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, sendOptions(opt, ref.ThreadID))
	return err
}

func (a *Adapter) PinMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	return a.bot.Pin(m)
}

func (a *Adapter) UnpinMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.bot.Unpin(&tele.Chat{ID: ref.ChatID}, ref.MessageID)
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}
