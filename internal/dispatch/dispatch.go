// Package dispatch orchestrates one fire of an event's recurring job:
// reset votes, re-send and re-pin the announcement, record the new pinned
// message, with bounded retries on transport failure.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"rallybot/internal/schedule"
	"rallybot/internal/store"
	"rallybot/internal/transport"
	"rallybot/pkg/logx"
)

type Config struct {
	RetryMax     int           // extra attempts per transport step
	RetryBackoff time.Duration // pause between attempts
	Signature    string        // footer appended to every announcement
}

type Dispatcher struct {
	mu    sync.RWMutex
	cfg   Config
	store *store.Store
	ad    transport.Adapter
	sched *schedule.Scheduler
	log   logx.Logger
}

func New(cfg Config, st *store.Store, ad transport.Adapter, sched *schedule.Scheduler, log logx.Logger) *Dispatcher {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg, store: st, ad: ad, sched: sched, log: log}
}

// Signature returns the configured announcement footer.
func (d *Dispatcher) Signature() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Signature
}

// SetRetry adjusts the retry policy at runtime. Zero values keep the
// current setting.
func (d *Dispatcher) SetRetry(max int, backoff time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if max > 0 {
		d.cfg.RetryMax = max
	}
	if backoff > 0 {
		d.cfg.RetryBackoff = backoff
	}
}

func (d *Dispatcher) retryPolicy() (int, time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.RetryMax, d.cfg.RetryBackoff
}

// Fire runs one reset-and-resend cycle for the event.
//
// A missing event aborts without retry (it was deleted). A vote reset that
// fails to persist is logged but never blocks the send. Exhausted retries
// on send/pin leave the event without a fresh pinned announcement until
// the next cycle; that state is degraded but recoverable, never fatal.
func (d *Dispatcher) Fire(ctx context.Context, eventID int64) error {
	log := d.log.With(logx.Int64("event_id", eventID))

	e, err := d.store.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("fire for a deleted event, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event %d: %w", eventID, err)
	}

	if e.ClearVotes() {
		if err := d.store.UpdateEvent(ctx, e); err != nil {
			log.Error("persisting vote reset failed, sending anyway", logx.Err(err))
		}
	}

	prevPin := e.PinnedMessageID
	if prevPin != 0 {
		// The old pin may already be gone; a failure here is not fatal.
		err := d.withRetry(ctx, "unpin", func(c context.Context) error {
			return d.ad.UnpinMessage(c, transport.MessageRef{ChatID: e.ChatID, MessageID: prevPin})
		})
		if err != nil {
			log.Warn("unpinning previous announcement failed", logx.Err(err))
		}
	}

	var ref transport.MessageRef
	err = d.withRetry(ctx, "send", func(c context.Context) error {
		var sendErr error
		ref, sendErr = d.ad.SendText(c,
			transport.ChatTarget{ChatID: e.ChatID, ThreadID: e.ThreadID},
			e.Render(d.Signature()),
			&transport.SendOptions{
				ParseMode:          tele.ModeMarkdownV2,
				ReplyMarkupAdapter: e.VoteKeyboard(),
			})
		return sendErr
	})
	if err != nil {
		log.Error("announcement send failed, cycle degraded until next fire", logx.Err(err))
		return err
	}

	e.PinnedMessageID = ref.MessageID
	if err := d.withRetry(ctx, "persist pin id", func(c context.Context) error {
		return d.store.UpdateEvent(c, e)
	}); err != nil {
		log.Error("persisting new pinned message id failed", logx.Err(err))
	}

	if err := d.withRetry(ctx, "pin", func(c context.Context) error {
		return d.ad.PinMessage(c, ref)
	}); err != nil {
		log.Error("pinning announcement failed, cycle degraded until next fire", logx.Err(err))
		return err
	}

	log.Info("announcement refreshed", logx.Int("message_id", ref.MessageID))
	return nil
}

// FireJob adapts Fire for the scheduler callback: errors are already
// logged, nothing propagates into the cron runner.
func (d *Dispatcher) FireJob(eventID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	_ = d.Fire(ctx, eventID)
}

// DeleteEvent cancels the recurring job, removes the event and its
// participant rows, and best-effort unpins the live announcement.
func (d *Dispatcher) DeleteEvent(ctx context.Context, eventID int64) error {
	d.sched.Cancel(eventID)

	e, err := d.store.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := d.store.DeleteEvent(ctx, eventID); err != nil {
		return err
	}
	if e.PinnedMessageID != 0 {
		ref := transport.MessageRef{ChatID: e.ChatID, MessageID: e.PinnedMessageID}
		if err := d.ad.UnpinMessage(ctx, ref); err != nil {
			d.log.Warn("unpinning deleted event's announcement failed",
				logx.Int64("event_id", eventID), logx.Err(err))
		}
	}
	d.log.Info("event deleted", logx.Int64("event_id", eventID))
	return nil
}

func (d *Dispatcher) withRetry(ctx context.Context, step string, fn func(context.Context) error) error {
	retries, backoff := d.retryPolicy()
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		d.log.Debug("step failed",
			logx.String("step", step), logx.Int("attempt", attempt+1), logx.Err(err))
	}
	return err
}
