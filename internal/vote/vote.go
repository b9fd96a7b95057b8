// Package vote applies participant toggle requests against an event,
// persists the result and refreshes the live announcement.
package vote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tele "gopkg.in/telebot.v4"

	"rallybot/internal/event"
	"rallybot/internal/store"
	"rallybot/internal/transport"
	"rallybot/pkg/logx"
)

// Coordinator serializes vote toggles per event id. The whole
// read-modify-persist cycle of one toggle runs under that event's lock, so
// two concurrent toggles can never clobber each other's additions;
// different events proceed fully in parallel.
type Coordinator struct {
	store     *store.Store
	ad        transport.Adapter
	signature string
	log       logx.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(st *store.Store, ad transport.Adapter, signature string, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		store:     st,
		ad:        ad,
		signature: signature,
		log:       log,
		locks:     map[int64]*sync.Mutex{},
	}
}

func (c *Coordinator) lockFor(eventID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[eventID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[eventID] = l
	}
	return l
}

// Forget drops the lock entry for a deleted event.
func (c *Coordinator) Forget(eventID int64) {
	c.mu.Lock()
	delete(c.locks, eventID)
	c.mu.Unlock()
}

// Toggle applies one vote action. A user already in the chosen set is
// removed (un-vote); otherwise they move into it, leaving the other set.
// The updated announcement is re-rendered into the live pinned message;
// an edit failure is logged only, the vote itself is already durable.
func (c *Coordinator) Toggle(ctx context.Context, eventID int64, u event.User, choice string) error {
	l := c.lockFor(eventID)
	l.Lock()
	defer l.Unlock()

	e, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}

	switch choice {
	case event.ChoiceGoing:
		if e.InGoing(u.ID) {
			e.RemoveGoing(u.ID)
		} else {
			e.AddGoing(u)
		}
	case event.ChoiceMaybe:
		if e.InMaybe(u.ID) {
			e.RemoveMaybe(u.ID)
		} else {
			e.AddMaybe(u)
		}
	default:
		return fmt.Errorf("unknown vote choice %q", choice)
	}

	if err := c.store.UpdateEvent(ctx, e); err != nil {
		return fmt.Errorf("persist toggle for event %d: %w", eventID, err)
	}

	if e.PinnedMessageID != 0 {
		err := c.ad.EditText(ctx,
			transport.MessageRef{ChatID: e.ChatID, MessageID: e.PinnedMessageID},
			e.Render(c.signature),
			&transport.SendOptions{
				ParseMode:          tele.ModeMarkdownV2,
				ReplyMarkupAdapter: e.VoteKeyboard(),
			})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("refreshing live announcement failed",
				logx.Int64("event_id", eventID), logx.Err(err))
		}
	}
	return nil
}
