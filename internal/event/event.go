package event

import (
	"rallybot/internal/schedule"
)

// User is one voter as shown in the announcement.
type User struct {
	ID       int64
	Username string // telegram handle, may be empty
	FullName string
}

// Event is one recurring announcement with participant sign-up.
//
// Going and Maybe are ordered sets unique by User.ID; a user is never in
// both at once. The store replaces both sets wholesale on every update.
type Event struct {
	ID       int64
	ChatID   int64
	ThreadID int // forum topic id, 0 if none

	Template string
	Links    string
	Image    string // pre-built markup reference, inserted as-is

	// Schedule is the decoded weekly trigger (the notice day/time), nil when
	// the event has no active schedule. EventDay/EventTime keep the
	// admin-facing event day and HH:MM for display; the notice fires two
	// days before EventDay.
	Schedule  *schedule.Rule
	EventDay  string // "mon".."sun", empty until scheduled
	EventTime string // "HH:MM", empty until scheduled

	PinnedMessageID int // 0 = no live announcement

	Going []User
	Maybe []User
}

const (
	defaultTemplate = "Evening meetup"
	defaultImage    = "[​](https://i.pinimg.com/736x/a6/86/75/a686751d639e642196346106fb868623.jpg)"
)

// New returns an empty event bound to a chat, with template defaults.
func New(chatID int64, threadID int) *Event {
	return &Event{
		ChatID:   chatID,
		ThreadID: threadID,
		Template: defaultTemplate,
		Image:    defaultImage,
	}
}

// AddGoing moves u into the going set. Re-adding an existing member is a
// no-op for set membership. Any maybe-membership of the same user is dropped.
func (e *Event) AddGoing(u User) {
	e.Maybe = removeByID(e.Maybe, u.ID)
	if !containsID(e.Going, u.ID) {
		e.Going = append(e.Going, u)
	}
}

// AddMaybe is symmetric to AddGoing.
func (e *Event) AddMaybe(u User) {
	e.Going = removeByID(e.Going, u.ID)
	if !containsID(e.Maybe, u.ID) {
		e.Maybe = append(e.Maybe, u)
	}
}

func (e *Event) RemoveGoing(userID int64) { e.Going = removeByID(e.Going, userID) }
func (e *Event) RemoveMaybe(userID int64) { e.Maybe = removeByID(e.Maybe, userID) }

func (e *Event) InGoing(userID int64) bool { return containsID(e.Going, userID) }
func (e *Event) InMaybe(userID int64) bool { return containsID(e.Maybe, userID) }

// ClearVotes empties both sets. Reports whether anything was dropped.
func (e *Event) ClearVotes() bool {
	changed := len(e.Going) > 0 || len(e.Maybe) > 0
	e.Going = nil
	e.Maybe = nil
	return changed
}

// Counts returns the two vote counts used to label the voting controls.
func (e *Event) Counts() (going, maybe int) {
	return len(e.Going), len(e.Maybe)
}

func containsID(users []User, id int64) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}

func removeByID(users []User, id int64) []User {
	out := users[:0]
	for _, u := range users {
		if u.ID != id {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
