package event

import (
	"strconv"

	tele "gopkg.in/telebot.v4"

	"rallybot/pkg/tgui"
)

// Callback scopes/actions for the voting controls under an announcement.
const (
	VoteScope   = "vote"
	ChoiceGoing = "going"
	ChoiceMaybe = "maybe"
)

// VoteKeyboard builds the two-button voting control labeled with the
// current counts. Callback data carries the event id.
func (e *Event) VoteKeyboard() *tele.ReplyMarkup {
	going, maybe := e.Counts()
	id := strconv.FormatInt(e.ID, 10)
	return tgui.NewInline().Row(
		tgui.Btn(strconv.Itoa(going)+" 👍", tgui.Data(VoteScope, ChoiceGoing, id)),
		tgui.Btn(strconv.Itoa(maybe)+" ❓", tgui.Data(VoteScope, ChoiceMaybe, id)),
	).Markup()
}
