package transport

import "context"

type UpdateKind string

const (
	UpdateMessage   UpdateKind = "message"
	UpdateCallback  UpdateKind = "callback"
	UpdateBotAdded  UpdateKind = "bot_added"
	UpdateBotGone   UpdateKind = "bot_gone"
	UpdateMigration UpdateKind = "migration"
)

type Update struct {
	Kind      UpdateKind
	Message   *Message
	Callback  *Callback
	Member    *MemberChange
	Migration *Migration
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromFullName string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	FromFullName string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

// MemberChange reports the bot being added to or removed from a chat.
type MemberChange struct {
	ChatID   int64
	ActorID  int64 // user who added/removed the bot
	ThreadID int
}

// Migration reports a group upgrading to a supergroup (new chat id).
type Migration struct {
	OldChatID int64
	NewChatID int64
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Adapter is the messaging transport consumed by the core.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	PinMessage(ctx context.Context, ref MessageRef) error
	UnpinMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
