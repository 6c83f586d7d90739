package transport

import (
	"context"
	"errors"
)

// ErrUnreachable marks a send that failed because the destination can no longer be
// reached (bot blocked, chat deleted, user deactivated). Retrying will not help.
var ErrUnreachable = errors.New("transport: destination unreachable")

// ErrPartialSend marks a split message whose later parts failed after earlier
// parts were delivered.
var ErrPartialSend = errors.New("transport: message partially sent")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

type Message struct {
	ID            int
	ChatID        int64
	ChatType      ChatType
	ChatUsername  string // public @handle of the chat, if any
	ThreadID      int    // telegram forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	Text          string
}

// IsPrivate reports whether the message was sent in a one-to-one chat with the bot.
func (m *Message) IsPrivate() bool {
	return m != nil && (m.ChatType == ChatPrivate || (m.ChatType == "" && m.ChatID == m.FromID))
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
	ParseMode      string
	DisablePreview bool
	// ReplyTo, when non-zero, threads the outgoing message under an existing one.
	ReplyTo int
}

// Sender is the outbound half of an adapter. Reminder delivery and command replies
// only ever need this.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface for adapters that can publish the
// command list to the platform's menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
