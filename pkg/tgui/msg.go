package tgui

import (
	"context"
	"strings"

	kit "remindbot/internal/transport"
)

// Message is a rendered UI payload: text + send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

// Send sends the Message via s.
func (m Message) Send(ctx context.Context, s kit.Sender, to kit.ChatTarget) (kit.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	return s.SendText(ctx, to, m.Text, m.Opt)
}

// Builder assembles an HTML message line by line.
// Default: ParseMode=HTML, DisablePreview=true.
type Builder struct {
	disablePreview bool
	replyTo        int
	lines          []string
}

func New() *Builder {
	return &Builder{disablePreview: true}
}

// DisablePreview sets DisableWebPagePreview.
func (b *Builder) DisablePreview(v bool) *Builder {
	b.disablePreview = v
	return b
}

// ReplyTo threads the message under msgID.
func (b *Builder) ReplyTo(msgID int) *Builder {
	b.replyTo = msgID
	return b
}

// Title adds a bold title line. Emoji is optional.
func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e := strings.TrimSpace(emoji); e != "" {
		return b.Line(Esc(e+" "), B(t))
	}
	return b.Line(B(t))
}

// Line appends one line made of already-safe parts.
func (b *Builder) Line(parts ...H) *Builder {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.String())
	}
	b.lines = append(b.lines, sb.String())
	return b
}

// Text appends an escaped plain-text line.
func (b *Builder) Text(s string) *Builder { return b.Line(Esc(s)) }

// KV appends "<b>key:</b> value" with value escaped.
func (b *Builder) KV(key, value string) *Builder {
	return b.Line(B(key+":"), Raw(" "), Esc(value))
}

// Blank appends an empty line.
func (b *Builder) Blank() *Builder {
	b.lines = append(b.lines, "")
	return b
}

// Len reports the number of lines so far.
func (b *Builder) Len() int { return len(b.lines) }

func (b *Builder) Build() Message {
	return Message{
		Text: strings.TrimRight(strings.Join(b.lines, "\n"), "\n"),
		Opt:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: b.disablePreview, ReplyTo: b.replyTo},
	}
}
