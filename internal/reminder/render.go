package reminder

import (
	"strings"

	kit "remindbot/internal/transport"
	"remindbot/pkg/tgui"
)

// Render builds the chat target and HTML body for a fired reminder.
//
//	⏰ <b>Reminder</b>: text
//	<a href="origin">jump to message</a>
//
// Channel deliveries start with a mention of the owner so the right person is
// notified.
func Render(r Reminder) (kit.ChatTarget, tgui.Message) {
	to := kit.ChatTarget{ChatID: r.OwnerID}
	b := tgui.New()

	head := []tgui.H{tgui.Raw("⏰ "), tgui.B("Reminder")}
	if !r.Destination.IsDirect() {
		to = kit.ChatTarget{ChatID: r.Destination.ChannelID, ThreadID: r.Destination.ThreadID}
		name := strings.TrimSpace(r.OwnerName)
		if name == "" {
			name = "you"
		}
		head = append([]tgui.H{tgui.Mention(name, r.OwnerID), tgui.Raw(" ")}, head...)
	}
	if text := strings.TrimSpace(r.Text); text != "" {
		head = append(head, tgui.Raw(": "), tgui.Esc(tgui.TruncRunes(text, tgui.MaxMessageRunes)))
	}
	b.Line(head...)
	if r.Origin != "" {
		b.Line(tgui.Link("jump to message", r.Origin))
	}
	return to, b.Build()
}
