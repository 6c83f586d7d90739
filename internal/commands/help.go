package commands

import (
	kit "remindbot/internal/transport"
	"remindbot/pkg/tgui"
)

type commandDoc struct {
	name  string
	usage string
	desc  string
}

var docs = []commandDoc{
	{name: "remind", usage: "/remind <time> <text> [--dm]", desc: "set a reminder"},
	{name: "reminders", usage: "/reminders", desc: "list your pending reminders"},
	{name: "cancel", usage: "/cancel <id>", desc: "cancel a reminder"},
	{name: "help", usage: "/help", desc: "show help"},
}

// MenuCommands is the command list published to the chat client's menu.
func MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(docs))
	for _, d := range docs {
		out = append(out, kit.BotCommand{Command: d.name, Description: d.desc})
	}
	return out
}

func helpMessage() tgui.Message {
	b := tgui.New().Title("📚", "Reminders")
	for _, d := range docs {
		b.Line(tgui.Raw("• "), tgui.Code(d.usage), tgui.Esc(" - "+d.desc))
	}
	return b.Blank().
		Text("Time units: s, m, h, d, w, mo (30 days), y (365 days).").
		Text("--dm delivers the reminder in a private chat instead of here.").
		Line(tgui.Raw("Example: "), tgui.Code("/remind 1h take a break --dm")).
		Build()
}

func usageMessage(name string) tgui.Message {
	for _, d := range docs {
		if d.name == name {
			return tgui.New().Line(tgui.Raw("Usage: "), tgui.Code(d.usage)).Build()
		}
	}
	return helpMessage()
}
