package commands

import (
	"regexp"
	"strings"
	"unicode"
)

type Kind int

const (
	KindNone Kind = iota
	KindRemind
	KindList
	KindCancel
	KindHelp
	// KindUsage is a recognised command with missing or malformed arguments.
	KindUsage
)

// Command is a parsed chat command.
type Command struct {
	Kind     Kind
	Name     string // canonical command name, e.g. "remind"
	Duration string
	Text     string
	DM       bool
	ID       string
}

var dmFlag = regexp.MustCompile(`(^|\s)--dm(\s|$)`)

// Parse turns message text into a Command. botUsername, when set, makes
// "/cmd@otherbot" forms return KindNone.
//
//	/remind <duration> <text> [--dm]
//	/reminders | /reminder
//	/reminders cancel <id> | /reminder cancel <id> | /cancel <id>
//	/help | /start
func Parse(text, botUsername string) Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}
	}
	head, rest := cutWord(text)
	name := strings.ToLower(strings.TrimPrefix(head, "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		target := name[at+1:]
		name = name[:at]
		if botUsername != "" && !strings.EqualFold(target, botUsername) {
			return Command{}
		}
	}

	switch name {
	case "remind":
		return parseRemind(rest)
	case "reminders", "reminder":
		sub, args := cutWord(rest)
		switch strings.ToLower(sub) {
		case "":
			return Command{Kind: KindList, Name: "reminders"}
		case "cancel":
			return parseCancel(args)
		default:
			return Command{Kind: KindUsage, Name: "reminders"}
		}
	case "cancel":
		return parseCancel(rest)
	case "help", "start":
		return Command{Kind: KindHelp, Name: "help"}
	}
	return Command{}
}

func parseRemind(rest string) Command {
	dur, body := cutWord(rest)
	if dur == "" || dur == "--dm" {
		return Command{Kind: KindUsage, Name: "remind"}
	}
	c := Command{Kind: KindRemind, Name: "remind", Duration: dur}
	if dmFlag.MatchString(body) {
		c.DM = true
		body = dmFlag.ReplaceAllString(body, " ")
	}
	c.Text = strings.TrimSpace(body)
	return c
}

func parseCancel(rest string) Command {
	id, extra := cutWord(rest)
	if id == "" || extra != "" {
		return Command{Kind: KindUsage, Name: "cancel"}
	}
	return Command{Kind: KindCancel, Name: "cancel", ID: id}
}

// cutWord splits s at the first whitespace run. rest keeps its inner layout
// (newlines included) but is trimmed.
func cutWord(s string) (word, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}
