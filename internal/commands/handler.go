// Package commands is the chat command surface: it parses /remind, /reminders
// and /cancel, calls the reminder service and renders the replies.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"remindbot/internal/reminder"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/tgui"
)

// Scheduler is the part of reminder.Service the command surface uses.
type Scheduler interface {
	Schedule(ctx context.Context, req reminder.Request) (reminder.Reminder, error)
	Cancel(ctx context.Context, id string, ownerID int64) (reminder.CancelResult, error)
	List(ctx context.Context, ownerID int64) ([]reminder.Reminder, error)
	Config() reminder.Config
}

// Request is one command invocation.
type Request struct {
	Msg   *kit.Message
	Cmd   Command
	ReqID string
	Log   logx.Logger
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Log.IsZero() {
		return r.Log
	}
	return fallback
}

const listTextRunes = 80

// Handler executes parsed commands and replies in the originating chat.
type Handler struct {
	svc Scheduler
	out kit.Sender
	log logx.Logger
	now func() time.Time
}

func NewHandler(svc Scheduler, out kit.Sender, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{svc: svc, out: out, log: log, now: time.Now}
}

// Handle is the HandlerFunc the router runs for every parsed command.
func (h *Handler) Handle(ctx context.Context, req *Request) error {
	var msg tgui.Message
	var err error
	switch req.Cmd.Kind {
	case KindRemind:
		msg, err = h.remind(ctx, req)
	case KindList:
		msg, err = h.list(ctx, req)
	case KindCancel:
		msg, err = h.cancel(ctx, req)
	case KindUsage:
		msg = usageMessage(req.Cmd.Name)
	case KindHelp:
		msg = helpMessage()
	default:
		return nil
	}
	if msg.Text == "" {
		return err
	}
	if msg.Opt != nil {
		msg.Opt.ReplyTo = req.Msg.ID
	}
	to := kit.ChatTarget{ChatID: req.Msg.ChatID, ThreadID: req.Msg.ThreadID}
	if _, serr := msg.Send(ctx, h.out, to); serr != nil {
		return errors.Join(err, fmt.Errorf("reply: %w", serr))
	}
	return err
}

func (h *Handler) remind(ctx context.Context, req *Request) (tgui.Message, error) {
	m := req.Msg
	private := m.IsPrivate() || req.Cmd.DM
	r, err := h.svc.Schedule(ctx, reminder.Request{
		DurationText: req.Cmd.Duration,
		Text:         req.Cmd.Text,
		OwnerID:      m.FromID,
		OwnerName:    displayName(m),
		ChatID:       m.ChatID,
		ThreadID:     m.ThreadID,
		Private:      private,
		Origin:       OriginLink(m),
	})
	switch {
	case errors.Is(err, reminder.ErrParse):
		return errorMessage("Invalid time. Use a number followed by s, m, h, d, w, mo or y (e.g. 10m, 2h, 3d)."), nil
	case errors.Is(err, reminder.ErrNonPositive):
		return errorMessage("The delay must be greater than zero."), nil
	case errors.Is(err, reminder.ErrEmptyText):
		return errorMessage("What should I remind you about? Add some text after the time."), nil
	case errors.Is(err, reminder.ErrStopped):
		return errorMessage("The bot is shutting down, try again in a moment."), nil
	case err != nil:
		return errorMessage("Could not save the reminder, try again later."), err
	}

	cfg := h.svc.Config()
	where := "in this chat"
	if private && !m.IsPrivate() {
		where = "via DM"
	}
	b := tgui.New().Line(
		tgui.Raw("✅ Reminder "), tgui.Code(r.ID), tgui.Esc(" set "+where+" for "),
		tgui.B(formatDue(r.DueAt)), tgui.Esc(" ("+humanize.RelTime(r.DueAt, h.now(), "ago", "from now")+")."),
	)
	if r.Tier(cfg.EphemeralThreshold) == reminder.TierDurable {
		b.Line(tgui.I("May arrive up to " + reminder.FormatDuration(cfg.SweepInterval) + " late."))
	} else {
		b.Line(tgui.I("Short reminders are kept in memory and are lost if the bot restarts."))
	}
	if req.Cmd.DM && !m.IsPrivate() {
		b.Line(tgui.I("Make sure you have started a private chat with the bot."))
	}
	return b.Build(), nil
}

func (h *Handler) list(ctx context.Context, req *Request) (tgui.Message, error) {
	rs, err := h.svc.List(ctx, req.Msg.FromID)
	if err != nil {
		return errorMessage("Could not load your reminders, try again later."), err
	}
	if len(rs) == 0 {
		return tgui.New().Text("📭 You have no active reminders.").Build(), nil
	}

	cfg := h.svc.Config()
	now := h.now()
	b := tgui.New().Title("📌", "Your reminders")
	shown := rs
	if len(shown) > cfg.ListLimit {
		shown = shown[:cfg.ListLimit]
	}
	for _, r := range shown {
		where := "Channel"
		if r.Destination.IsDirect() {
			where = "DM"
		}
		parts := []tgui.H{
			tgui.Code(r.ID), tgui.Esc(" - " + humanize.RelTime(r.DueAt, now, "ago", "from now") + " (" + where + ")"),
		}
		if text := strings.TrimSpace(r.Text); text != "" {
			parts = append(parts, tgui.Raw(": "), tgui.Esc(tgui.TruncRunes(oneLine(text), listTextRunes)))
		}
		b.Line(parts...)
	}
	b.Blank()
	if len(rs) > len(shown) {
		b.Line(tgui.I(fmt.Sprintf("Showing %d of %d.", len(shown), len(rs))))
	}
	b.Line(tgui.I("Cancel with /cancel <id>. Long reminders may arrive up to " + reminder.FormatDuration(cfg.SweepInterval) + " late."))
	return b.Build(), nil
}

func (h *Handler) cancel(ctx context.Context, req *Request) (tgui.Message, error) {
	id := reminder.NormalizeID(req.Cmd.ID)
	res, err := h.svc.Cancel(ctx, id, req.Msg.FromID)
	if err != nil {
		return errorMessage("Could not cancel the reminder, try again later."), err
	}
	b := tgui.New()
	switch res {
	case reminder.Cancelled:
		b.Line(tgui.Raw("🗑️ Reminder "), tgui.Code(id), tgui.Esc(" cancelled."))
	case reminder.NotOwner:
		b.Line(tgui.Raw("⛔ Reminder "), tgui.Code(id), tgui.Esc(" belongs to someone else."))
	default:
		b.Line(tgui.Raw("❌ No pending reminder "), tgui.Code(id), tgui.Esc(". It may have fired already."))
	}
	return b.Build(), nil
}

func errorMessage(text string) tgui.Message {
	return tgui.New().Line(tgui.Raw("❌ "), tgui.Esc(text)).Build()
}

func formatDue(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func displayName(m *kit.Message) string {
	if n := strings.TrimSpace(m.FromFirstName); n != "" {
		return n
	}
	if m.FromUsername != "" {
		return "@" + m.FromUsername
	}
	return ""
}

// OriginLink builds a t.me link to the message that created the reminder. Private
// chats and basic groups have no linkable messages.
func OriginLink(m *kit.Message) string {
	if m == nil || m.ID == 0 || m.IsPrivate() {
		return ""
	}
	if u := strings.TrimPrefix(m.ChatUsername, "@"); u != "" {
		return fmt.Sprintf("https://t.me/%s/%d", u, m.ID)
	}
	// Supergroups and channels have IDs of the form -100<internal id>.
	const channelBase = -1_000_000_000_000
	if m.ChatID < channelBase {
		return fmt.Sprintf("https://t.me/c/%d/%d", channelBase-m.ChatID, m.ID)
	}
	return ""
}
