package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline builds the bot without calling getMe (tests).
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter. Created on Start, cancelled on Stop.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower than
	// the poll loop. Reported periodically instead of per update.
	droppedUpdates atomic.Int64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Username is the bot's own @handle, used to accept "/cmd@bot" forms.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := toKitMessage(c.Message()); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: m})
		}
		return nil
	})
}

func toKitMessage(m *tele.Message) *kit.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	out := &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ChatType:     kit.ChatType(m.Chat.Type),
		ChatUsername: m.Chat.Username,
		ThreadID:     m.ThreadID,
		Text:         m.Text,
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
		out.FromFirstName = m.Sender.FirstName
	}
	return out
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop. If it returns while we are still running,
	// report an error so the supervisor restarts it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited unexpectedly")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// Never block shutdown for long on a pending getUpdates long-poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// textUnit is one indivisible piece of outgoing text: a rune, or in HTML mode an
// entity such as "&amp;" or a whole tag.
type textUnit struct {
	s       string
	visible int
	open    bool
	close   bool
}

func tokenizeTelegramText(s string, html bool) []textUnit {
	out := make([]textUnit, 0, len(s))
	for i := 0; i < len(s); {
		if html {
			switch s[i] {
			case '<':
				if j := strings.IndexByte(s[i:], '>'); j > 0 {
					tag := s[i : i+j+1]
					closing := strings.HasPrefix(tag, "</")
					out = append(out, textUnit{s: tag, open: !closing && !strings.HasSuffix(tag, "/>"), close: closing})
					i += j + 1
					continue
				}
			case '&':
				if j := entityEnd(s[i:]); j > 0 {
					out = append(out, textUnit{s: s[i : i+j], visible: 1})
					i += j
					continue
				}
			}
		}
		_, n := utf8.DecodeRuneInString(s[i:])
		out = append(out, textUnit{s: s[i : i+n], visible: 1})
		i += n
	}
	return out
}

// entityEnd returns the length of the character reference at the start of s, or 0.
func entityEnd(s string) int {
	for i := 1; i < len(s) && i <= 10; i++ {
		c := s[i]
		switch {
		case c == ';':
			if i == 1 {
				return 0
			}
			return i + 1
		case c == '#' && i == 1:
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return 0
		}
	}
	return 0
}

// splitTelegramText splits long messages into chunks Telegram accepts. Length is
// counted the way Telegram counts it, after entity parsing, so in HTML mode tags
// are free and "&amp;" is one character. Chunks prefer newline boundaries and,
// for HTML, never cut inside a tag or entity and keep an element together when
// it fits.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	html := strings.EqualFold(parseMode, "HTML")
	us := tokenizeTelegramText(s, html)
	total := 0
	for _, u := range us {
		total += u.visible
	}
	if total <= limit {
		return []string{s}
	}

	out := make([]string, 0, (total+limit-1)/limit)
	start := 0
	for start < len(us) {
		end, w := start, 0
		for end < len(us) && w+us[end].visible <= limit {
			w += us[end].visible
			end++
		}

		if end < len(us) {
			acc := w
			for i := end - 1; i > start; i-- {
				acc -= us[i].visible
				if us[i].s == "\n" && acc >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if html && end < len(us) {
			depth, outer := 0, -1
			for i := start; i < end; i++ {
				switch {
				case us[i].open:
					if depth == 0 {
						outer = i
					}
					depth++
				case us[i].close && depth > 0:
					depth--
				}
			}
			if depth > 0 && outer > start {
				end = outer
			}
		}

		var b strings.Builder
		for _, u := range us[start:end] {
			b.WriteString(u.s)
		}
		out = append(out, strings.TrimRight(b.String(), "\n"))
		start = end
		for start < len(us) && us[start].s == "\n" {
			start++
		}
	}
	return out
}

// SendText sends text to a chat, splitting it when it exceeds Telegram's limit.
// Failures that mean the chat is gone for good are wrapped in kit.ErrUnreachable;
// a failure after the first part went out is wrapped in kit.ErrPartialSend.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	id, err := sendChunks(ctx, chunks, func(i int, chunk string) (int, error) {
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 && opt.ReplyTo != 0 {
			sendOpt.ReplyTo = &tele.Message{ID: opt.ReplyTo}
		}
		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return 0, err
		}
		return msg.ID, nil
	})
	if id == 0 {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, err
}

// sendChunks sends chunks in order and returns the first message ID.
func sendChunks(ctx context.Context, chunks []string, send func(i int, chunk string) (int, error)) (int, error) {
	first := 0
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			if i > 0 {
				return first, fmt.Errorf("%w: part %d of %d: %w", kit.ErrPartialSend, i+1, len(chunks), err)
			}
			return first, err
		}
		id, err := send(i, chunk)
		if err != nil {
			err = classifySendError(err)
			if i > 0 {
				return first, fmt.Errorf("%w: part %d of %d: %w", kit.ErrPartialSend, i+1, len(chunks), err)
			}
			return first, err
		}
		if i == 0 {
			first = id
		}
	}
	return first, nil
}

var unreachableErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrNotChannelMember,
	tele.ErrChatNotFound,
	tele.ErrNoRightsToSend,
}

// classifySendError maps permanent delivery failures onto kit.ErrUnreachable.
// Everything else (network, 5xx, flood control) is returned as is.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	for _, e := range unreachableErrors {
		if errors.Is(err, e) {
			return fmt.Errorf("%w: %v", kit.ErrUnreachable, err)
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "(403)") || strings.Contains(msg, "chat not found") || strings.Contains(msg, "user is deactivated") {
		return fmt.Errorf("%w: %v", kit.ErrUnreachable, err)
	}
	return err
}

// UpdateMenuCommands publishes the command menu (setMyCommands). It only calls
// Telegram when the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuHash(cmds)
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	if err := a.bot.SetCommands(out); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

func menuHash(cmds []kit.BotCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
