package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/config"
	kit "remindbot/internal/transport"
)

type sentMsg struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	mu    sync.Mutex
	out   chan<- kit.Update
	sent  []sentMsg
	menu  []kit.BotCommand
	stops int
	sentC chan struct{}
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{sentC: make(chan struct{}, 16)} }

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{to: to, text: text})
	n := len(f.sent)
	f.mu.Unlock()
	select {
	case f.sentC <- struct{}{}:
	default:
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: n}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Username() string { return "remind_test_bot" }

func (f *fakeAdapter) push(t *testing.T, m *kit.Message) {
	t.Helper()
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		t.Fatal("adapter not started")
	}
	out <- kit.Update{Kind: kit.UpdateMessage, Message: m}
}

func (f *fakeAdapter) snapshot() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeAdapter) waitFor(t *testing.T, substr string) sentMsg {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, m := range f.snapshot() {
			if strings.Contains(m.text, substr) {
				return m
			}
		}
		select {
		case <-f.sentC:
		case <-deadline:
			t.Fatalf("no message containing %q; sent=%v", substr, f.snapshot())
		}
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	states []string
}

func (n *fakeNotifier) record(s string) error {
	n.mu.Lock()
	n.states = append(n.states, s)
	n.mu.Unlock()
	return nil
}
func (n *fakeNotifier) Ready() error                    { return n.record("ready") }
func (n *fakeNotifier) Stopping() error                 { return n.record("stopping") }
func (n *fakeNotifier) Watchdog() error                 { return n.record("watchdog") }
func (n *fakeNotifier) WatchdogInterval() time.Duration { return 0 }

func testConfig(t *testing.T) (*config.Manager, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		Telegram:  config.TelegramConfig{Token: "123:test"},
		Logging:   config.LoggingConfig{Level: "error"},
		Reminders: config.RemindersConfig{SweepInterval: "1s", CommandWorkers: 1},
		Storage:   config.StorageConfig{Driver: "memory"},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := config.NewManager(path)
	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, loaded
}

func TestAppEndToEnd(t *testing.T) {
	cfgm, cfg := testConfig(t)
	ad := newFakeAdapter()
	a, err := build(cfgm, cfg, ad)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sd := &fakeNotifier{}
	a.notify = sd

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ad.push(t, &kit.Message{
		ID: 10, ChatID: 42, ChatType: kit.ChatPrivate,
		FromID: 42, FromFirstName: "Ada", Text: "/remind 1s stretch your legs",
	})
	conf := ad.waitFor(t, "set in this chat")
	if conf.to.ChatID != 42 {
		t.Fatalf("confirmation sent to %+v", conf.to)
	}
	fired := ad.waitFor(t, "stretch your legs")
	if fired.to.ChatID != 42 {
		t.Fatalf("reminder delivered to %+v", fired.to)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ad.mu.Lock()
	menuLen, stops := len(ad.menu), ad.stops
	ad.mu.Unlock()
	if menuLen == 0 {
		t.Fatal("command menu was never published")
	}
	if stops != 1 {
		t.Fatalf("adapter stopped %d times", stops)
	}
	sd.mu.Lock()
	states := strings.Join(sd.states, ",")
	sd.mu.Unlock()
	if states != "ready,stopping" {
		t.Fatalf("systemd states = %s", states)
	}
}

func TestApplyConfigUpdatesService(t *testing.T) {
	cfgm, cfg := testConfig(t)
	a, err := build(cfgm, cfg, newFakeAdapter())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })

	next := *cfg
	next.Reminders.EphemeralThreshold = "5m"
	next.Reminders.BatchSize = 7
	a.applyConfig(cfg, &next)

	got := a.svc.Config()
	if got.EphemeralThreshold != 5*time.Minute || got.BatchSize != 7 {
		t.Fatalf("service config = %+v", got)
	}
}

func TestStopBeforeStart(t *testing.T) {
	cfgm, cfg := testConfig(t)
	a, err := build(cfgm, cfg, newFakeAdapter())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })
	if err := a.Stop(context.Background(), StopUnknown); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed when never started")
	}
}
