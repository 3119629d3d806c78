package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/liuscraft/safeword/internal/config"
	"github.com/liuscraft/safeword/internal/keyword"
	"github.com/liuscraft/safeword/internal/listener"
	"github.com/liuscraft/safeword/internal/recognition"
	"github.com/liuscraft/safeword/internal/store"
	"github.com/liuscraft/safeword/internal/transport"
)

type fixture struct {
	app   *App
	cfg   *config.AppConfig
	store *store.Store
	rec   *fakeRecognizer
	tr    *fakeTransport
}

func newFixture(t *testing.T, mutate func(*config.AppConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Trigger.Keyword = "alerta"
	cfg.Listener.FastRestartMs = 1
	cfg.Listener.BaseBackoffMs = 1
	cfg.Listener.MaxBackoffMs = 2
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(afero.NewMemMapFs(), cfg.Store.Path, cfg.Listener.HistorySize)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	f := &fixture{cfg: cfg, store: st, rec: &fakeRecognizer{}, tr: &fakeTransport{}}
	a, err := New(Options{
		Config:       cfg,
		Store:        st,
		Recognizer:   f.rec,
		Location:     StaticLocationSource(cfg),
		Transport:    f.tr,
		Capabilities: listener.StaticCapabilities{Microphone: true, Location: true},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.app = a
	t.Cleanup(a.Close)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartUsesStoredTrigger(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.app.SetTriggerWord("Socorro"); err != nil {
		t.Fatalf("SetTriggerWord() error = %v", err)
	}

	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := f.app.Snapshot().Trigger.Keyword; got != "socorro" {
		t.Fatalf("expected stored trigger, got %q", got)
	}
}

func TestStartFallsBackToConfiguredTrigger(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := f.app.Snapshot().Trigger.Keyword; got != "alerta" {
		t.Fatalf("expected configured trigger, got %q", got)
	}
}

func TestStartWithoutTrigger(t *testing.T) {
	f := newFixture(t, func(c *config.AppConfig) { c.Trigger.Keyword = "" })
	if err := f.app.Start(context.Background()); !errors.Is(err, listener.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestSetTriggerWordRejectsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.app.SetTriggerWord("  "); !errors.Is(err, keyword.ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
}

func TestTriggerChangeAppliesOnNextStart(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.app.SetTriggerWord("socorro"); err != nil {
		t.Fatal(err)
	}
	if got := f.app.Snapshot().Trigger.Keyword; got != "alerta" {
		t.Fatalf("running session must keep its trigger, got %q", got)
	}

	f.app.Stop()
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.app.Snapshot().Trigger.Keyword; got != "socorro" {
		t.Fatalf("expected new trigger after restart, got %q", got)
	}
}

func TestAlertIsSentAndPersisted(t *testing.T) {
	f := newFixture(t, func(c *config.AppConfig) {
		c.Location.Static = config.StaticLocation{Enabled: true, Lat: 40.4168, Lon: -3.7038, Accuracy: 12, Provider: "fixed"}
	})
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.rec.emit(recognition.Event{Kind: recognition.EventFinal, Text: "necesito alerta ahora"})

	waitFor(t, "persisted alert", func() bool {
		history, _ := f.app.AlertHistory()
		return len(history) == 1
	})
	history, _ := f.app.AlertHistory()
	if !history[0].Sent || !history[0].HasLocation || history[0].TriggerText != "necesito alerta ahora" {
		t.Fatalf("unexpected entry %+v", history[0])
	}

	messages, locations := f.tr.sent()
	if len(messages) != 1 || !strings.Contains(messages[0], "alerta") || !strings.Contains(messages[0], "Lat: 40.416800") {
		t.Fatalf("unexpected messages %q", messages)
	}
	if len(locations) != 1 || locations[0].caption != "Live location" {
		t.Fatalf("expected location follow-up, got %+v", locations)
	}
	waitFor(t, "alert count", func() bool { return f.app.Snapshot().AlertCount == 1 })
}

func TestFailedAlertIsPersisted(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.err = transport.ErrAuth
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.rec.emit(recognition.Event{Kind: recognition.EventFinal, Text: "alerta"})

	waitFor(t, "failed alert", func() bool {
		history, _ := f.app.AlertHistory()
		return len(history) == 1
	})
	history, _ := f.app.AlertHistory()
	if history[0].Sent || history[0].FailureKind != "auth" {
		t.Fatalf("unexpected entry %+v", history[0])
	}
	if !f.app.Snapshot().Running {
		t.Fatalf("session should keep running")
	}
}

func TestResumeStateTracksSession(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running flag", func() bool {
		st, _ := f.app.WasRunning()
		return st.Running && !st.StartedAt.IsZero()
	})

	f.app.Stop()
	waitFor(t, "cleared flag", func() bool {
		st, _ := f.app.WasRunning()
		return !st.Running
	})
}

func TestResumeStateDoesNotRearm(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := config.DefaultConfig()
	cfg.Trigger.Keyword = "alerta"
	st, err := store.Open(fsys, cfg.Store.Path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetResumeState(store.ResumeState{Running: true, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	rec := &fakeRecognizer{}
	a, err := New(Options{Config: cfg, Store: st, Recognizer: rec, Transport: &fakeTransport{}})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if was, _ := a.WasRunning(); !was.Running {
		t.Fatalf("expected resume indicator")
	}
	if rec.arms() != 0 || a.Snapshot().Running {
		t.Fatalf("resume indicator must not start listening")
	}
}

func TestClearHistory(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.rec.emit(recognition.Event{Kind: recognition.EventFinal, Text: "alerta"})
	waitFor(t, "alert", func() bool {
		history, _ := f.app.AlertHistory()
		return len(history) == 1
	})

	if err := f.app.ClearHistory(); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	history, _ := f.app.AlertHistory()
	if len(history) != 0 || len(f.app.Snapshot().History) != 0 {
		t.Fatalf("expected all history cleared")
	}
}

func TestCloseAnnouncesAlertInFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.delay = 50 * time.Millisecond

	var mu sync.Mutex
	var sent []*listener.AlertSentEvent
	f.app.Subscribe(func(e listener.Event) {
		if ev, ok := e.(*listener.AlertSentEvent); ok {
			mu.Lock()
			sent = append(sent, ev)
			mu.Unlock()
		}
	}, listener.EventTypeAlertSent)

	if err := f.app.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.rec.emit(recognition.Event{Kind: recognition.EventFinal, Text: "alerta"})
	f.app.Close()

	mu.Lock()
	got := len(sent)
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected the in-flight alert announced before close returns, got %d events", got)
	}
	history, _ := f.app.AlertHistory()
	if len(history) != 1 || !history[0].Sent {
		t.Fatalf("expected the alert persisted, got %+v", history)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without config")
	}
	st, _ := store.Open(afero.NewMemMapFs(), "s.json", 0)
	if _, err := New(Options{Config: config.DefaultConfig(), Store: st}); err == nil {
		t.Fatalf("expected error without transport")
	}
}

func TestTelegramConfigPrefersStoredRecipient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Telegram.BotToken = "file-token"
	cfg.Telegram.ChatID = "1"

	if got := TelegramConfig(cfg, store.Recipient{}); got.Token != "file-token" || got.ChatID != "1" {
		t.Fatalf("expected config recipient, got %+v", got)
	}
	got := TelegramConfig(cfg, store.Recipient{Token: "stored", ChatID: "2"})
	if got.Token != "stored" || got.ChatID != "2" || got.Timeout != 20*time.Second {
		t.Fatalf("expected stored recipient, got %+v", got)
	}
}

func TestListenerConfigFromAppConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	lc := ListenerConfig(cfg)
	if lc.Policy.FastDelay != 500*time.Millisecond || lc.Policy.MaxAttempts != 5 || lc.Policy.ResetWindow != 30*time.Second {
		t.Fatalf("unexpected policy %+v", lc.Policy)
	}
	if StaticLocationSource(cfg) != nil {
		t.Fatalf("static location is off by default")
	}
}
