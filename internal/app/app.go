package app

import (
	"context"
	"errors"

	"github.com/liuscraft/safeword/internal/alert"
	"github.com/liuscraft/safeword/internal/config"
	"github.com/liuscraft/safeword/internal/keyword"
	"github.com/liuscraft/safeword/internal/listener"
	"github.com/liuscraft/safeword/internal/location"
	"github.com/liuscraft/safeword/internal/logging"
	"github.com/liuscraft/safeword/internal/recognition"
	"github.com/liuscraft/safeword/internal/store"
	"github.com/liuscraft/safeword/internal/transport"
)

// Options are the collaborators an App is assembled from.
type Options struct {
	Config       *config.AppConfig
	Store        *store.Store
	Recognizer   recognition.Source
	Location     location.Source
	Transport    transport.Transport
	Capabilities listener.Capabilities
	WakeLock     listener.WakeLock
}

// App is the control surface over one listener: start, stop, trigger word,
// history and snapshots.
type App struct {
	cfg        *config.AppConfig
	store      *store.Store
	dispatcher *alert.Dispatcher
	controller *listener.Controller
	unsubs     []func()
}

func New(opts Options) (*App, error) {
	if opts.Config == nil || opts.Store == nil {
		return nil, errors.New("app requires config and store")
	}
	if opts.Transport == nil {
		return nil, errors.New("app requires a transport")
	}

	tracker := location.NewTracker(opts.Location, TrackerConfig(opts.Config))

	dispatcher, err := alert.NewDispatcher(AlertConfig(opts.Config), opts.Transport, tracker)
	if err != nil {
		return nil, err
	}

	controller, err := listener.NewController(ListenerConfig(opts.Config), listener.Deps{
		Recognizer:   opts.Recognizer,
		Location:     tracker,
		Dispatcher:   dispatcher,
		Capabilities: opts.Capabilities,
		WakeLock:     opts.WakeLock,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        opts.Config,
		store:      opts.Store,
		dispatcher: dispatcher,
		controller: controller,
	}
	dispatcher.OnOutcome(a.onAlertOutcome)
	a.unsubs = append(a.unsubs, controller.Subscribe(a.onStatusChanged, listener.EventTypeStatusChanged))
	dispatcher.Start()
	return a, nil
}

// Start begins listening with the stored trigger word, falling back to the
// configured one.
func (a *App) Start(ctx context.Context) error {
	word, err := a.store.TriggerWord()
	if err != nil {
		return err
	}
	if word == "" {
		word = a.cfg.Trigger.Keyword
	}
	return a.controller.Start(ctx, keyword.TriggerConfig{
		Keyword: word,
		Enabled: a.cfg.Trigger.Enabled,
	})
}

func (a *App) Stop() {
	a.controller.Stop()
}

// SetTriggerWord validates and saves word. A running session keeps its
// trigger until the next start.
func (a *App) SetTriggerWord(word string) (string, error) {
	return a.store.SetTriggerWord(word)
}

func (a *App) ClearHistory() error {
	a.controller.ClearHistory()
	a.dispatcher.ClearHistory()
	return a.store.ClearHistory()
}

func (a *App) Snapshot() listener.Session {
	return a.controller.Snapshot()
}

func (a *App) AlertHistory() ([]store.AlertEntry, error) {
	return a.store.AlertHistory()
}

// WasRunning reports the persisted resume indicator. It never re-arms the
// listener on its own.
func (a *App) WasRunning() (store.ResumeState, error) {
	return a.store.ResumeState()
}

func (a *App) Subscribe(handler listener.EventHandler, types ...listener.EventType) func() {
	return a.controller.Subscribe(handler, types...)
}

// Close stops the session and waits for background work. Alerts already
// detected are sent and announced before the listener shuts down.
func (a *App) Close() {
	a.controller.Stop()
	a.dispatcher.Close()
	a.controller.Close()
	for _, unsub := range a.unsubs {
		unsub()
	}
}

func (a *App) onAlertOutcome(rec alert.Record) {
	a.controller.OnAlertOutcome(rec)
	if err := a.store.AppendAlert(rec); err != nil {
		logging.Warnf("persist alert %s: %v", rec.ID, err)
	}
}

func (a *App) onStatusChanged(e listener.Event) {
	ev, ok := e.(*listener.StatusChangedEvent)
	if !ok {
		return
	}
	var state store.ResumeState
	switch ev.NewState {
	case listener.StateStarting:
		if ev.OldState == listener.StateProcessing {
			return
		}
		state = store.ResumeState{Running: true, StartedAt: ev.Session.StartedAt}
	case listener.StateIdle, listener.StateFailed:
	default:
		return
	}
	if err := a.store.SetResumeState(state); err != nil {
		logging.Warnf("save resume state: %v", err)
	}
}
