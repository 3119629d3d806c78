package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/liuscraft/safeword/internal/alert"
	"github.com/liuscraft/safeword/internal/keyword"
	"github.com/liuscraft/safeword/internal/location"
	"github.com/liuscraft/safeword/internal/logging"
	"github.com/liuscraft/safeword/internal/recognition"
	"github.com/liuscraft/safeword/internal/restart"
)

var (
	// ErrPrecondition is returned by Start when a required capability or
	// setting is missing.
	ErrPrecondition = errors.New("listener precondition not met")
	// ErrClosed is returned by Start after Close.
	ErrClosed       = errors.New("listener closed")
)

// Capabilities reports the OS permissions the listener depends on.
type Capabilities interface {
	MicrophoneGranted() bool
	LocationGranted() bool
}

// StaticCapabilities is a fixed permission set.
type StaticCapabilities struct {
	Microphone bool
	Location   bool
}

func (c StaticCapabilities) MicrophoneGranted() bool { return c.Microphone }
func (c StaticCapabilities) LocationGranted() bool   { return c.Location }

// WakeLock keeps the host awake while a session runs.
type WakeLock interface {
	Acquire() error
	Release()
}

// NopWakeLock is used when the host has no wake lock to hold.
type NopWakeLock struct{}

func (NopWakeLock) Acquire() error { return nil }
func (NopWakeLock) Release()       {}

// Dispatcher receives keyword matches. OnMatch must not block.
type Dispatcher interface {
	OnMatch(ctx context.Context, m alert.Match) bool
}

// LocationTracker is the part of location.Tracker the listener drives.
type LocationTracker interface {
	Start(ctx context.Context, permitted bool, onFix func(location.Fix)) error
	Stop() error
	Best() (location.Fix, bool)
}

type Config struct {
	Policy         restart.Policy
	HistorySize    int
	Locale         string
	PartialResults bool
	Now            func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Policy:         restart.DefaultPolicy(),
		HistorySize:    50,
		Locale:         "en-US",
		PartialResults: true,
	}
}

type Deps struct {
	Recognizer   recognition.Source
	Location     LocationTracker
	Dispatcher   Dispatcher
	Capabilities Capabilities
	WakeLock     WakeLock
}

// Controller runs listening sessions. All session state is owned by a single
// worker goroutine; public methods and source callbacks enqueue work onto it.
type Controller struct {
	cfg        Config
	recognizer recognition.Source
	locator    LocationTracker
	dispatcher Dispatcher
	caps       Capabilities
	wakeLock   WakeLock

	bus   *EventBus
	inbox *mailbox[func()]
	done  chan struct{}

	// worker-owned
	sm            *StateMachine
	session       Session
	dedupe        keyword.Deduper
	restarts      *restart.Tracker
	cycle         uint64
	generation    uint64
	restartSeq    uint64
	restartTimer  *time.Timer
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	stopAfter     func() bool
	armed         bool
	locating      bool
	wakeHeld      bool

	mu        sync.RWMutex
	published Session

	closeOnce sync.Once
}

func NewController(cfg Config, deps Deps) (*Controller, error) {
	if deps.Recognizer == nil {
		return nil, errors.New("listener requires a recognizer")
	}
	defaults := DefaultConfig()
	if cfg.Policy == (restart.Policy{}) {
		cfg.Policy = defaults.Policy
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.Locale == "" {
		cfg.Locale = defaults.Locale
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Capabilities == nil {
		deps.Capabilities = StaticCapabilities{Microphone: true}
	}
	if deps.WakeLock == nil {
		deps.WakeLock = NopWakeLock{}
	}

	c := &Controller{
		cfg:        cfg,
		recognizer: deps.Recognizer,
		locator:    deps.Location,
		dispatcher: deps.Dispatcher,
		caps:       deps.Capabilities,
		wakeLock:   deps.WakeLock,
		bus:        NewEventBus(),
		inbox:      newMailbox[func()](),
		done:       make(chan struct{}),
		sm:         NewStateMachine(),
	}
	go c.loop()
	return c, nil
}

func (c *Controller) loop() {
	defer close(c.done)
	c.inbox.run(func(fn func()) {
		fn()
		c.storeSnapshot()
	})
}

// post enqueues fn on the worker without waiting.
func (c *Controller) post(fn func()) bool {
	return c.inbox.push(fn)
}

// call runs fn on the worker and waits for its result.
func (c *Controller) call(fn func() error) error {
	res := make(chan error, 1)
	if !c.inbox.push(func() { res <- fn() }) {
		return ErrClosed
	}
	return <-res
}

func (c *Controller) storeSnapshot() {
	snap := c.session.clone()
	c.mu.Lock()
	c.published = snap
	c.mu.Unlock()
}

// Start begins a session with trigger. It is a no-op while a session is
// already running. ctx bounds the session: when it is done the session is
// stopped.
func (c *Controller) Start(ctx context.Context, trigger keyword.TriggerConfig) error {
	trigger.Keyword = keyword.Normalize(trigger.Keyword)
	return c.call(func() error {
		if c.running() {
			logging.Debugf("start ignored, session %s already running", c.session.ID)
			return nil
		}
		if !c.caps.MicrophoneGranted() {
			return fmt.Errorf("%w: microphone permission not granted", ErrPrecondition)
		}
		if trigger.Keyword == "" {
			return fmt.Errorf("%w: trigger word is empty", ErrPrecondition)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.start(ctx, trigger)
		return nil
	})
}

// Stop ends the current session. It is idempotent and safe in any state.
func (c *Controller) Stop() {
	if err := c.call(func() error {
		c.stop("stopped")
		return nil
	}); err != nil {
		logging.Debugf("stop after close: %v", err)
	}
}

// Close stops the session and shuts down the worker and the event bus.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.Stop()
		c.inbox.close()
		<-c.done
		c.bus.Close()
	})
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published.clone()
}

func (c *Controller) ClearHistory() {
	if err := c.call(func() error {
		c.session.History = nil
		return nil
	}); err != nil {
		logging.Debugf("clear history after close: %v", err)
	}
}

// Subscribe registers handler for listener notifications of the given types,
// or all of them when none are given.
func (c *Controller) Subscribe(handler EventHandler, types ...EventType) func() {
	return c.bus.Subscribe(handler, types...)
}

// OnAlertOutcome feeds a dispatch result back into the session. Outcomes
// from an earlier session are announced but do not touch counters.
func (c *Controller) OnAlertOutcome(rec alert.Record) {
	posted := c.post(func() {
		if rec.SessionID != "" && rec.SessionID == c.session.ID && c.session.Running {
			if rec.Outcome.Sent {
				c.session.AlertCount++
			} else {
				c.session.FailedAlertCount++
			}
		}
		now := c.cfg.Now()
		if rec.Outcome.Sent {
			c.bus.Publish(NewAlertSentEvent(rec, now))
		} else {
			c.bus.Publish(NewAlertFailedEvent(rec, now))
		}
	})
	if !posted {
		logging.Warnf("alert %s outcome arrived after close, notification dropped (sent=%v)", rec.ID, rec.Outcome.Sent)
	}
}

func (c *Controller) running() bool {
	switch c.sm.GetCurrentState() {
	case StateStarting, StateListening, StateProcessing:
		return true
	}
	return false
}

func (c *Controller) start(ctx context.Context, trigger keyword.TriggerConfig) {
	now := c.cfg.Now()
	c.generation++
	gen := c.generation

	id := logging.NewSessionID()
	logging.SetSessionID(id)
	c.session = Session{
		ID:        id,
		Running:   true,
		Trigger:   trigger,
		StartedAt: now,
	}
	c.dedupe.Reset()
	c.restarts = restart.NewTracker(c.cfg.Policy, now)
	c.sessionCtx, c.cancelSession = context.WithCancel(context.WithoutCancel(ctx))
	c.stopAfter = context.AfterFunc(ctx, func() {
		c.post(func() {
			if c.generation == gen {
				c.stop("session context done")
			}
		})
	})

	c.transition(StateStarting, "")
	logging.Infof("listening session started (trigger=%q, enabled=%v)", trigger.Keyword, trigger.Enabled)

	if err := c.wakeLock.Acquire(); err != nil {
		logging.Warnf("acquire wake lock: %v", err)
	} else {
		c.wakeHeld = true
	}

	if c.locator != nil {
		permitted := c.caps.LocationGranted()
		err := c.locator.Start(c.sessionCtx, permitted, func(location.Fix) {
			c.post(func() {
				if c.generation == gen {
					c.session.HasLocation = true
				}
			})
		})
		if err != nil {
			logging.Warnf("location updates unavailable: %v", err)
		}
		c.locating = permitted
		if _, ok := c.locator.Best(); ok {
			c.session.HasLocation = true
		}
	}

	c.arm()
}

// arm starts the next recognition cycle. Callers must be in Starting.
func (c *Controller) arm() {
	c.cycle++
	cycle := c.cycle
	gen := c.generation

	opts := recognition.ArmOptions{Locale: c.cfg.Locale, PartialResults: c.cfg.PartialResults}
	err := c.recognizer.Arm(c.sessionCtx, opts, func(ev recognition.Event) {
		c.post(func() { c.onRecognition(gen, cycle, ev) })
	})
	if err != nil {
		code := recognition.CodeClient
		if errors.Is(err, recognition.ErrBusy) {
			code = recognition.CodeRecognizerBusy
		}
		c.onRecognizerError(recognition.Event{Kind: recognition.EventError, Code: code, Err: err})
		return
	}
	c.armed = true
	c.transition(StateListening, "")
}

func (c *Controller) onRecognition(gen, cycle uint64, ev recognition.Event) {
	if gen != c.generation || cycle != c.cycle {
		logging.Debugf("dropping stale recognition event %s (cycle %d)", ev.Kind, cycle)
		return
	}
	if st := c.sm.GetCurrentState(); st != StateListening {
		logging.Debugf("dropping recognition event %s in state %s", ev.Kind, st)
		return
	}

	switch ev.Kind {
	case recognition.EventReady:
		logging.Debugf("recognizer ready (cycle %d)", cycle)
	case recognition.EventPartial:
		c.onTranscript(cycle, ev.Text, true)
	case recognition.EventFinal:
		c.armed = false
		c.transition(StateProcessing, "")
		c.onTranscript(cycle, ev.Text, false)
		c.scheduleRestart(c.restarts.Next(restart.ClassCompleted, c.cfg.Now()))
	case recognition.EventError:
		c.armed = false
		c.onRecognizerError(ev)
	}
}

func (c *Controller) onTranscript(cycle uint64, text string, partial bool) {
	now := c.cfg.Now()
	c.session.record(keyword.Transcript{
		Text:      text,
		IsPartial: partial,
		Utterance: cycle,
		Timestamp: now,
	}, c.cfg.HistorySize)

	trigger := c.session.Trigger
	matched := trigger.Armed() && keyword.Matches(text, trigger.Keyword)
	if matched && c.dedupe.Admit(cycle) {
		c.detect(cycle, text, partial, now)
	}

	if partial {
		c.bus.Publish(NewPartialTranscriptEvent(c.session.ID, text, cycle, now))
		return
	}
	c.bus.Publish(NewDetectionEvent(c.session.ID, text, cycle, matched, c.session.DetectionCount, now))
}

func (c *Controller) detect(cycle uint64, text string, partial bool, now time.Time) {
	c.session.DetectionCount++
	detection := logging.StartDetection(cycle)
	logging.Infof("trigger detected (detection=%d, partial=%v)", detection, partial)

	if c.dispatcher == nil {
		return
	}
	m := alert.Match{
		SessionID:  c.session.ID,
		Text:       text,
		Trigger:    c.session.Trigger.Keyword,
		Utterance:  cycle,
		Partial:    partial,
		DetectedAt: now,
	}
	if !c.dispatcher.OnMatch(c.sessionCtx, m) {
		logging.Warnf("alert for utterance %d not queued", cycle)
	}
}

func (c *Controller) onRecognizerError(ev recognition.Event) {
	c.transition(StateProcessing, "")

	class := restart.ClassSerious
	if ev.Code.Recoverable() {
		class = restart.ClassRecoverable
		logging.Debugf("recognizer %s, restarting", ev.Code)
	} else {
		logging.Warnf("recognizer error %s: %v", ev.Code, ev.Err)
	}

	d := c.restarts.Next(class, c.cfg.Now())
	c.session.RestartAttempts = d.Attempts
	if d.Halt {
		c.fail(fmt.Sprintf("recognizer failed %d times in a row (last error: %s)", d.Attempts, ev.Code))
		return
	}
	c.scheduleRestart(d)
}

func (c *Controller) scheduleRestart(d restart.Decision) {
	c.session.RestartAttempts = d.Attempts
	c.restartSeq++
	seq := c.restartSeq
	gen := c.generation

	c.restartTimer = time.AfterFunc(d.Delay, func() {
		c.post(func() { c.onRestartTimer(gen, seq) })
	})
}

func (c *Controller) onRestartTimer(gen, seq uint64) {
	if gen != c.generation || seq != c.restartSeq {
		return
	}
	c.restartTimer = nil
	if c.sm.GetCurrentState() != StateProcessing {
		return
	}
	c.session.LastRestartAt = c.cfg.Now()
	c.transition(StateStarting, "")
	c.arm()
}

// fail ends the session with reason after releasing its resources.
func (c *Controller) fail(reason string) {
	logging.Errorf("listening session failed: %s", reason)
	c.release()
	c.transition(StateFailed, reason)
}

func (c *Controller) stop(reason string) {
	st := c.sm.GetCurrentState()
	if st == StateIdle {
		return
	}
	c.release()
	c.transition(StateIdle, reason)
	logging.Infof("listening session stopped from %s", st)
}

// release frees every session resource exactly once and invalidates pending
// callbacks and timers.
func (c *Controller) release() {
	c.generation++
	c.session.Running = false

	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	if c.stopAfter != nil {
		c.stopAfter()
		c.stopAfter = nil
	}
	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
	}
	if c.armed {
		c.armed = false
		if err := c.recognizer.Cancel(); err != nil {
			logging.Warnf("cancel recognizer: %v", err)
		}
	}
	if c.locating {
		c.locating = false
		if err := c.locator.Stop(); err != nil {
			logging.Warnf("cancel location updates: %v", err)
		}
	}
	c.session.HasLocation = false
	if c.wakeHeld {
		c.wakeHeld = false
		c.wakeLock.Release()
	}
}

func (c *Controller) transition(to State, reason string) {
	from := c.sm.GetCurrentState()
	if !c.sm.Transition(to) {
		logging.Warnf("invalid listener transition %s -> %s", from, to)
		return
	}
	c.session.Status = to
	c.session.StatusReason = reason
	c.session.Listening = to == StateListening
	c.bus.Publish(NewStatusChangedEvent(from, to, reason, c.session.clone(), c.cfg.Now()))
}
