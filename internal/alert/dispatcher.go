package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liuscraft/safeword/internal/location"
	"github.com/liuscraft/safeword/internal/logging"
	"github.com/liuscraft/safeword/internal/transport"
)

var tracer = otel.Tracer("github.com/liuscraft/safeword/internal/alert")

type Config struct {
	Template        string
	TimeLayout      string
	LocationCaption string
	SendTimeout     time.Duration
	QueueSize       int
	HistorySize     int
	Now             func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Template:        "EMERGENCY: I need help.\nTrigger: {trigger}\nTime: {time}\nLocation:\n{location}",
		TimeLayout:      "02/01/2006 15:04:05",
		LocationCaption: "Live location",
		SendTimeout:     30 * time.Second,
		QueueSize:       4,
		HistorySize:     50,
	}
}

// Match is a keyword hit handed to the dispatcher.
type Match struct {
	SessionID  string
	Text       string
	Trigger    string
	Utterance  uint64
	Partial    bool
	DetectedAt time.Time
}

type Outcome struct {
	Sent   bool
	Kind   transport.Kind
	Reason string
}

// Record is the immutable result of one dispatch.
type Record struct {
	ID           string
	SessionID    string
	Utterance    uint64
	TriggerText  string
	Partial      bool
	Location     *location.Fix
	Approximate  bool
	MessageBody  string
	StartedAt    time.Time
	SentAt       time.Time
	Outcome      Outcome
	LocationSent bool
}

// Locator supplies the best-effort location for an alert.
type Locator interface {
	BestEffort(ctx context.Context) location.Snapshot
}

type job struct {
	ctx   context.Context
	match Match
}

// Dispatcher turns matches into outbound alerts, one at a time.
type Dispatcher struct {
	cfg       Config
	transport transport.Transport
	locator   Locator
	template  *MessageTemplate

	dispatchMu sync.Mutex

	mu       sync.Mutex
	records  []Record
	handlers []func(Record)

	queueMu   sync.Mutex
	closed    bool
	queue     chan job
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewDispatcher(cfg Config, t transport.Transport, locator Locator) (*Dispatcher, error) {
	if t == nil {
		return nil, errors.New("alert transport is required")
	}
	defaults := DefaultConfig()
	if cfg.Template == "" {
		cfg.Template = defaults.Template
	}
	if cfg.TimeLayout == "" {
		cfg.TimeLayout = defaults.TimeLayout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	tpl, err := NewMessageTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		cfg:       cfg,
		transport: t,
		locator:   locator,
		template:  tpl,
		queue:     make(chan job, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the background dispatch worker.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.worker()
	})
}

// Close stops accepting matches, waits for the dispatch in progress and then
// sends every match still queued. Sends are bounded by SendTimeout.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		d.queueMu.Lock()
		d.closed = true
		d.queueMu.Unlock()
		close(d.stopCh)
	})
	d.wg.Wait()
	d.drain()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.queue:
			logging.Infof("dispatching queued alert for utterance %d before shutdown", j.match.Utterance)
			d.Dispatch(j.ctx, j.match)
		default:
			return
		}
	}
}

// OnOutcome registers a handler called with every record. Handlers run on
// the goroutine that dispatched the alert and must not block.
func (d *Dispatcher) OnOutcome(handler func(Record)) {
	d.mu.Lock()
	d.handlers = append(d.handlers, handler)
	d.mu.Unlock()
}

// OnMatch queues m without blocking. It returns false when the queue is full
// and the match was coalesced into the pending ones.
func (d *Dispatcher) OnMatch(ctx context.Context, m Match) bool {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if d.closed {
		logging.Warnf("alert dispatcher closed, dropping match for utterance %d", m.Utterance)
		return false
	}
	select {
	case d.queue <- job{ctx: ctx, match: m}:
		return true
	default:
		logging.Warnf("alert already pending, coalescing match for utterance %d", m.Utterance)
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case j := <-d.queue:
			d.Dispatch(j.ctx, j.match)
		}
	}
}

// Dispatch runs one alert end to end. Calls are serialized. ctx bounds the
// location lookup only; sends use a detached context limited by SendTimeout
// so an in-flight send outlives session cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, m Match) Record {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	ctx, span := tracer.Start(ctx, "dispatch alert")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("alert.utterance", int64(m.Utterance)),
		attribute.Bool("alert.partial", m.Partial),
	)

	rec := Record{
		ID:          uuid.NewString(),
		SessionID:   m.SessionID,
		Utterance:   m.Utterance,
		TriggerText: m.Text,
		Partial:     m.Partial,
		StartedAt:   d.cfg.Now(),
	}

	snap := location.Unavailable
	if d.locator != nil {
		snap = d.locator.BestEffort(ctx)
	}
	if snap.Available {
		fix := snap.Fix
		rec.Location = &fix
		rec.Approximate = snap.Approximate
	}
	span.SetAttributes(attribute.Bool("alert.location", snap.Available))

	body, err := d.template.Render(ctx, templateValues{
		Location:   snap.String(),
		Time:       rec.StartedAt.Format(d.cfg.TimeLayout),
		Trigger:    m.Trigger,
		Transcript: m.Text,
	})
	if err != nil {
		rec.Outcome = Outcome{Reason: fmt.Sprintf("render message: %v", err)}
		return d.finish(span, rec)
	}
	rec.MessageBody = body

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()

	if err := d.transport.SendMessage(sendCtx, body); err != nil {
		rec.Outcome = Outcome{Kind: transport.KindOf(err), Reason: err.Error()}
		return d.finish(span, rec)
	}
	rec.Outcome = Outcome{Sent: true}

	if snap.Available && snap.Permitted {
		if err := d.transport.SendLocation(sendCtx, snap.Fix.Lat, snap.Fix.Lon, d.cfg.LocationCaption); err != nil {
			logging.Warnf("alert %s: location follow-up failed: %v", rec.ID, err)
		} else {
			rec.LocationSent = true
		}
	}
	return d.finish(span, rec)
}

func (d *Dispatcher) finish(span trace.Span, rec Record) Record {
	rec.SentAt = d.cfg.Now()
	span.SetAttributes(attribute.Bool("alert.sent", rec.Outcome.Sent))
	if rec.Outcome.Sent {
		logging.Infof("alert %s sent (utterance=%d, location=%v)", rec.ID, rec.Utterance, rec.LocationSent)
	} else {
		span.SetStatus(codes.Error, rec.Outcome.Reason)
		logging.Errorf("alert %s failed (%s): %s", rec.ID, rec.Outcome.Kind, rec.Outcome.Reason)
	}

	d.mu.Lock()
	d.records = append(d.records, rec)
	if over := len(d.records) - d.cfg.HistorySize; over > 0 {
		d.records = append([]Record(nil), d.records[over:]...)
	}
	handlers := append([]func(Record){}, d.handlers...)
	d.mu.Unlock()

	for _, h := range handlers {
		h(rec)
	}
	return rec
}

// Records returns the bounded alert log, oldest first.
func (d *Dispatcher) Records() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

func (d *Dispatcher) ClearHistory() {
	d.mu.Lock()
	d.records = nil
	d.mu.Unlock()
}
