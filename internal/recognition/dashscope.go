package recognition

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liuscraft/safeword/internal/logging"
)

const (
	defaultDashScopeEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	defaultSpeechTimeout     = 8 * time.Second
	handshakeTimeout         = 10 * time.Second
)

// AudioReader is the capture device the recognizer pulls PCM frames from.
type AudioReader interface {
	Read(ctx context.Context) ([]byte, error)
}

type DashScopeConfig struct {
	APIKey        string
	Endpoint      string
	Model         string
	Format        string
	SampleRate    int
	SpeechTimeout time.Duration
}

// DashScope recognizes speech with the DashScope realtime websocket API.
// Audio is read continuously for the lifetime of the source and forwarded
// only to the armed cycle.
type DashScope struct {
	cfg    DashScopeConfig
	audio  AudioReader
	dialer *websocket.Dialer

	mu       sync.Mutex
	active   *cycle
	closed   bool
	audioErr error

	pumpOnce   sync.Once
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

func NewDashScope(cfg DashScopeConfig, audio AudioReader) (*DashScope, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("DASHSCOPE_API_KEY is required")
	}
	if audio == nil {
		return nil, errors.New("audio reader is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultDashScopeEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = "fun-asr-realtime"
	}
	if cfg.Format == "" {
		cfg.Format = "pcm"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SpeechTimeout <= 0 {
		cfg.SpeechTimeout = defaultSpeechTimeout
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	return &DashScope{
		cfg:        cfg,
		audio:      audio,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		pumpCtx:    pumpCtx,
		pumpCancel: pumpCancel,
		pumpDone:   make(chan struct{}),
	}, nil
}

func (d *DashScope) Arm(ctx context.Context, opts ArmOptions, handler func(Event)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.active != nil {
		d.mu.Unlock()
		return ErrBusy
	}
	c := newCycle(ctx, d, opts, handler)
	d.active = c
	audioErr := d.audioErr
	d.mu.Unlock()

	d.pumpOnce.Do(func() { go d.pump() })

	if audioErr != nil {
		go c.terminal(Event{Kind: EventError, Code: CodeAudio, Err: audioErr})
		return nil
	}
	go c.run()
	return nil
}

func (d *DashScope) Cancel() error {
	d.mu.Lock()
	c := d.active
	d.active = nil
	d.mu.Unlock()

	if c != nil {
		c.abort()
	}
	return nil
}

func (d *DashScope) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	_ = d.Cancel()
	d.pumpCancel()

	started := true
	d.pumpOnce.Do(func() { started = false })
	if started {
		<-d.pumpDone
	}
	return nil
}

func (d *DashScope) release(c *cycle) {
	d.mu.Lock()
	if d.active == c {
		d.active = nil
	}
	d.mu.Unlock()
}

func (d *DashScope) pump() {
	defer close(d.pumpDone)
	for {
		data, err := d.audio.Read(d.pumpCtx)
		if err != nil {
			if d.pumpCtx.Err() != nil {
				return
			}
			logging.Errorf("audio capture stopped: %v", err)
			d.mu.Lock()
			d.audioErr = err
			c := d.active
			d.mu.Unlock()
			if c != nil {
				c.terminal(Event{Kind: EventError, Code: CodeAudio, Err: err})
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		d.mu.Lock()
		c := d.active
		d.mu.Unlock()
		if c != nil {
			c.sendAudio(data)
		}
	}
}

type cycle struct {
	owner   *DashScope
	opts    ArmOptions
	handler func(Event)
	taskID  string
	ctx     context.Context
	cancel  context.CancelFunc

	writeMu sync.Mutex
	conn    *websocket.Conn
	started bool

	emitMu      sync.Mutex
	finished    bool
	lastPartial string
	timer       *time.Timer
}

func newCycle(parent context.Context, owner *DashScope, opts ArmOptions, handler func(Event)) *cycle {
	ctx, cancel := context.WithCancel(parent)
	return &cycle{
		owner:   owner,
		opts:    opts,
		handler: handler,
		taskID:  newTaskID(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *cycle) run() {
	conn, err := c.connect()
	if err != nil {
		c.terminal(dialFailure(c.ctx, err))
		return
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	// cancellation may have raced with the dial
	if c.ctx.Err() != nil {
		_ = conn.Close()
		return
	}

	if err := c.writeJSON(c.runTaskMessage()); err != nil {
		c.terminal(Event{Kind: EventError, Code: CodeNetwork, Err: err})
		return
	}
	// a server that accepts run-task and then stays silent must still end the cycle
	c.resetTimer()

	go func() {
		<-c.ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.terminal(Event{Kind: EventError, Code: CodeNetwork, Err: err})
			}
			return
		}
		var event eventMessage
		if err := json.Unmarshal(data, &event); err != nil {
			c.terminal(Event{Kind: EventError, Code: CodeServer, Err: fmt.Errorf("decode event: %w", err)})
			return
		}
		if c.handleEvent(event) {
			return
		}
	}
}

func (c *cycle) connect() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", c.owner.cfg.APIKey))
	conn, resp, err := c.owner.dialer.DialContext(c.ctx, c.owner.cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, &handshakeError{status: resp.StatusCode, err: err}
		}
		return nil, err
	}
	return conn, nil
}

func (c *cycle) handleEvent(event eventMessage) bool {
	switch event.Header.Event {
	case "task-started":
		c.writeMu.Lock()
		c.started = true
		c.writeMu.Unlock()
		c.emit(Event{Kind: EventReady})
		c.resetTimer()
	case "result-generated":
		if event.Payload.Output == nil || event.Payload.Output.Sentence == nil {
			return false
		}
		sentence := event.Payload.Output.Sentence
		if sentence.Heartbeat || strings.TrimSpace(sentence.Text) == "" {
			return false
		}
		if sentence.SentenceEnd {
			c.terminal(Event{Kind: EventFinal, Text: sentence.Text})
			return true
		}
		c.emitPartial(sentence.Text)
		c.resetTimer()
	case "task-finished":
		c.emitMu.Lock()
		pending := c.lastPartial
		c.emitMu.Unlock()
		if pending != "" {
			c.terminal(Event{Kind: EventFinal, Text: pending})
		} else {
			c.terminal(Event{Kind: EventError, Code: CodeNoMatch})
		}
		return true
	case "task-failed":
		code := taskFailureCode(event.Header.ErrorCode)
		msg := event.Header.ErrorMessage
		if msg == "" {
			msg = "task failed"
		}
		c.terminal(Event{Kind: EventError, Code: code, Err: fmt.Errorf("%s: %s", event.Header.ErrorCode, msg)})
		return true
	}
	return false
}

func (c *cycle) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.finished {
		return
	}
	c.handler(ev)
}

func (c *cycle) emitPartial(text string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.finished {
		return
	}
	c.lastPartial = text
	if c.opts.PartialResults {
		c.handler(Event{Kind: EventPartial, Text: text})
	}
}

// terminal delivers the single terminal event of the cycle and tears the
// connection down.
func (c *cycle) terminal(ev Event) {
	c.emitMu.Lock()
	if c.finished {
		c.emitMu.Unlock()
		return
	}
	c.finished = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.owner.release(c)
	c.handler(ev)
	c.emitMu.Unlock()

	c.finish()
}

// abort ends the cycle without delivering further events.
func (c *cycle) abort() {
	c.emitMu.Lock()
	c.finished = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.emitMu.Unlock()
	c.cancel()
}

func (c *cycle) finish() {
	c.writeMu.Lock()
	started := c.started
	c.writeMu.Unlock()
	if started {
		_ = c.writeJSON(c.finishTaskMessage())
	}
	c.cancel()
}

func (c *cycle) resetTimer() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.finished {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.owner.cfg.SpeechTimeout, c.onSpeechTimeout)
}

func (c *cycle) onSpeechTimeout() {
	c.writeMu.Lock()
	started := c.started
	c.writeMu.Unlock()
	if !started {
		err := fmt.Errorf("no task-started within %s", c.owner.cfg.SpeechTimeout)
		c.terminal(Event{Kind: EventError, Code: CodeNetworkTimeout, Err: err})
		return
	}

	c.emitMu.Lock()
	heard := c.lastPartial != ""
	c.emitMu.Unlock()
	if heard {
		c.terminal(Event{Kind: EventError, Code: CodeNoMatch})
		return
	}
	c.terminal(Event{Kind: EventError, Code: CodeSpeechTimeout})
}

func (c *cycle) sendAudio(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.started || c.conn == nil || c.ctx.Err() != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		logging.Debugf("dashscope audio write failed: %v", err)
	}
}

func (c *cycle) writeJSON(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errors.New("recognizer not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *cycle) runTaskMessage() taskMessage {
	cfg := c.owner.cfg
	params := map[string]any{
		"format":      cfg.Format,
		"sample_rate": cfg.SampleRate,
	}
	if lang := languageHint(c.opts.Locale); lang != "" {
		params["language_hints"] = []string{lang}
	}
	return taskMessage{
		Header: taskHeader{
			Action:    "run-task",
			TaskID:    c.taskID,
			Streaming: "duplex",
		},
		Payload: taskPayload{
			TaskGroup:  "audio",
			Task:       "asr",
			Function:   "recognition",
			Model:      cfg.Model,
			Parameters: params,
			Input:      map[string]any{},
		},
	}
}

func (c *cycle) finishTaskMessage() taskMessage {
	return taskMessage{
		Header: taskHeader{
			Action:    "finish-task",
			TaskID:    c.taskID,
			Streaming: "duplex",
		},
		Payload: taskPayload{
			Input: map[string]any{},
		},
	}
}

type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("handshake status %d: %v", e.status, e.err)
}

func (e *handshakeError) Unwrap() error {
	return e.err
}

func dialFailure(ctx context.Context, err error) Event {
	var hs *handshakeError
	switch {
	case errors.As(err, &hs) && (hs.status == http.StatusUnauthorized || hs.status == http.StatusForbidden):
		return Event{Kind: EventError, Code: CodeInsufficientPermissions, Err: err}
	case errors.As(err, &hs) && hs.status == http.StatusTooManyRequests:
		return Event{Kind: EventError, Code: CodeRecognizerBusy, Err: err}
	case errors.As(err, &hs) && hs.status >= 500:
		return Event{Kind: EventError, Code: CodeServer, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return Event{Kind: EventError, Code: CodeNetworkTimeout, Err: err}
	default:
		return Event{Kind: EventError, Code: CodeNetwork, Err: err}
	}
}

func taskFailureCode(code string) ErrorCode {
	switch {
	case strings.Contains(code, "Throttling"):
		return CodeRecognizerBusy
	case strings.Contains(code, "InvalidApiKey"), strings.Contains(code, "AccessDenied"):
		return CodeInsufficientPermissions
	case strings.Contains(code, "InvalidParameter"):
		return CodeClient
	default:
		return CodeServer
	}
}

func languageHint(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return ""
	}
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return strings.ToLower(locale)
}

type taskMessage struct {
	Header  taskHeader  `json:"header"`
	Payload taskPayload `json:"payload"`
}

type taskHeader struct {
	Action       string `json:"action,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	Streaming    string `json:"streaming,omitempty"`
	Event        string `json:"event,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type taskPayload struct {
	TaskGroup  string         `json:"task_group,omitempty"`
	Task       string         `json:"task,omitempty"`
	Function   string         `json:"function,omitempty"`
	Model      string         `json:"model,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Input      map[string]any `json:"input"`
	Output     *taskOutput    `json:"output,omitempty"`
}

type eventMessage struct {
	Header  taskHeader  `json:"header"`
	Payload taskPayload `json:"payload"`
}

type taskOutput struct {
	Sentence *taskSentence `json:"sentence,omitempty"`
}

type taskSentence struct {
	BeginTime   int64  `json:"begin_time"`
	EndTime     *int64 `json:"end_time"`
	Text        string `json:"text"`
	Heartbeat   bool   `json:"heartbeat"`
	SentenceEnd bool   `json:"sentence_end"`
}

func newTaskID() string {
	var bytes [16]byte
	if _, err := rand.Read(bytes[:]); err != nil {
		return "fallback-task-id"
	}
	return hex.EncodeToString(bytes[:])
}
