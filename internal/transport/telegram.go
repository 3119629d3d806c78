package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/liuscraft/safeword/internal/logging"
)

const (
	defaultTelegramBaseURL = "https://api.telegram.org"
	defaultTelegramTimeout = 20 * time.Second
	maxResponseBytes       = 1 << 20
	testMessageText        = "safeword test message: emergency alerts will be delivered to this chat."
)

var tracer = otel.Tracer("github.com/liuscraft/safeword/internal/transport")

type TelegramConfig struct {
	Token      string
	ChatID     string
	BaseURL    string
	Timeout    time.Duration
	LivePeriod int
	HTTPClient *http.Client
}

// Telegram sends alerts through the Telegram Bot API.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
}

type BotInfo struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: telegram bot token is empty", ErrAuth)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultTelegramBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTelegramTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		}
	}
	return &Telegram{cfg: cfg, client: client}, nil
}

func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(t.cfg.ChatID) == "" {
		return fmt.Errorf("%w: telegram chat id is empty", ErrAuth)
	}
	form := url.Values{}
	form.Set("chat_id", t.cfg.ChatID)
	form.Set("text", text)
	_, err := t.call(ctx, "sendMessage", form)
	return err
}

// SendLocation shares a live location when LivePeriod is set. Telegram's
// location messages carry no caption, so a static location with a caption is
// sent as a venue titled by the caption.
func (t *Telegram) SendLocation(ctx context.Context, lat, lon float64, caption string) error {
	if strings.TrimSpace(t.cfg.ChatID) == "" {
		return fmt.Errorf("%w: telegram chat id is empty", ErrAuth)
	}
	form := url.Values{}
	form.Set("chat_id", t.cfg.ChatID)
	form.Set("latitude", strconv.FormatFloat(lat, 'f', 6, 64))
	form.Set("longitude", strconv.FormatFloat(lon, 'f', 6, 64))

	method := "sendLocation"
	switch {
	case t.cfg.LivePeriod > 0:
		form.Set("live_period", strconv.Itoa(t.cfg.LivePeriod))
	case strings.TrimSpace(caption) != "":
		method = "sendVenue"
		form.Set("title", caption)
		form.Set("address", fmt.Sprintf("%.6f, %.6f", lat, lon))
	}
	_, err := t.call(ctx, method, form)
	return err
}

func (t *Telegram) GetMe(ctx context.Context) (BotInfo, error) {
	raw, err := t.call(ctx, "getMe", nil)
	if err != nil {
		return BotInfo{}, err
	}
	var info BotInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return BotInfo{}, fmt.Errorf("%w: decode getMe result: %v", ErrServerRejected, err)
	}
	return info, nil
}

// Validate checks the bot token and that a chat id is configured.
func (t *Telegram) Validate(ctx context.Context) (BotInfo, error) {
	info, err := t.GetMe(ctx)
	if err != nil {
		return BotInfo{}, err
	}
	if strings.TrimSpace(t.cfg.ChatID) == "" {
		return info, fmt.Errorf("%w: telegram chat id is empty", ErrAuth)
	}
	return info, nil
}

func (t *Telegram) SendTestMessage(ctx context.Context) error {
	return t.SendMessage(ctx, testMessageText)
}

func (t *Telegram) call(ctx context.Context, method string, form url.Values) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "telegram "+method)
	defer span.End()

	raw, err := t.do(ctx, method, form)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", KindOf(err).String()))
		logging.Warnf("telegram %s failed: %v", method, err)
		return nil, err
	}
	return raw, nil
}

func (t *Telegram) do(ctx context.Context, method string, form url.Values) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.cfg.BaseURL, t.cfg.Token, method)
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrNetwork, err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// the error text embeds the URL, which carries the token
		return nil, fmt.Errorf("%w: %s: %v", ErrNetwork, method, redact(err, t.cfg.Token))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	var parsed apiResponse
	decodeErr := json.Unmarshal(data, &parsed)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrAuth, describe(resp, parsed))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrServerRejected, describe(resp, parsed))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrServerRejected, decodeErr)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("%w: %s", ErrServerRejected, describe(resp, parsed))
	}
	return parsed.Result, nil
}

func describe(resp *http.Response, parsed apiResponse) string {
	if parsed.Description != "" {
		return fmt.Sprintf("%d %s", resp.StatusCode, parsed.Description)
	}
	return resp.Status
}

func redact(err error, token string) string {
	msg := err.Error()
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		msg = urlErr.Err.Error()
	}
	if token != "" {
		msg = strings.ReplaceAll(msg, token, "<token>")
	}
	return msg
}
