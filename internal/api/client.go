package api

import (
	"bytes"
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

	"github.com/avast/retry-go/v4"
	"github.com/matheus3301/msgsync/internal/errs"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/model"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config configures the HTTP backend client.
type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RetryAttempts   uint
	RetryDelay      time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client implements Backend over JSON/HTTP. All calls share one circuit
// breaker; idempotent calls are additionally retried.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	retry   []retry.Option
	logger  *zap.Logger
}

// NewClient creates a backend client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "backend",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A rejection means the backend is up; only transport failures trip.
		IsSuccessful: func(err error) bool {
			var rej *errs.ServerRejection
			return err == nil || errors.As(err, &rej)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.retry = []retry.Option{
		retry.Attempts(cfg.RetryAttempts),
		retry.Delay(cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errs.IsRetriable),
	}
	return c
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (model.Message, error) {
	if req.MessageType == "" {
		req.MessageType = "text"
	}
	var m model.Message
	path := "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	if err := c.call(ctx, "send_message", http.MethodPost, path, req, &m); err != nil {
		return model.Message{}, err
	}
	return normalize(m, req), nil
}

func (c *Client) SendMessageWithAttachment(ctx context.Context, req SendRequest) (model.Message, error) {
	if req.Attachment == nil {
		return model.Message{}, &errs.ServerRejection{Op: "send_attachment", Code: http.StatusBadRequest, Reason: "attachment is required"}
	}
	if req.MessageType == "" {
		req.MessageType = string(req.Attachment.Kind)
	}
	var m model.Message
	path := "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	if err := c.call(ctx, "send_attachment", http.MethodPost, path, req, &m); err != nil {
		return model.Message{}, err
	}
	return normalize(m, req), nil
}

func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.withRetry(ctx, "mark_read", func() error {
		return c.call(ctx, "mark_read", http.MethodPost, path, nil, nil)
	})
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) (ReactionResult, error) {
	var res ReactionResult
	path := "/messages/" + url.PathEscape(messageID) + "/reactions"
	body := map[string]string{"emoji": emoji}
	if err := c.call(ctx, "add_reaction", http.MethodPost, path, body, &res); err != nil {
		return ReactionResult{}, err
	}
	return res, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := "/messages/" + url.PathEscape(messageID)
	return c.withRetry(ctx, "delete_message", func() error {
		err := c.call(ctx, "delete_message", http.MethodDelete, path, nil, nil)
		// Already gone is what we wanted.
		var rej *errs.ServerRejection
		if errors.As(err, &rej) && (rej.Code == http.StatusNotFound || rej.Code == http.StatusGone) {
			return nil
		}
		return err
	})
}

func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	opts := append([]retry.Option{
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying backend call",
				zap.String("op", op), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	}, c.retry...)
	return retry.Do(fn, opts...)
}

// call runs one request through the circuit breaker and maps the outcome
// onto the error taxonomy.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, op, method, path, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.BackendRequests.WithLabelValues(op, "breaker_open").Inc()
		return errs.Transport(op, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.BackendRequests.WithLabelValues(op, "error").Inc()
		return errs.Transport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.BackendRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Transport(op, fmt.Errorf("read response: %w", err))
	}
	if err := classify(op, resp.StatusCode, data); err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &errs.ServerRejection{Op: op, Code: resp.StatusCode, Reason: "malformed response: " + err.Error(), Retriable: true}
		}
	}
	return nil
}

// nonRetriable are rejections a retry cannot fix.
var nonRetriable = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusForbidden:             true,
	http.StatusNotFound:              true,
	http.StatusGone:                  true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnprocessableEntity:   true,
}

func classify(op string, code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return errs.Transport(op, fmt.Errorf("status %d: %s", code, reason(body)))
	default:
		return &errs.ServerRejection{
			Op:        op,
			Code:      code,
			Reason:    reason(body),
			Retriable: !nonRetriable[code],
		}
	}
}

func reason(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// normalize fills fields the backend may omit from its response.
func normalize(m model.Message, req SendRequest) model.Message {
	if m.ConversationID == "" {
		m.ConversationID = req.ConversationID
	}
	if m.TempID == "" {
		m.TempID = req.ClientTempID
	}
	if m.Content == "" {
		m.Content = req.Content
	}
	if m.ReplyToID == "" {
		m.ReplyToID = req.ReplyToID
	}
	if m.Attachment == nil && req.Attachment != nil {
		a := *req.Attachment
		m.Attachment = &a
	}
	return m
}
