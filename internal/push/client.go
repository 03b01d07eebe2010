package push

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/matheus3301/msgsync/internal/errs"
	"github.com/matheus3301/msgsync/internal/event"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/status"
	"go.uber.org/zap"
)

const (
	inboundChanSize = 64
	// jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2
)

// Config controls reconnection and liveness of the push channel.
type Config struct {
	URL               string
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int // consecutive failed dials before Stopped; 0 means unbounded
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReadLimit         int64
}

func (c *Config) setDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

// Conn abstracts the WebSocket connection so Client can be tested without
// a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens one connection authenticated with credential.
type DialFunc func(ctx context.Context, url, credential string) (Conn, error)

// Client maintains the push channel: it dials, reads frames, decodes them
// and hands them to the Dispatcher, and reconnects with backoff when the
// connection drops.
type Client struct {
	cfg        Config
	dispatcher *Dispatcher
	machine    *status.Machine
	dial       DialFunc
	logger     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	dropped atomic.Uint64
}

// NewClient creates a client. The machine receives every connection state
// change; register observers on it before calling Connect.
func NewClient(cfg Config, d *Dispatcher, m *status.Machine, logger *zap.Logger) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		dispatcher: d,
		machine:    m,
		logger:     logger,
	}
	c.dial = c.dialWebsocket
	return c
}

// SetDialer replaces the transport. Must be called before Connect.
func (c *Client) SetDialer(fn DialFunc) {
	c.dial = fn
}

// State returns the current connection state.
func (c *Client) State() status.ConnState {
	return c.machine.Current()
}

// Dropped returns how many frames were discarded as malformed.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Connect starts the connection loop. It returns immediately; progress is
// reported through state changes. Calling Connect while the loop is running
// is a no-op. After the client has Stopped, Connect starts a fresh loop.
func (c *Client) Connect(ctx context.Context, credential string) error {
	if c.cfg.URL == "" {
		return errors.New("push: url is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(ctx, credential, c.done)
	return nil
}

// Close stops the loop and waits for it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Client) transition(to status.ConnState) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("connection state not changed", zap.Error(err))
	}
	if to == status.Connected {
		metrics.PushConnected.Set(1)
	} else {
		metrics.PushConnected.Set(0)
	}
}

func (c *Client) run(ctx context.Context, credential string, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	failures := 0
	for {
		c.transition(status.Connecting)
		conn, err := c.dial(ctx, c.cfg.URL, credential)
		if err != nil {
			if ctx.Err() != nil {
				c.transition(status.Disconnected)
				return
			}
			failures++
			if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
				c.logger.Error("push channel stopped after repeated failures",
					zap.Int("attempts", failures), zap.Error(err))
				c.transition(status.Stopped)
				return
			}
			c.transition(status.Reconnecting)
			if !c.wait(ctx, failures-1) {
				c.transition(status.Disconnected)
				return
			}
			continue
		}

		failures = 0
		connLog := c.logger.With(zap.String("conn_id", uuid.NewString()))
		c.transition(status.Connected)
		connLog.Info("push channel connected", zap.String("url", c.cfg.URL))

		err = c.serve(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		if ctx.Err() != nil {
			c.transition(status.Disconnected)
			return
		}
		connLog.Warn("push channel lost, reconnecting", zap.Error(err))
		c.transition(status.Reconnecting)
		if !c.wait(ctx, 0) {
			c.transition(status.Disconnected)
			return
		}
	}
}

// Backoff returns the delay before reconnect attempt n (0-based): base
// doubled n times, capped at max, without jitter.
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	d := base
	for range n {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}

func (c *Client) wait(ctx context.Context, attempt int) bool {
	metrics.PushReconnects.Inc()
	delay := Backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)
	if n := int64(delay) / jitterDivisor; n > 0 {
		delay += time.Duration(rand.Int64N(n))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type inbound struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// serve reads frames until the connection fails or ctx is cancelled. A
// reader goroutine feeds the loop so heartbeats and reads interleave.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan inbound, inboundChanSize)
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inbound{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-ch:
			if msg.err != nil {
				return errs.Transport("push read", msg.err)
			}
			if msg.typ != websocket.MessageText {
				metrics.PushFramesDropped.WithLabelValues("binary").Inc()
				continue
			}
			c.handleFrame(ctx, msg.data)

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(connCtx, c.cfg.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return errs.Transport("push heartbeat", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	ev, err := event.DecodeFrame(data)
	if err != nil {
		var perr *errs.ProtocolError
		if errors.As(err, &perr) {
			c.dropped.Add(1)
			metrics.PushFramesDropped.WithLabelValues("protocol").Inc()
			c.logger.Warn("dropping malformed push frame", zap.Error(err))
			return
		}
		c.logger.Error("decode push frame", zap.Error(err))
		return
	}
	metrics.PushFrames.WithLabelValues(ev.Type()).Inc()

	if _, err := c.dispatcher.Dispatch(ctx, ev); err != nil {
		c.logger.Warn("push handler failed",
			zap.String("type", ev.Type()),
			zap.String("conversation_id", ev.Conversation()),
			zap.Error(err))
	}
}

func (c *Client) dialWebsocket(ctx context.Context, url, credential string) (Conn, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body
		HTTPHeader: header,
	})
	if err != nil {
		return nil, errs.Transport("push dial", fmt.Errorf("dial %s: %w", url, err))
	}
	conn.SetReadLimit(c.cfg.ReadLimit)
	return conn, nil
}
