// Package scaleclient keeps a consumer's view of the scale fresh. It
// prefers the server's WebSocket push channel and degrades transparently to
// polling GET /api/weight/latest when the push channel is unavailable.
// Consumers receive every reading through one channel and cannot tell which
// transport delivered it.
package scaleclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"craftscale/scale-server/internal/model"
)

// State is the synchronizer's connection state.
type State int

const (
	// StateConnecting covers the initial fetch and first dial.
	StateConnecting State = iota
	// StateLive means the push channel is delivering readings.
	StateLive
	// StateDegraded means readings arrive via interval polling.
	StateDegraded
	// StateOffline means the failure threshold was crossed; the server is
	// considered unreachable until a poll succeeds.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Update is one observed reading, whichever transport carried it.
type Update struct {
	Weight      float64
	RawValue    float64
	Timestamp   time.Time
	Calibration model.Calibration
}

const (
	defaultPollInterval   = 2 * time.Second
	defaultRequestTimeout = 2 * time.Second
	defaultDialAttempts   = 3
	defaultDialBackoff    = time.Second

	offlineThreshold = 3
	liveReadWait     = 90 * time.Second
	updateBuffer     = 8
)

// Options tune the synchronizer. Zero values take the documented defaults.
type Options struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	DialAttempts   int
	DialBackoff    time.Duration
	Logger         *slog.Logger
	// OnState is invoked (from the synchronizer goroutine) on every state
	// transition.
	OnState func(State)
}

// Client is the reading synchronizer. Construct with New, consume Updates,
// and Close when done; nothing outlives Close.
type Client struct {
	baseURL string
	wsURL   string
	opts    Options
	httpc   *http.Client
	logger  *slog.Logger

	updates chan Update

	mu       sync.Mutex
	state    State
	failures int

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a synchronizer against baseURL (e.g. "http://scale.local:3000").
func New(baseURL string, opts Options) (*Client, error) {
	wsURL, err := pushURL(baseURL)
	if err != nil {
		return nil, err
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = defaultDialAttempts
	}
	if opts.DialBackoff <= 0 {
		opts.DialBackoff = defaultDialBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		baseURL: baseURL,
		wsURL:   wsURL,
		opts:    opts,
		httpc:   &http.Client{Timeout: opts.RequestTimeout},
		logger:  opts.Logger,
		updates: make(chan Update, updateBuffer),
		state:   StateConnecting,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go c.run(ctx)
	return c, nil
}

func pushURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

// Updates delivers every observed reading. The channel is buffered; if the
// consumer falls behind, intermediate readings are skipped.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears down the push channel and any polling timer and waits for the
// synchronizer goroutine to exit.
func (c *Client) Close() {
	c.cancel()
	<-c.done
	c.httpc.CloseIdleConnections()
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	// Initialize consumer state without waiting for the push handshake.
	c.pollOnce(ctx)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer func() { ticker.Stop() }()

	dials := 0
	var redial <-chan time.Time = closedTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			c.pollOnce(ctx)

		case <-redial:
			redial = nil
			dials++

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
			if err != nil {
				c.logger.Debug("push channel dial failed", "attempt", dials, "error", err)
				if c.State() != StateOffline {
					c.setState(StateDegraded)
				}
			} else {
				ticker.Stop()
				c.setState(StateLive)
				c.readLive(ctx, conn)
				if ctx.Err() != nil {
					return
				}
				c.setState(StateDegraded)
				ticker = time.NewTicker(c.opts.PollInterval)
			}

			if dials < c.opts.DialAttempts {
				redial = time.After(c.opts.DialBackoff)
			} else {
				// Polling carries the rest of this session.
				c.logger.Info("push channel unavailable, polling for session lifetime")
			}
		}
	}
}

// closedTimer returns an already-fired timer channel so the first dial
// happens immediately.
func closedTimer() <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// readLive consumes push frames until the connection drops or ctx ends.
func (c *Client) readLive(ctx context.Context, conn *websocket.Conn) {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopped:
		}
	}()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(liveReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(liveReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("push channel closed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(liveReadWait))

		var frame struct {
			Event string             `json:"event"`
			Data  model.WeightUpdate `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event != "weight:update" {
			continue
		}

		c.markSuccess(StateLive)
		c.deliver(Update{
			Weight:      frame.Data.Weight,
			RawValue:    frame.Data.RawValue,
			Timestamp:   frame.Data.Timestamp,
			Calibration: frame.Data.Calibration,
		})
	}
}

// pollOnce fetches the latest reading over HTTP and applies the online /
// offline bookkeeping.
func (c *Client) pollOnce(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/weight/latest", nil)
	if err != nil {
		c.markFailure()
		return
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.markFailure()
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		c.markFailure()
		return
	}

	var payload struct {
		Weight      float64           `json:"weight"`
		RawValue    float64           `json:"raw_value"`
		Timestamp   time.Time         `json:"timestamp"`
		Calibration model.Calibration `json:"calibration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.markFailure()
		return
	}

	c.markSuccess(StateDegraded)
	c.deliver(Update{
		Weight:      payload.Weight,
		RawValue:    payload.RawValue,
		Timestamp:   payload.Timestamp,
		Calibration: payload.Calibration,
	})
}

func (c *Client) deliver(u Update) {
	select {
	case c.updates <- u:
	default:
		// consumer lagging, skip this reading
	}
}

// markSuccess resets the failure counter and, if the client was offline,
// returns it to the transport's state immediately. Recovery is not
// debounced; only the failure side is.
func (c *Client) markSuccess(transport State) {
	c.mu.Lock()
	prev := c.state
	c.failures = 0
	recovered := prev == StateOffline
	if recovered {
		c.state = transport
	}
	c.mu.Unlock()

	if recovered {
		c.logger.Info("connection restored", "state", transport.String())
		c.notify(transport)
	}
}

func (c *Client) markFailure() {
	c.mu.Lock()
	c.failures++
	crossed := c.failures >= offlineThreshold && c.state != StateOffline
	if crossed {
		c.state = StateOffline
	}
	c.mu.Unlock()

	if crossed {
		c.logger.Warn("server unreachable", "consecutive_failures", offlineThreshold)
		c.notify(StateOffline)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	if changed {
		c.state = s
	}
	c.mu.Unlock()

	if changed {
		c.notify(s)
	}
}

func (c *Client) notify(s State) {
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}
