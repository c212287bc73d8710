package scaleclient

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"craftscale/scale-server/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stateRecorder collects every transition the synchronizer reports.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range r.snapshot() {
			if s == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %v never reported; saw %v", want, r.snapshot())
}

func latestHandler(weight, raw float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(model.Reading{
			Weight:     weight,
			RawValue:   raw,
			Timestamp:  time.Now().UTC(),
			ReceivedAt: time.Now().UTC(),
		})
	}
}

func fastOptions(rec *stateRecorder) Options {
	opts := Options{
		PollInterval:   10 * time.Millisecond,
		RequestTimeout: time.Second,
		DialAttempts:   1,
		DialBackoff:    time.Millisecond,
		Logger:         testLogger(),
	}
	if rec != nil {
		opts.OnState = rec.record
	}
	return opts
}

func waitForUpdate(t *testing.T, c *Client) Update {
	t.Helper()
	select {
	case u := <-c.Updates():
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("no update delivered")
		return Update{}
	}
}

func TestPollingDeliversReadings(t *testing.T) {
	// No /ws route: the dial fails and the client settles into polling.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/weight/latest", latestHandler(1.57, -10575))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := &stateRecorder{}
	c, err := New(srv.URL, fastOptions(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	u := waitForUpdate(t, c)
	if u.Weight != 1.57 {
		t.Errorf("weight = %v, want 1.57", u.Weight)
	}
	if u.RawValue != -10575 {
		t.Errorf("raw value = %v, want -10575", u.RawValue)
	}

	rec.waitFor(t, StateDegraded)
	for _, s := range rec.snapshot() {
		if s == StateOffline {
			t.Errorf("reported offline against a healthy server: %v", rec.snapshot())
		}
	}
}

func TestOfflineAfterConsecutiveFailures(t *testing.T) {
	var healthy atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/weight/latest", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		latestHandler(2.0, -14100)(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := &stateRecorder{}
	c, err := New(srv.URL, fastOptions(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	rec.waitFor(t, StateOffline)
	if got := c.State(); got != StateOffline {
		t.Fatalf("State() = %v, want offline", got)
	}

	// One good poll brings the client straight back; recovery is not
	// debounced the way failure is.
	healthy.Store(true)
	recoverBy := time.Now().Add(3 * time.Second)
	for c.State() != StateDegraded {
		if time.Now().After(recoverBy) {
			t.Fatalf("state = %v, never recovered to degraded", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	u := waitForUpdate(t, c)
	if u.Weight != 2.0 {
		t.Errorf("weight after recovery = %v, want 2.0", u.Weight)
	}
}

func TestLivePushPreferred(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frame, err := json.Marshal(map[string]any{
		"event": "weight:update",
		"data": model.WeightUpdate{
			Weight:      1.0,
			RawValue:    -7050,
			Timestamp:   time.Now().UTC(),
			Calibration: model.Calibration{Factor: -7050, Offset: 0},
		},
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/weight/latest", latestHandler(1.0, -7050))
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := &stateRecorder{}
	c, err := New(srv.URL, fastOptions(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	rec.waitFor(t, StateLive)

	// Drain until the pushed frame arrives; the initial poll may have
	// queued a reading first.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case u := <-c.Updates():
			if u.Calibration.Factor == -7050 && u.RawValue == -7050 {
				return
			}
		case <-deadline:
			t.Fatal("pushed reading never delivered")
		}
	}
}

func TestPushURLSchemes(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://scale.local:3000", want: "ws://scale.local:3000/ws"},
		{base: "https://scale.local", want: "wss://scale.local/ws"},
		{base: "ftp://scale.local", wantErr: true},
	}
	for _, tt := range tests {
		got, err := pushURL(tt.base)
		if tt.wantErr {
			if err == nil {
				t.Errorf("pushURL(%q) error = nil, want error", tt.base)
			}
			continue
		}
		if err != nil {
			t.Errorf("pushURL(%q) error = %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("pushURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestCloseTearsDownLiveSession(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/weight/latest", latestHandler(0, 0))
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := &stateRecorder{}
	c, err := New(srv.URL, fastOptions(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec.waitFor(t, StateLive)
	c.Close()

	select {
	case _, ok := <-c.done:
		if ok {
			t.Fatal("done channel still open after Close")
		}
	default:
		t.Fatal("synchronizer goroutine still running after Close")
	}
}
