// Package connectivity tracks validated reachability of the document server.
// Only transitions are published; the initial state is offline so the first
// validated online observation is an edge.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
)

// DefaultInterval is the probe period when none is configured.
const DefaultInterval = 30 * time.Second

// Prober checks whether the server is actually reachable. A link-layer
// connection without a usable route must report an error.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber validates connectivity with a GET request.
type HTTPProber struct {
	Client *http.Client
	URL    string
	// ExpectStatus is the only accepted status when set; otherwise any
	// status below 500 counts as reachable.
	ExpectStatus int
	Timeout      time.Duration
}

// Probe performs one validation request.
func (p *HTTPProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "probe url", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Network("probe", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	switch {
	case p.ExpectStatus > 0 && resp.StatusCode != p.ExpectStatus:
		return apperrors.Network(fmt.Sprintf("probe answered %d, want %d", resp.StatusCode, p.ExpectStatus), nil)
	case p.ExpectStatus == 0 && resp.StatusCode >= http.StatusInternalServerError:
		return apperrors.HTTPStatus(resp.StatusCode, "probe")
	}
	return nil
}

// Event is a connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Monitor holds the current connectivity state.
type Monitor struct {
	prober   Prober
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	online bool
	since  time.Time
	subs   map[int]chan Event
	nextID int
}

// NewMonitor creates a monitor probing every interval.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		now:      time.Now,
		subs:     make(map[int]chan Event),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Since returns when the current state was entered.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Report records an observation from any source and reports whether it
// was a transition.
func (m *Monitor) Report(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	m.since = m.now()
	ev := Event{Online: online, At: m.since}
	for _, ch := range m.subs {
		// Keep the newest edge when a subscriber lags.
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
	logging.Info("connectivity changed", map[string]interface{}{"online": online})
	return true
}

// Subscribe returns a channel of transitions and a cancel function.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Event, 4)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.prober.Probe(ctx)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		logging.Debug("connectivity probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.Report(err == nil)
	return err == nil
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
