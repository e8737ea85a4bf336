// Package connwatch monitors the health of the services clima depends on
// (the WAHA session, the tool subprocess).
//
// Each check is probed on its own schedule: every Interval while the
// service is up, and with exponential backoff from Retry up to MaxRetry
// while it is down. Transitions are logged and reported to an optional
// callback; the latest state of every check is available for health
// endpoints.
//
// httpkit retries sub-second dial errors inside a single request;
// connwatch is for outages that last seconds to hours.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Probe reports nil when the service is usable.
type Probe func(ctx context.Context) error

// Check is one monitored service.
type Check struct {
	// Name identifies the service in logs and status maps.
	Name string

	Probe Probe

	// OnChange runs on the check's goroutine after every transition,
	// including the first result. It must not block for long.
	OnChange func(up bool, err error)
}

// Schedule controls probe timing. Zero fields take the defaults of
// DefaultSchedule.
type Schedule struct {
	Interval time.Duration // between probes while up
	Retry    time.Duration // first delay after a failure
	MaxRetry time.Duration // backoff ceiling
	Timeout  time.Duration // per probe
}

// DefaultSchedule polls healthy services every minute and retries
// failed ones after 2s, 4s, 8s ... capped at 60s.
func DefaultSchedule() Schedule {
	return Schedule{
		Interval: time.Minute,
		Retry:    2 * time.Second,
		MaxRetry: time.Minute,
		Timeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Retry <= 0 {
		s.Retry = d.Retry
	}
	if s.MaxRetry < s.Retry {
		s.MaxRetry = max(d.MaxRetry, s.Retry)
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Status is the last known state of a check, shaped for JSON.
type Status struct {
	Up        bool      `json:"up"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

type state struct {
	Status
	known bool
}

// Monitor runs a set of checks.
type Monitor struct {
	sched  Schedule
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	checks []Check
	states map[string]*state
}

// New creates a monitor. Add checks, then call [Monitor.Run].
func New(sched Schedule, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sched:  sched.withDefaults(),
		logger: logger.With("component", "connwatch"),
		now:    time.Now,
		states: make(map[string]*state),
	}
}

// Add registers a check. Checks added after Run has started are not
// probed.
func (m *Monitor) Add(c Check) error {
	if c.Name == "" || c.Probe == nil {
		return fmt.Errorf("connwatch: check needs a name and a probe")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.states[c.Name]; dup {
		return fmt.Errorf("connwatch: duplicate check %q", c.Name)
	}
	m.checks = append(m.checks, c)
	m.states[c.Name] = &state{}
	return nil
}

// Run probes every check until ctx is cancelled and returns once all
// probes have stopped.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	checks := append([]Check(nil), m.checks...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.watch(ctx, c)
		}()
	}
	wg.Wait()
	return nil
}

// Status returns a snapshot of every check that has been probed at
// least once.
func (m *Monitor) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.states))
	for name, st := range m.states {
		if st.known {
			out[name] = st.Status
		}
	}
	return out
}

// Up reports whether the named check passed its last probe.
func (m *Monitor) Up(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	return ok && st.Up
}

func (m *Monitor) watch(ctx context.Context, c Check) {
	retry := m.sched.Retry
	for {
		err := m.probe(ctx, c)
		if ctx.Err() != nil {
			return
		}

		delay := m.sched.Interval
		if err != nil {
			delay = retry
			retry = min(retry*2, m.sched.MaxRetry)
		} else {
			retry = m.sched.Retry
		}
		m.record(c, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context, c Check) error {
	ctx, cancel := context.WithTimeout(ctx, m.sched.Timeout)
	defer cancel()
	return c.Probe(ctx)
}

// record stores a probe result and reports transitions.
func (m *Monitor) record(c Check, err error) {
	now := m.now()
	up := err == nil

	m.mu.Lock()
	st := m.states[c.Name]
	changed := !st.known || st.Up != up
	st.known = true
	st.LastCheck = now
	if changed {
		st.Up = up
		st.Since = now
	}
	if up {
		st.LastError = ""
		st.Failures = 0
	} else {
		st.LastError = err.Error()
		st.Failures++
	}
	failures := st.Failures
	m.mu.Unlock()

	switch {
	case changed && up:
		m.logger.Info("service up", "service", c.Name)
	case changed:
		m.logger.Warn("service down", "service", c.Name, "error", err)
	case !up:
		m.logger.Debug("service still down", "service", c.Name, "failures", failures, "error", err)
	}
	if changed && c.OnChange != nil {
		c.OnChange(up, err)
	}
}
