// Package platform tracks per-platform health: a circuit breaker over
// circuit-relevant failures and an independent rate-limit throttle window.
//
// The monitor issues no network calls itself; the outbox dispatcher and the
// token manager feed it observations and consult it before attempting work.
package platform

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// probeExpiry bounds how long an admitted half-open probe may stay
// unresolved before another probe is permitted.
const probeExpiry = 30 * time.Second

// Config holds the circuit breaker and throttle tuning knobs.
type Config struct {
	// FailureThreshold is the consecutive circuit-relevant failure count
	// within FailureWindow that trips the circuit.
	FailureThreshold int
	// FailureWindow bounds how long a failure streak stays relevant.
	FailureWindow time.Duration
	// BaseCooldown is the first open-state duration; it doubles on each
	// repeated trip up to MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	// DefaultThrottle is the throttle window applied when a rate-limit
	// response carries no Retry-After hint.
	DefaultThrottle time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      10 * time.Minute,
		DefaultThrottle:  time.Minute,
	}
}

type state struct {
	circuit             models.CircuitState
	consecutiveFailures int
	windowStart         time.Time
	openUntil           time.Time
	throttleUntil       time.Time
	trips               int
	probeInFlight       bool
	probeStarted        time.Time
	lastFailure         string
	updatedAt           time.Time
}

// Monitor is the per-platform health tracker. Platform entries are created
// lazily on first observed interaction and live for the process lifetime;
// a fresh process starts every platform closed.
type Monitor struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	platforms map[models.Platform]*state
}

// NewMonitor creates a Monitor with the given configuration.
func NewMonitor(cfg Config) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:       cfg,
		now:       time.Now,
		platforms: make(map[models.Platform]*state),
	}
}

func (m *Monitor) get(p models.Platform) *state {
	st, ok := m.platforms[p]
	if !ok {
		st = &state{circuit: models.CircuitClosed}
		m.platforms[p] = st
	}
	return st
}

// CanMakeRequest reports whether a request to the platform may be attempted.
// While open, all requests are rejected pre-flight until the cool-down
// elapses; the circuit then becomes half-open and permits exactly one probe.
func (m *Monitor) CanMakeRequest(p models.Platform) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.get(p)

	if st.circuit == models.CircuitOpen && !now.Before(st.openUntil) {
		st.circuit = models.CircuitHalfOpen
		st.probeInFlight = false
		st.updatedAt = now
		slog.Info("Monitor.CanMakeRequest: cool-down elapsed, circuit half-open", "platform", p)
	}

	switch st.circuit {
	case models.CircuitClosed:
		return true
	case models.CircuitHalfOpen:
		// An admitted probe whose outcome never arrives (caller crashed
		// between admission and send) expires rather than holding the
		// circuit half-open forever.
		if st.probeInFlight && now.Sub(st.probeStarted) < probeExpiry {
			return false
		}
		st.probeInFlight = true
		st.probeStarted = now
		st.updatedAt = now
		slog.Debug("Monitor.CanMakeRequest: probe permitted", "platform", p)
		return true
	default:
		return false
	}
}

// IsThrottled reports whether the platform is inside a rate-limit window.
// Throttling is independent of circuit state.
func (m *Monitor) IsThrottled(p models.Platform) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.get(p).throttleUntil)
}

// RecordSuccess records a successful platform interaction. A success while
// half-open closes the circuit and resets the failure counter and trip state.
func (m *Monitor) RecordSuccess(p models.Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.get(p)
	st.updatedAt = now

	switch st.circuit {
	case models.CircuitHalfOpen:
		st.circuit = models.CircuitClosed
		st.consecutiveFailures = 0
		st.trips = 0
		st.probeInFlight = false
		st.windowStart = time.Time{}
		st.lastFailure = ""
		slog.Info("Monitor.RecordSuccess: probe succeeded, circuit closed", "platform", p)
	case models.CircuitClosed:
		st.consecutiveFailures = 0
		st.windowStart = time.Time{}
	}
	// A success arriving while open belongs to a request dispatched before
	// the trip; the cool-down still stands.
}

// RecordFailure records a classified platform failure. Only transient
// failures (network, 5xx, timeout) are circuit-relevant: rate limits feed
// the throttle window, auth failures belong to the token manager, and
// permanent failures indict the message rather than the platform.
func (m *Monitor) RecordFailure(p models.Platform, kind models.FailureKind) {
	if kind == models.FailureRateLimited {
		m.RecordRateLimit(p, 0)
		return
	}
	if kind != models.FailureTransient {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.get(p)
	st.updatedAt = now
	st.lastFailure = string(kind)

	switch st.circuit {
	case models.CircuitHalfOpen:
		m.trip(p, st, now)
		slog.Warn("Monitor.RecordFailure: probe failed, circuit re-opened", "platform", p, "openUntil", st.openUntil)
	case models.CircuitClosed:
		if st.windowStart.IsZero() || now.Sub(st.windowStart) > m.cfg.FailureWindow {
			st.windowStart = now
			st.consecutiveFailures = 1
		} else {
			st.consecutiveFailures++
		}
		if st.consecutiveFailures >= m.cfg.FailureThreshold {
			m.trip(p, st, now)
			slog.Warn("Monitor.RecordFailure: failure threshold reached, circuit opened",
				"platform", p, "failures", st.consecutiveFailures, "openUntil", st.openUntil)
		}
	}
}

// trip opens the circuit with an exponentially growing cool-down.
// Caller holds m.mu.
func (m *Monitor) trip(p models.Platform, st *state, now time.Time) {
	st.trips++
	cooldown := m.cfg.BaseCooldown << (st.trips - 1)
	if cooldown > m.cfg.MaxCooldown || cooldown <= 0 {
		cooldown = m.cfg.MaxCooldown
	}
	st.circuit = models.CircuitOpen
	st.openUntil = now.Add(cooldown)
	st.probeInFlight = false
}

// RecordRateLimit opens a throttle window for the platform. retryAfter <= 0
// applies the configured default. The circuit failure counter is untouched.
func (m *Monitor) RecordRateLimit(p models.Platform, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = m.cfg.DefaultThrottle
	}
	now := m.now()
	st := m.get(p)
	until := now.Add(retryAfter)
	if until.After(st.throttleUntil) {
		st.throttleUntil = until
	}
	st.updatedAt = now
	slog.Debug("Monitor.RecordRateLimit", "platform", p, "throttleUntil", st.throttleUntil)
}

// ThrottledUntil returns the end of the platform's throttle window.
func (m *Monitor) ThrottledUntil(p models.Platform) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(p).throttleUntil
}

// GetPlatformHealth returns a snapshot of one platform's health.
func (m *Monitor) GetPlatformHealth(p models.Platform) models.PlatformHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(p, m.get(p))
}

// GetAllPlatformHealth returns snapshots for every observed platform,
// sorted by platform name.
func (m *Monitor) GetAllPlatformHealth() []models.PlatformHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.PlatformHealth, 0, len(m.platforms))
	for p, st := range m.platforms {
		out = append(out, m.snapshot(p, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// snapshot converts internal state to the public health record.
// Caller holds m.mu.
func (m *Monitor) snapshot(p models.Platform, st *state) models.PlatformHealth {
	return models.PlatformHealth{
		Platform:            p,
		State:               st.circuit,
		ConsecutiveFailures: st.consecutiveFailures,
		WindowStart:         st.windowStart,
		OpenUntil:           st.openUntil,
		ThrottleUntil:       st.throttleUntil,
		Trips:               st.trips,
		LastFailure:         st.lastFailure,
		UpdatedAt:           st.updatedAt,
	}
}
