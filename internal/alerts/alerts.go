// Package alerts raises crowd-limit alerts from the running occupancy.
//
// Two levels exist: warning once occupancy reaches warning_ratio of the
// crowd limit, and critical at the limit itself. Each level has its own
// cooldown, so a warning does not suppress a following critical alert.
package alerts

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

var logf = monitoring.Component("alerts")

// Level is an alert severity.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// activeFor is how long an unresolved alert stays in the active list.
const activeFor = 5 * time.Minute

// Alert is one raised crowd alert.
type Alert struct {
	ID         int64      `json:"id,omitempty"`
	Level      Level      `json:"level"`
	Message    string     `json:"message"`
	Occupancy  int64      `json:"occupancy"`
	Threshold  int64      `json:"threshold"`
	CrowdLimit int        `json:"crowd_limit"`
	Timestamp  time.Time  `json:"timestamp"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Sink persists alerts. The database implements it.
type Sink interface {
	RecordAlert(a Alert) (int64, error)
}

// Config holds the alert thresholds.
type Config struct {
	CrowdLimit   int           // zero disables alerting
	WarningRatio float64       // fraction of CrowdLimit for a warning
	Cooldown     time.Duration // minimum gap between two alerts of one level
}

// ConfigFromCounting reads the alert fields of a CountingConfig.
func ConfigFromCounting(cfg *config.CountingConfig) Config {
	return Config{
		CrowdLimit:   cfg.GetCrowdLimit(),
		WarningRatio: cfg.GetWarningRatio(),
		Cooldown:     cfg.GetAlertCooldown(),
	}
}

// warningThreshold is the smallest occupancy at which a warning fires.
func (c Config) warningThreshold() int64 {
	return int64(math.Ceil(c.WarningRatio*float64(c.CrowdLimit) - 1e-9))
}

// Stats summarises alerting activity since start.
type Stats struct {
	Total        int64           `json:"total"`
	Active       int             `json:"active"`
	ByLevel      map[Level]int64 `json:"by_level"`
	SinkFailures int64           `json:"sink_failures"`
	CrowdLimit   int             `json:"crowd_limit"`
	Cooldown     string          `json:"cooldown"`
}

// Manager evaluates occupancy against the crowd limit.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	sink      Sink
	clock     timeutil.Clock
	lastFired map[Level]time.Time
	active    []Alert
	total     int64
	byLevel   map[Level]int64
	sinkFails int64
}

// NewManager creates a manager. sink may be nil; a nil clock uses the
// wall clock.
func NewManager(cfg Config, sink Sink, clock timeutil.Clock) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		cfg:       cfg,
		sink:      sink,
		clock:     clock,
		lastFired: make(map[Level]time.Time),
		byLevel:   make(map[Level]int64),
	}
}

// Check compares occupancy with the configured limits and returns the
// alerts raised by this call, warning before critical.
func (m *Manager) Check(occupancy int64) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.CrowdLimit <= 0 {
		return nil
	}
	now := m.clock.Now()
	m.expireLocked(now)

	limit := int64(m.cfg.CrowdLimit)
	warnAt := m.cfg.warningThreshold()

	var raised []Alert
	if occupancy >= warnAt && m.readyLocked(LevelWarning, now) {
		raised = append(raised, m.fireLocked(Alert{
			Level:     LevelWarning,
			Message:   fmt.Sprintf("Approaching capacity limit: %d/%d", occupancy, limit),
			Occupancy: occupancy,
			Threshold: warnAt,
		}, now))
	}
	if occupancy >= limit && m.readyLocked(LevelCritical, now) {
		raised = append(raised, m.fireLocked(Alert{
			Level:     LevelCritical,
			Message:   fmt.Sprintf("CROWD LIMIT EXCEEDED: %d/%d", occupancy, limit),
			Occupancy: occupancy,
			Threshold: limit,
		}, now))
	}
	return raised
}

func (m *Manager) readyLocked(level Level, now time.Time) bool {
	last, ok := m.lastFired[level]
	return !ok || now.Sub(last) >= m.cfg.Cooldown
}

func (m *Manager) fireLocked(a Alert, now time.Time) Alert {
	a.CrowdLimit = m.cfg.CrowdLimit
	a.Timestamp = now
	m.lastFired[a.Level] = now
	m.total++
	m.byLevel[a.Level]++

	if m.sink != nil {
		id, err := m.sink.RecordAlert(a)
		if err != nil {
			m.sinkFails++
			logf("failed to record %s alert: %v", a.Level, err)
		} else {
			a.ID = id
		}
	}
	m.active = append(m.active, a)
	logf("ALERT %s: %s", a.Level, a.Message)
	return a
}

// expireLocked drops alerts older than activeFor from the active list.
func (m *Manager) expireLocked(now time.Time) {
	kept := m.active[:0]
	for _, a := range m.active {
		if now.Sub(a.Timestamp) < activeFor {
			kept = append(kept, a)
		}
	}
	m.active = kept
}

// Active returns unresolved alerts raised in the last five minutes,
// newest last.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.clock.Now())
	return append([]Alert{}, m.active...)
}

// Latest returns the most recent active alert, if any.
func (m *Manager) Latest() (Alert, bool) {
	active := m.Active()
	if len(active) == 0 {
		return Alert{}, false
	}
	return active[len(active)-1], true
}

// Clear resolves every active alert and returns them.
func (m *Manager) Clear() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	resolved := make([]Alert, len(m.active))
	for i, a := range m.active {
		a.ResolvedAt = &now
		resolved[i] = a
	}
	m.active = nil
	if len(resolved) > 0 {
		logf("cleared %d active alerts", len(resolved))
	}
	return resolved
}

// UpdateConfig swaps in new thresholds. Cooldown state is kept.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	logf("crowd limit %d, warning at %d, cooldown %s", cfg.CrowdLimit, cfg.warningThreshold(), cfg.Cooldown)
}

// Stats returns alert counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.clock.Now())

	byLevel := make(map[Level]int64, len(m.byLevel))
	for k, v := range m.byLevel {
		byLevel[k] = v
	}
	return Stats{
		Total:        m.total,
		Active:       len(m.active),
		ByLevel:      byLevel,
		SinkFailures: m.sinkFails,
		CrowdLimit:   m.cfg.CrowdLimit,
		Cooldown:     m.cfg.Cooldown.String(),
	}
}

// Run checks the occupancy carried by each crossing event until events
// is closed or ctx is cancelled.
func (m *Manager) Run(ctx context.Context, events <-chan counting.CrossingEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Check(ev.Counts.Occupancy)
		}
	}
}
