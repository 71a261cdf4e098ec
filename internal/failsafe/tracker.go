// Package failsafe tracks consecutive evaluation failures and moves the
// process through healthy -> degraded -> emergency. Emergency is sticky:
// only an explicit Reset returns the tracker to healthy.
package failsafe

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Mode is the process-wide safety mode.
type Mode int

const (
	ModeHealthy   Mode = iota // no recent failures
	ModeDegraded              // failures below threshold
	ModeEmergency             // threshold reached; every decision is conservative
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeHealthy:
		return "healthy"
	case ModeDegraded:
		return "degraded"
	case ModeEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// DefaultThreshold is the number of consecutive failures that trips emergency mode.
const DefaultThreshold = 3

var (
	modeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safegate",
		Subsystem: "failsafe",
		Name:      "mode_transitions_total",
		Help:      "Failsafe mode transitions by from-mode and to-mode.",
	}, []string{"from_mode", "to_mode"})

	failuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safegate",
		Subsystem: "failsafe",
		Name:      "failures_total",
		Help:      "Evaluation failures recorded, by kind.",
	}, []string{"kind"})

	currentMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safegate",
		Subsystem: "failsafe",
		Name:      "mode",
		Help:      "Current failsafe mode (0 healthy, 1 degraded, 2 emergency).",
	})
)

func init() {
	prometheus.MustRegister(modeTransitions, failuresTotal, currentMode)
}

// Snapshot is a point-in-time view of the tracker.
type Snapshot struct {
	Mode                string `json:"mode"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalFailures       int    `json:"total_failures"`
	Threshold           int    `json:"threshold"`
}

// Tracker counts consecutive failures. Safe for concurrent use.
type Tracker struct {
	mu           sync.Mutex
	mode         Mode
	consecutive  int
	total        int
	threshold    int
	onTransition func(from, to Mode)
}

// New creates a tracker that enters emergency after threshold consecutive failures.
func New(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{threshold: threshold}
}

// OnTransition sets a callback invoked on mode changes.
func (t *Tracker) OnTransition(fn func(from, to Mode)) {
	t.mu.Lock()
	t.onTransition = fn
	t.mu.Unlock()
}

// RecordFailure counts a failure of the given kind ("classification",
// "enforcement", ...).
func (t *Tracker) RecordFailure(kind string) {
	failuresTotal.WithLabelValues(kind).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive++
	t.total++
	switch {
	case t.consecutive >= t.threshold:
		t.transition(ModeEmergency)
	case t.mode == ModeHealthy:
		t.transition(ModeDegraded)
	}
}

// RecordSuccess clears the consecutive counter unless in emergency.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode == ModeEmergency {
		return
	}
	t.consecutive = 0
	t.transition(ModeHealthy)
}

// Reset is the operator action that leaves emergency mode.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive = 0
	t.transition(ModeHealthy)
}

// Mode returns the current mode.
func (t *Tracker) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Emergency reports whether every decision must be conservative.
func (t *Tracker) Emergency() bool {
	return t.Mode() == ModeEmergency
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Mode:                t.mode.String(),
		ConsecutiveFailures: t.consecutive,
		TotalFailures:       t.total,
		Threshold:           t.threshold,
	}
}

// transition changes mode and fires the callback if set.
// Caller must hold t.mu.
func (t *Tracker) transition(to Mode) {
	from := t.mode
	if from == to {
		return
	}
	t.mode = to
	modeTransitions.WithLabelValues(from.String(), to.String()).Inc()
	currentMode.Set(float64(to))
	if t.onTransition != nil {
		fn := t.onTransition
		go fn(from, to)
	}
}
