package mediation

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/safegate/internal/logging"
)

var (
	contactChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safegate",
		Subsystem: "mediation",
		Name:      "contact_checks_total",
		Help:      "Frequency cap checks by platform and outcome.",
	}, []string{"platform", "outcome"})

	quietHolds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safegate",
		Subsystem: "mediation",
		Name:      "quiet_hours_holds_total",
		Help:      "Messages held until the end of quiet hours.",
	})
)

func init() {
	prometheus.MustRegister(contactChecks, quietHolds)
}

// Mediator applies frequency caps and quiet hours.
type Mediator struct {
	ledger ContactLedger
	caps   Caps
	quiet  QuietHours
}

// NewMediator creates a mediator with default caps and quiet hours. A nil
// ledger uses a MemoryLedger.
func NewMediator(ledger ContactLedger) *Mediator {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Mediator{
		ledger: ledger,
		caps:   NewCaps(nil),
		quiet:  DefaultQuietHours(),
	}
}

// WithCaps overrides the platform caps.
func (m *Mediator) WithCaps(c Caps) *Mediator {
	m.caps = c
	return m
}

// WithQuietHours overrides the quiet window.
func (m *Mediator) WithQuietHours(q QuietHours) *Mediator {
	m.quiet = q
	return m
}

// Caps returns the caps in effect.
func (m *Mediator) Caps() Caps { return m.caps }

// QuietHours returns the quiet window in effect.
func (m *Mediator) QuietHours() QuietHours { return m.quiet }

// CheckAndRecordContact records one contact from sender to recipient on
// platform for the calendar day of at, unless the day's cap is reached.
func (m *Mediator) CheckAndRecordContact(ctx context.Context, sender, recipient, platform string, at time.Time) (Decision, error) {
	key := KeyFor(sender, recipient, platform, at)
	d, err := m.ledger.CheckAndRecord(ctx, key, m.caps.Limit(key.Platform))
	if err != nil {
		contactChecks.WithLabelValues(key.Platform, "error").Inc()
		return d, err
	}
	if !d.Allowed {
		contactChecks.WithLabelValues(key.Platform, "capped").Inc()
		logging.L(ctx).Info("contact cap reached",
			"platform", key.Platform, "count", d.Count, "limit", d.Limit)
		return d, nil
	}
	contactChecks.WithLabelValues(key.Platform, "allowed").Inc()
	return d, nil
}

// IsQuietHours reports whether t falls in the quiet window.
func (m *Mediator) IsQuietHours(t time.Time) bool {
	return m.quiet.Contains(t)
}

// Hold returns the delivery time for a message at t with urgency u and
// whether it is held.
func (m *Mediator) Hold(t time.Time, u Urgency) (time.Time, bool) {
	at, held := m.quiet.Hold(t, u)
	if held {
		quietHolds.Inc()
	}
	return at, held
}
