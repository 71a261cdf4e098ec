package mediation

import (
	"fmt"
	"strings"
	"time"
)

// Urgency is the sender-declared priority of a message.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyCritical  Urgency = "critical"
	UrgencyEmergency Urgency = "emergency"
)

// ParseUrgency parses an urgency level. Empty means normal.
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(strings.ToLower(strings.TrimSpace(s))); u {
	case "":
		return UrgencyNormal, nil
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical, UrgencyEmergency:
		return u, nil
	default:
		return "", fmt.Errorf("mediation: unknown urgency %q", s)
	}
}

// BypassesQuietHours reports whether the level is delivered immediately.
func (u Urgency) BypassesQuietHours() bool {
	return u == UrgencyCritical || u == UrgencyEmergency
}

// QuietHours is a daily window, as offsets from local midnight, in which
// non-urgent delivery is held. A window whose start is after its end
// wraps midnight. The end instant itself is outside the window.
type QuietHours struct {
	Start time.Duration
	End   time.Duration
}

// DefaultQuietHours is 22:00 to 07:00.
func DefaultQuietHours() QuietHours {
	return QuietHours{Start: 22 * time.Hour, End: 7 * time.Hour}
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("mediation: invalid clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	off := sinceMidnight(t)
	switch {
	case q.Start == q.End:
		return false
	case q.Start < q.End:
		return off >= q.Start && off < q.End
	default:
		return off >= q.Start || off < q.End
	}
}

// Until returns the first end-of-window instant after t.
func (q QuietHours) Until(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	end := midnight.Add(q.End)
	if !end.After(t) {
		end = midnight.AddDate(0, 0, 1).Add(q.End)
	}
	return end
}

// Hold returns when a message sent at t with urgency u may be delivered,
// and whether it must be held at all.
func (q QuietHours) Hold(t time.Time, u Urgency) (time.Time, bool) {
	if u.BypassesQuietHours() || !q.Contains(t) {
		return t, false
	}
	return q.Until(t), true
}
