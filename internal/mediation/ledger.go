// Package mediation enforces per-contact daily frequency caps and quiet
// hours. Both checks act independently of content classification: a cap
// breach blocks even clean content, and quiet hours delay non-urgent sends.
package mediation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/safegate/internal/syncutil"
)

var (
	ErrInvalidKey  = errors.New("mediation: sender, recipient, platform and date are required")
	ErrInvalidCaps = errors.New("mediation: invalid platform caps")
)

// DateLayout is the calendar-day component of a contact key.
const DateLayout = "2006-01-02"

// DefaultCap applies to platforms missing from the cap table.
const DefaultCap = 3

// DefaultCaps is the per-platform daily contact limit.
var DefaultCaps = map[string]int{
	"whatsapp":  5,
	"email":     3,
	"instagram": 2,
	"sms":       4,
}

// Caps resolves the daily limit for a platform.
type Caps struct {
	limits map[string]int
}

// NewCaps starts from DefaultCaps and applies overrides.
func NewCaps(overrides map[string]int) Caps {
	limits := make(map[string]int, len(DefaultCaps)+len(overrides))
	for p, n := range DefaultCaps {
		limits[p] = n
	}
	for p, n := range overrides {
		limits[strings.ToLower(p)] = n
	}
	return Caps{limits: limits}
}

// Limit returns the daily cap for platform.
func (c Caps) Limit(platform string) int {
	if n, ok := c.limits[strings.ToLower(platform)]; ok {
		return n
	}
	return DefaultCap
}

// ParseCaps parses "whatsapp=5,email=3".
func ParseCaps(s string) (map[string]int, error) {
	out := make(map[string]int)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCaps, pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCaps, pair)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return out, nil
}

// ContactKey identifies one contact pair on one platform for one day.
type ContactKey struct {
	Sender    string
	Recipient string
	Platform  string
	Date      string
}

// KeyFor builds the key for a contact at time at, using at's own calendar day.
func KeyFor(sender, recipient, platform string, at time.Time) ContactKey {
	return ContactKey{
		Sender:    sender,
		Recipient: recipient,
		Platform:  strings.ToLower(platform),
		Date:      at.Format(DateLayout),
	}
}

func (k ContactKey) validate() error {
	if k.Sender == "" || k.Recipient == "" || k.Platform == "" || k.Date == "" {
		return ErrInvalidKey
	}
	return nil
}

// Decision is the outcome of a frequency check.
type Decision struct {
	Allowed bool `json:"allowed"`
	Count   int  `json:"count"`
	Limit   int  `json:"limit"`
}

// ContactLedger counts contacts per key. CheckAndRecord must be
// linearizable per key: it increments only when the count is below limit
// and reports the count after the attempt.
type ContactLedger interface {
	CheckAndRecord(ctx context.Context, key ContactKey, limit int) (Decision, error)
	Count(ctx context.Context, key ContactKey) (int, error)
}

// MemoryLedger is an in-process ContactLedger.
type MemoryLedger struct {
	locks  *syncutil.Striped
	counts sync.Map // ContactKey -> *int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{locks: syncutil.NewStriped(0)}
}

func (m *MemoryLedger) lock(k ContactKey) func() {
	return m.locks.Lock(k.Sender, k.Recipient, k.Platform, k.Date)
}

func (m *MemoryLedger) CheckAndRecord(_ context.Context, key ContactKey, limit int) (Decision, error) {
	if err := key.validate(); err != nil {
		return Decision{}, err
	}
	unlock := m.lock(key)
	defer unlock()

	v, _ := m.counts.LoadOrStore(key, new(int))
	n := v.(*int)
	if *n >= limit {
		return Decision{Allowed: false, Count: *n, Limit: limit}, nil
	}
	*n++
	return Decision{Allowed: true, Count: *n, Limit: limit}, nil
}

func (m *MemoryLedger) Count(_ context.Context, key ContactKey) (int, error) {
	unlock := m.lock(key)
	defer unlock()

	v, ok := m.counts.Load(key)
	if !ok {
		return 0, nil
	}
	return *v.(*int), nil
}

// Prune drops entries for days before cutoff (a DateLayout string).
func (m *MemoryLedger) Prune(cutoff string) int {
	dropped := 0
	m.counts.Range(func(k, _ any) bool {
		key := k.(ContactKey)
		if key.Date < cutoff {
			unlock := m.lock(key)
			m.counts.Delete(key)
			unlock()
			dropped++
		}
		return true
	})
	return dropped
}

var _ ContactLedger = (*MemoryLedger)(nil)
