// Package approval gates execution of outbound actions behind HMAC-bound
// approval tokens.
//
// An action moves NEW -> TOKEN_ISSUED -> EXECUTED when enforcement allows it,
// or NEW -> BLOCKED when enforcement blocks or escalates. BLOCKED is terminal:
// blocking revokes any outstanding grant and Execute checks the blocked set
// before it looks at the token, so a blocked action is refused twice over.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTokenMissing    = errors.New("approval: no approval token provided")
	ErrTokenInvalid    = errors.New("approval: invalid approval token")
	ErrActionBlocked   = errors.New("approval: action blocked by enforcement gateway")
	ErrAlreadyExecuted = errors.New("approval: action already executed")
	ErrTraceMismatch   = errors.New("approval: action already approved under a different trace")
	ErrNotYetValid     = errors.New("approval: action delayed")
	ErrInvalidRequest  = errors.New("approval: action id and trace id are required")
)

// TokenPolicy controls whether a grant survives a successful execution.
type TokenPolicy string

const (
	// PolicySingleUse removes the grant after the action executes.
	PolicySingleUse TokenPolicy = "single_use"
	// PolicyReusable keeps the grant; validation is set membership only.
	PolicyReusable TokenPolicy = "reusable"
)

// ParseTokenPolicy parses a config value. Empty means single use.
func ParseTokenPolicy(s string) (TokenPolicy, error) {
	switch TokenPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySingleUse:
		return PolicySingleUse, nil
	case PolicyReusable:
		return PolicyReusable, nil
	default:
		return "", fmt.Errorf("approval: unknown token policy %q", s)
	}
}

// Status is the outcome of an execution attempt.
type Status string

const (
	StatusExecuted Status = "executed"
	StatusBlocked  Status = "blocked"
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
)

// Action is an outbound action awaiting execution.
type Action struct {
	ID        string `json:"action_id"`
	TraceID   string `json:"trace_id"`
	Type      string `json:"action_type,omitempty"`
	Content   string `json:"content"`
	Platform  string `json:"platform,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// Grant binds a token to one action and trace.
type Grant struct {
	Token     string    `json:"token"`
	ActionID  string    `json:"action_id"`
	TraceID   string    `json:"trace_id"`
	IssuedAt  time.Time `json:"issued_at"`
	NotBefore time.Time `json:"not_before,omitzero"`
}

// Block records why an action may never execute.
type Block struct {
	ActionID  string    `json:"action_id"`
	TraceID   string    `json:"trace_id"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Execution is the result of an execution attempt.
type Execution struct {
	ActionID   string    `json:"action_id"`
	TraceID    string    `json:"trace_id"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Token      string    `json:"approval_token,omitempty"`
	AttemptAt  time.Time `json:"attempted_at"`
	DelayUntil time.Time `json:"delay_until,omitzero"`

	// Cause is the sentinel behind a non-executed status.
	Cause error `json:"-"`
}

// Dispatcher performs the side effect of an approved action (sending the
// message, calling the channel API, queueing it for a worker).
type Dispatcher interface {
	Dispatch(ctx context.Context, action Action) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, action Action) error

func (f DispatchFunc) Dispatch(ctx context.Context, action Action) error { return f(ctx, action) }

// reason is the caller-facing text for a rejection sentinel.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrActionBlocked):
		return "action blocked by enforcement gateway"
	case errors.Is(err, ErrTokenMissing):
		return "no approval token provided"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid approval token"
	default:
		return err.Error()
	}
}
