// Package audit keeps the append-only decision trail. Every pipeline stage
// that runs appends one Record under the request's trace id, and every
// completed evaluation writes one BucketEntry, a flat summary used for
// reporting. Verify cross-checks the two logs.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrIncompleteEntry = errors.New("audit: bucket entry is missing a required field")
	ErrInvalidRecord   = errors.New("audit: invalid record")
)

// Stage names a pipeline step.
type Stage string

const (
	StageClassification Stage = "classification"
	StageMediation      Stage = "mediation"
	StageEnforcement    Stage = "enforcement"
	StageApproval       Stage = "approval"
	StageExecution      Stage = "execution"
)

func (s Stage) valid() bool {
	switch s {
	case StageClassification, StageMediation, StageEnforcement, StageApproval, StageExecution:
		return true
	}
	return false
}

// Detail keys shared by writers and Verify.
const (
	KeyActionID   = "action_id"
	KeyCategory   = "risk_category"
	KeyConfidence = "confidence"
	KeySeverity   = "severity"
	KeyReason     = "reason"
	KeyPlatform   = "platform"
	KeyDirection  = "direction"
	KeyVerdict    = "verdict"
	KeyDelayUntil = "delay_until"
)

// Record is one stage outcome. Seq and Timestamp are assigned by the sink.
type Record struct {
	TraceID   string            `json:"trace_id"`
	Seq       int64             `json:"seq"`
	Stage     Stage             `json:"stage"`
	Decision  string            `json:"decision"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

func (r Record) validate() error {
	if r.TraceID == "" || r.Decision == "" || !r.Stage.valid() {
		return fmt.Errorf("%w: trace=%q stage=%q decision=%q", ErrInvalidRecord, r.TraceID, r.Stage, r.Decision)
	}
	return nil
}

// BucketEntry summarizes one evaluation and its enforcement outcome.
type BucketEntry struct {
	TraceID               string    `json:"trace_id"`
	ActionID              string    `json:"action_id,omitempty"`
	Decision              string    `json:"decision"`
	RiskCategory          string    `json:"risk_category"`
	Confidence            float64   `json:"confidence"`
	EnforcementDecision   string    `json:"enforcement_decision"`
	EnforcementSeverity   string    `json:"enforcement_severity"`
	EnforcementConfidence float64   `json:"enforcement_confidence"`
	UserIDHash            string    `json:"user_id_hash"`
	BucketID              string    `json:"bucket_id"`
	Timestamp             time.Time `json:"timestamp"`
}

// Validate checks that every required field is present and in range.
func (b BucketEntry) Validate() error {
	missing := func(name string) error { return fmt.Errorf("%w: %s", ErrIncompleteEntry, name) }
	switch {
	case b.TraceID == "":
		return missing("trace_id")
	case b.Decision == "":
		return missing("decision")
	case b.RiskCategory == "":
		return missing("risk_category")
	case b.EnforcementDecision == "":
		return missing("enforcement_decision")
	case b.EnforcementSeverity == "":
		return missing("enforcement_severity")
	case b.UserIDHash == "":
		return missing("user_id_hash")
	case b.BucketID == "":
		return missing("bucket_id")
	case b.Confidence < 0 || b.Confidence > 100:
		return fmt.Errorf("%w: confidence %v out of range", ErrIncompleteEntry, b.Confidence)
	case b.EnforcementConfidence < 0 || b.EnforcementConfidence > 1:
		return fmt.Errorf("%w: enforcement_confidence %v out of range", ErrIncompleteEntry, b.EnforcementConfidence)
	}
	return nil
}

// Sink stores records and bucket entries.
type Sink interface {
	Append(ctx context.Context, r Record) (Record, error)
	AppendBucket(ctx context.Context, b BucketEntry) error
	ByTrace(ctx context.Context, traceID string) ([]Record, error)
	Buckets(ctx context.Context) ([]BucketEntry, error)
	Count(ctx context.Context, stage Stage) (int, error)
}

// FormatConfidence renders a confidence for Record details.
func FormatConfidence(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
