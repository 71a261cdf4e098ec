package audit

import (
	"context"
	"math"
)

// Mismatch is one field where a bucket entry disagrees with the stage log.
type Mismatch struct {
	TraceID  string `json:"trace_id"`
	ActionID string `json:"action_id,omitempty"`
	Field    string `json:"field"`
	Bucket   string `json:"bucket"`
	Audit    string `json:"audit"`
}

// Report is the result of Verify.
type Report struct {
	BucketCount int        `json:"bucket_count"`
	AuditCount  int        `json:"audit_count"`
	Matched     int        `json:"matched"`
	Mismatches  []Mismatch `json:"mismatches"`
	MatchRate   float64    `json:"match_rate"`
}

// Consistent reports whether every bucket entry matched and both logs hold
// the same number of evaluations.
func (r Report) Consistent() bool {
	return len(r.Mismatches) == 0 && r.BucketCount == r.AuditCount
}

// Verify compares each bucket entry with the classification and
// enforcement records of its trace. When an entry carries an action id only
// records with that action id are considered; otherwise the latest record
// of each stage is used. A mediation record carrying a verdict overrides
// the classification fields it names.
func Verify(ctx context.Context, sink Sink) (Report, error) {
	buckets, err := sink.Buckets(ctx)
	if err != nil {
		return Report{}, err
	}
	audited, err := sink.Count(ctx, StageClassification)
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		BucketCount: len(buckets),
		AuditCount:  audited,
		Mismatches:  []Mismatch{},
	}
	cache := make(map[string][]Record)

	for _, b := range buckets {
		records, ok := cache[b.TraceID]
		if !ok {
			if records, err = sink.ByTrace(ctx, b.TraceID); err != nil {
				return Report{}, err
			}
			cache[b.TraceID] = records
		}

		found := compare(b, records)
		if len(found) == 0 {
			rep.Matched++
			continue
		}
		rep.Mismatches = append(rep.Mismatches, found...)
	}

	if rep.BucketCount == 0 {
		rep.MatchRate = 1
	} else {
		rep.MatchRate = math.Round(float64(rep.Matched)/float64(rep.BucketCount)*10000) / 10000
	}
	return rep, nil
}

// Latest returns the last record of stage, restricted to actionID when it
// is non-empty.
func Latest(records []Record, stage Stage, actionID string) (Record, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Stage != stage {
			continue
		}
		if actionID != "" && r.Details[KeyActionID] != actionID {
			continue
		}
		return r, true
	}
	return Record{}, false
}

func compare(b BucketEntry, records []Record) []Mismatch {
	var out []Mismatch
	diff := func(field, bucket, audit string) {
		if bucket != audit {
			out = append(out, Mismatch{TraceID: b.TraceID, ActionID: b.ActionID, Field: field, Bucket: bucket, Audit: audit})
		}
	}

	if cls, ok := Latest(records, StageClassification, b.ActionID); ok {
		decision, category, confidence := cls.Decision, cls.Details[KeyCategory], cls.Details[KeyConfidence]
		if med, ok := Latest(records, StageMediation, b.ActionID); ok && med.Details[KeyVerdict] != "" {
			decision, category, confidence = med.Details[KeyVerdict], med.Details[KeyCategory], med.Details[KeyConfidence]
		}
		diff("decision", b.Decision, decision)
		diff("risk_category", b.RiskCategory, category)
		diff("confidence", FormatConfidence(b.Confidence), confidence)
	} else {
		diff("classification", "present", "missing")
	}

	if enf, ok := Latest(records, StageEnforcement, b.ActionID); ok {
		diff("enforcement_decision", b.EnforcementDecision, enf.Decision)
		diff("enforcement_severity", b.EnforcementSeverity, enf.Details[KeySeverity])
		diff("enforcement_confidence", FormatConfidence(b.EnforcementConfidence), enf.Details[KeyConfidence])
	} else {
		diff("enforcement", "present", "missing")
	}
	return out
}

// Stats are enforcement outcome counts and rates over all bucket entries.
type Stats struct {
	Total    int                `json:"total"`
	Counts   map[string]int     `json:"counts"`
	Rates    map[string]float64 `json:"rates"`
	Patterns map[string]int     `json:"risk_categories"`
}

var enforcementStates = []string{"allow", "monitor", "block", "escalate"}

// ComputeStats aggregates bucket entries.
func ComputeStats(ctx context.Context, sink Sink) (Stats, error) {
	buckets, err := sink.Buckets(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Total:    len(buckets),
		Counts:   make(map[string]int, len(enforcementStates)),
		Rates:    make(map[string]float64, len(enforcementStates)),
		Patterns: make(map[string]int),
	}
	for _, s := range enforcementStates {
		st.Counts[s] = 0
	}
	for _, b := range buckets {
		st.Counts[b.EnforcementDecision]++
		st.Patterns[b.RiskCategory]++
	}
	for s, n := range st.Counts {
		if st.Total > 0 {
			st.Rates[s] = math.Round(float64(n)/float64(st.Total)*10000) / 10000
		} else {
			st.Rates[s] = 0
		}
	}
	return st, nil
}
