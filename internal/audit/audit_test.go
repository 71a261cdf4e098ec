package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBucket() BucketEntry {
	return BucketEntry{
		TraceID:               "trace_abc123def456",
		ActionID:              "a1",
		Decision:              "hard_deny",
		RiskCategory:          "self_harm",
		Confidence:            95,
		EnforcementDecision:   "escalate",
		EnforcementSeverity:   "critical",
		EnforcementConfidence: 0.98,
		UserIDHash:            "0a1b2c3d",
		BucketID:              "bucket_3def456",
	}
}

// seed writes the classification and enforcement records of b plus b itself.
func seed(t *testing.T, s Sink, b BucketEntry) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Append(ctx, Record{
		TraceID:  b.TraceID,
		Stage:    StageClassification,
		Decision: b.Decision,
		Details: map[string]string{
			KeyActionID:   b.ActionID,
			KeyCategory:   b.RiskCategory,
			KeyConfidence: FormatConfidence(b.Confidence),
		},
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, Record{
		TraceID:  b.TraceID,
		Stage:    StageEnforcement,
		Decision: b.EnforcementDecision,
		Details: map[string]string{
			KeyActionID:   b.ActionID,
			KeySeverity:   b.EnforcementSeverity,
			KeyConfidence: FormatConfidence(b.EnforcementConfidence),
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.AppendBucket(ctx, b))
}

func TestBucketEntryValidate(t *testing.T) {
	require.NoError(t, validBucket().Validate())

	tests := []struct {
		name  string
		apply func(*BucketEntry)
	}{
		{"trace_id", func(b *BucketEntry) { b.TraceID = "" }},
		{"decision", func(b *BucketEntry) { b.Decision = "" }},
		{"risk_category", func(b *BucketEntry) { b.RiskCategory = "" }},
		{"enforcement_decision", func(b *BucketEntry) { b.EnforcementDecision = "" }},
		{"enforcement_severity", func(b *BucketEntry) { b.EnforcementSeverity = "" }},
		{"user_id_hash", func(b *BucketEntry) { b.UserIDHash = "" }},
		{"bucket_id", func(b *BucketEntry) { b.BucketID = "" }},
		{"confidence range", func(b *BucketEntry) { b.Confidence = 101 }},
		{"enforcement confidence range", func(b *BucketEntry) { b.EnforcementConfidence = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBucket()
			tt.apply(&b)
			assert.ErrorIs(t, b.Validate(), ErrIncompleteEntry)
		})
	}
}

func TestMemorySinkAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	for _, st := range []Stage{StageClassification, StageMediation, StageEnforcement, StageApproval} {
		_, err := s.Append(ctx, Record{TraceID: "trace_x", Stage: st, Decision: "ok"})
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, Record{TraceID: "trace_y", Stage: StageClassification, Decision: "allow"})
	require.NoError(t, err)

	got, err := s.ByTrace(ctx, "trace_x")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
	assert.Equal(t, StageApproval, got[3].Stage)
	assert.False(t, got[0].Timestamp.IsZero())

	n, err := s.Count(ctx, StageClassification)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestMemorySinkRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	_, err := s.Append(ctx, Record{TraceID: "t", Stage: "bogus", Decision: "x"})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	b := validBucket()
	b.BucketID = ""
	assert.ErrorIs(t, s.AppendBucket(ctx, b), ErrIncompleteEntry)

	buckets, _ := s.Buckets(ctx)
	assert.Empty(t, buckets)
}

func TestMemorySinkDetailsIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	details := map[string]string{"k": "v"}
	_, err := s.Append(ctx, Record{TraceID: "t", Stage: StageMediation, Decision: "allowed", Details: details})
	require.NoError(t, err)
	details["k"] = "changed"

	got, _ := s.ByTrace(ctx, "t")
	assert.Equal(t, "v", got[0].Details["k"])
}

func TestVerifyConsistent(t *testing.T) {
	s := NewMemorySink()
	seed(t, s, validBucket())

	b := validBucket()
	b.TraceID, b.ActionID = "trace_000000000001", "a2"
	b.Decision, b.RiskCategory, b.Confidence = "allow", "clean", 0
	b.EnforcementDecision, b.EnforcementSeverity, b.EnforcementConfidence = "allow", "low", 0.95
	seed(t, s, b)

	rep, err := Verify(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.BucketCount)
	assert.Equal(t, 2, rep.AuditCount)
	assert.Equal(t, 2, rep.Matched)
	assert.Empty(t, rep.Mismatches)
	assert.Equal(t, 1.0, rep.MatchRate)
	assert.True(t, rep.Consistent())
}

func TestVerifyDetectsTamperedBucket(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	seed(t, s, validBucket())

	// A bucket whose enforcement fields disagree with the stage log.
	bad := validBucket()
	bad.EnforcementDecision = "allow"
	require.NoError(t, s.AppendBucket(ctx, bad))

	rep, err := Verify(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.BucketCount)
	assert.Equal(t, 1, rep.AuditCount)
	assert.Equal(t, 1, rep.Matched)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, "enforcement_decision", rep.Mismatches[0].Field)
	assert.Equal(t, "allow", rep.Mismatches[0].Bucket)
	assert.Equal(t, "escalate", rep.Mismatches[0].Audit)
	assert.Equal(t, 0.5, rep.MatchRate)
	assert.False(t, rep.Consistent())
}

func TestVerifyMissingStageRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	require.NoError(t, s.AppendBucket(ctx, validBucket()))

	rep, err := Verify(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, rep.Matched)
	require.Len(t, rep.Mismatches, 2)
	assert.Equal(t, "classification", rep.Mismatches[0].Field)
	assert.Equal(t, "enforcement", rep.Mismatches[1].Field)
}

func TestVerifyEmpty(t *testing.T) {
	rep, err := Verify(context.Background(), NewMemorySink())
	require.NoError(t, err)
	assert.Equal(t, 1.0, rep.MatchRate)
	assert.True(t, rep.Consistent())
}

func TestComputeStats(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	for i, state := range []string{"allow", "allow", "monitor", "block"} {
		b := validBucket()
		b.EnforcementDecision = state
		b.BucketID = "bucket_" + string(rune('a'+i))
		require.NoError(t, s.AppendBucket(ctx, b))
	}

	st, err := ComputeStats(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Counts["allow"])
	assert.Equal(t, 0, st.Counts["escalate"])
	assert.Equal(t, 0.5, st.Rates["allow"])
	assert.Equal(t, 0.25, st.Rates["block"])
	assert.Equal(t, 4, st.Patterns["self_harm"])
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewMemorySink()
	seed(t, s, validBucket())

	r := gin.New()
	NewHandler(s).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit/traces/trace_abc123def456", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var trace struct {
		Count   int      `json:"count"`
		Records []Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trace))
	assert.Equal(t, 2, trace.Count)
	assert.Equal(t, StageClassification, trace.Records[0].Stage)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit/traces/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit/verify", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var ver struct {
		Consistent   bool   `json:"consistent"`
		Verification Report `json:"verification"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ver))
	assert.True(t, ver.Consistent)
	assert.Equal(t, 1, ver.Verification.BucketCount)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"escalate":1`)
}
