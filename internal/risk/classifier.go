package risk

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrClassificationFailure marks an internal fault during pattern evaluation.
var ErrClassificationFailure = errors.New("risk: classification failure")

const (
	maxMessagesPerHour  = 10
	frequencyConfidence = 85.0
	frequencyPattern    = "High frequency messaging"

	multiMatchBoost    = 5
	maxMultiMatchBoost = 15

	summaryRunes  = 100
	summarySuffix = "... [Content summarized for readability]"
)

// Classifier evaluates content against a Library. It holds no mutable state
// and is safe for concurrent use.
type Classifier struct {
	lib *Library
}

// NewClassifier returns a classifier over lib, or over the builtin ruleset
// when lib is nil.
func NewClassifier(lib *Library) *Classifier {
	if lib == nil {
		lib = Default()
	}
	return &Classifier{lib: lib}
}

// Library returns the ruleset in use.
func (c *Classifier) Library() *Library { return c.lib }

// Outbound classifies an assistant action. Hard-deny tiers are evaluated
// before soft-rewrite tiers and the first matching tier wins. The grooming
// tier only applies when isMinor is set.
func (c *Classifier) Outbound(content string, isMinor bool) Result {
	text := strings.ToLower(content)

	for _, stage := range []Stage{StageHardDeny, StageSoftRewrite} {
		tiers := c.lib.Tiers(stage)
		for i := range tiers {
			tier := &tiers[i]
			if tier.MinorOnly() && !isMinor {
				continue
			}
			descs, weights := tier.evaluate(text)
			if len(descs) == 0 {
				continue
			}

			r := Result{Evaluation: c.evaluation(PrefixTrace, DirectionOutbound, content, tier.Category, Confidence(weights), descs)}
			switch stage {
			case StageHardDeny:
				r.Decision = DecisionHardDeny
				r.Explanation = fmt.Sprintf("Hard deny: %s content detected", tier.Category)
				r.Response = c.lib.Template(stage, tier.Category)
			default:
				r.Decision = DecisionSoftRewrite
				r.Explanation = fmt.Sprintf("Soft rewrite: %s pattern detected", tier.Category)
				r.SafeRewrite = c.lib.Template(stage, tier.Category)
			}
			return r
		}
	}

	r := Result{
		Evaluation: c.evaluation(PrefixTrace, DirectionOutbound, content, CategoryClean, 0, nil),
		Decision:   DecisionAllow,
	}
	r.Explanation = "No risk patterns matched"
	return r
}

// Inbound classifies an incoming message. Stages run in the order
// escalate, silence, frequency check, delay, summarize.
func (c *Classifier) Inbound(content string, freq *FrequencyData) InboundResult {
	text := strings.ToLower(content)

	if r, ok := c.inboundStage(StageEscalate, content, text); ok {
		r.Decision = DecisionEscalate
		r.Explanation = fmt.Sprintf("Critical threat detected: %s", r.Category)
		return r
	}
	if r, ok := c.inboundStage(StageSilence, content, text); ok {
		r.Decision = DecisionSilence
		r.Explanation = fmt.Sprintf("Harassment detected: %s", r.Category)
		return r
	}
	if freq.Harassing() {
		r := InboundResult{
			Evaluation: c.evaluation(PrefixInbound, DirectionInbound, content, CategoryRepeatedHarassment, frequencyConfidence, []string{frequencyPattern}),
			Decision:   DecisionSilence,
		}
		r.Explanation = "Repeated harassment detected via frequency analysis"
		return r
	}
	if r, ok := c.inboundStage(StageDelay, content, text); ok {
		r.Decision = DecisionDelay
		r.Explanation = fmt.Sprintf("Manipulative urgency detected: %s", r.Category)
		r.DelaySeconds = DelayFor(r.Confidence)
		return r
	}
	if r, ok := c.inboundStage(StageSummarize, content, text); ok {
		r.Decision = DecisionSummarize
		r.Explanation = fmt.Sprintf("Information overload detected: %s", r.Category)
		r.SafeSummary = Summarize(content)
		return r
	}

	r := InboundResult{
		Evaluation: c.evaluation(PrefixInbound, DirectionInbound, content, CategoryCleanInbound, 0, nil),
		Decision:   DecisionDeliver,
	}
	r.Explanation = "Safe inbound content"
	return r
}

func (c *Classifier) inboundStage(stage Stage, content, text string) (InboundResult, bool) {
	tiers := c.lib.Tiers(stage)
	for i := range tiers {
		descs, weights := tiers[i].evaluate(text)
		if len(descs) == 0 {
			continue
		}
		return InboundResult{
			Evaluation: c.evaluation(PrefixInbound, DirectionInbound, content, tiers[i].Category, Confidence(weights), descs),
		}, true
	}
	return InboundResult{}, false
}

func (c *Classifier) evaluation(prefix string, dir Direction, content string, cat Category, confidence float64, descs []string) Evaluation {
	if descs == nil {
		descs = []string{}
	}
	return Evaluation{
		TraceID:         TraceID(prefix, content, cat, c.lib.Version()),
		Direction:       dir,
		Category:        cat,
		Confidence:      confidence,
		MatchedPatterns: descs,
		Content:         content,
		RulesetVersion:  c.lib.Version(),
	}
}

// Confidence averages the weights of the matching rules of one tier and
// adds 5 per extra match, up to 15. The result is capped at 100.
func Confidence(weights []int) float64 {
	n := len(weights)
	if n == 0 {
		return 0
	}
	sum := 0
	for _, w := range weights {
		sum += w
	}
	conf := float64(sum) / float64(n)
	if n > 1 {
		conf += float64(min(multiMatchBoost*(n-1), maxMultiMatchBoost))
	}
	return math.Round(math.Min(conf, 100)*100) / 100
}

// DelayFor maps a delay-tier confidence to a hold duration in seconds.
func DelayFor(confidence float64) int {
	switch {
	case confidence > 90:
		return 3600
	case confidence > 80:
		return 1800
	case confidence > 70:
		return 900
	default:
		return 300
	}
}

// Summarize truncates content for display in place of an overwhelming message.
func Summarize(content string) string {
	runes := []rune(content)
	if len(runes) > summaryRunes {
		runes = runes[:summaryRunes]
	}
	return string(runes) + summarySuffix
}
