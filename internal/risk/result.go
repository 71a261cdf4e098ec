package risk

// Evaluation holds the fields shared by outbound and inbound results.
type Evaluation struct {
	TraceID         string    `json:"trace_id"`
	Direction       Direction `json:"direction"`
	Category        Category  `json:"risk_category"`
	Confidence      float64   `json:"confidence"`
	MatchedPatterns []string  `json:"matched_patterns"`
	Explanation     string    `json:"explanation"`
	Content         string    `json:"original_content"`
	RulesetVersion  string    `json:"ruleset_version"`
}

// Result is the classification of an outbound assistant action.
type Result struct {
	Evaluation
	Decision ActionDecision `json:"decision"`
	// SafeRewrite replaces the content when Decision is soft_rewrite.
	SafeRewrite string `json:"safe_rewrite,omitempty"`
	// Response is shown instead of the content when Decision is hard_deny.
	Response string `json:"response,omitempty"`
}

// InboundResult is the classification of an incoming message.
type InboundResult struct {
	Evaluation
	Decision     InboundDecision `json:"decision"`
	SafeSummary  string          `json:"safe_summary,omitempty"`
	DelaySeconds int             `json:"delay_duration,omitempty"`
}

// FrequencyData describes recent sender behaviour for harassment detection.
type FrequencyData struct {
	MessagesPerHour    int `json:"messages_per_hour"`
	MessagesAfterBlock int `json:"messages_after_block"`
}

// Harassing reports whether the sender's volume alone indicates harassment.
func (f *FrequencyData) Harassing() bool {
	if f == nil {
		return false
	}
	return f.MessagesPerHour > maxMessagesPerHour || f.MessagesAfterBlock > 0
}
