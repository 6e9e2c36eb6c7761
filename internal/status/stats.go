package status

import (
	"time"

	"github.com/QwenLM/qwen-code-sub006/internal/telemetry"
)

// Stats aggregates token and tool-call telemetry across every model an
// agent has talked to.
type Stats struct {
	Rounds       int           `json:"rounds"`
	TotalTokens  int64         `json:"totalTokens"`
	InputTokens  int64         `json:"inputTokens"`
	OutputTokens int64         `json:"outputTokens"`
	ToolCalls    int           `json:"toolCalls"`
	ToolSuccess  int           `json:"toolSuccess"`
	ToolFailure  int           `json:"toolFailure"`
	Duration     time.Duration `json:"duration"`
}

// AggregateStats folds a telemetry snapshot into channel stats. An empty
// model set yields all-zero stats.
func AggregateStats(snap telemetry.Snapshot) Stats {
	s := Stats{
		ToolCalls:   snap.ToolCalls,
		ToolSuccess: snap.ToolSuccess,
		ToolFailure: snap.ToolFailure,
	}
	for _, usage := range snap.Models {
		s.Rounds += usage.Requests
		s.TotalTokens += usage.TotalTokens
		s.InputTokens += usage.PromptTokens
		s.OutputTokens += usage.CandidateTokens
		s.Duration += time.Duration(usage.LatencyMS) * time.Millisecond
	}
	return s
}
