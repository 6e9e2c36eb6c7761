package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/QwenLM/qwen-code-sub006/internal/telemetry"
)

func TestAggregateStats(t *testing.T) {
	snap := telemetry.Snapshot{
		Models: map[string]telemetry.ModelUsage{
			"qwen3-coder": {Requests: 4, TotalTokens: 1200, PromptTokens: 900, CandidateTokens: 300, LatencyMS: 2500},
			"gpt-5":       {Requests: 2, TotalTokens: 800, PromptTokens: 500, CandidateTokens: 300, LatencyMS: 1500},
		},
		ToolCalls:   7,
		ToolSuccess: 6,
		ToolFailure: 1,
	}

	s := AggregateStats(snap)
	assert.Equal(t, 6, s.Rounds)
	assert.Equal(t, int64(2000), s.TotalTokens)
	assert.Equal(t, int64(1400), s.InputTokens)
	assert.Equal(t, int64(600), s.OutputTokens)
	assert.Equal(t, 7, s.ToolCalls)
	assert.Equal(t, 6, s.ToolSuccess)
	assert.Equal(t, 1, s.ToolFailure)
	assert.Equal(t, 4*time.Second, s.Duration)
}

func TestAggregateStatsEmptySnapshot(t *testing.T) {
	assert.Equal(t, Stats{}, AggregateStats(telemetry.Snapshot{}))
}
