package telemetry

// ModelUsage holds per-model API usage counters for one agent.
type ModelUsage struct {
	Requests        int   `json:"requests"`
	TotalTokens     int64 `json:"totalTokens"`
	PromptTokens    int64 `json:"promptTokens"`
	CandidateTokens int64 `json:"candidateTokens"`
	LatencyMS       int64 `json:"latencyMs"`
}

// Snapshot is a point-in-time view of an agent's API and tool activity.
type Snapshot struct {
	Models      map[string]ModelUsage `json:"models"`
	ToolCalls   int                   `json:"toolCalls"`
	ToolSuccess int                   `json:"toolSuccess"`
	ToolFailure int                   `json:"toolFailure"`
}

// Provider is implemented by the agent loop's telemetry service. The
// orchestration core only reads snapshots; it never resets counters.
type Provider interface {
	Snapshot() Snapshot
}
