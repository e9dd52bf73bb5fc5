package temporal

// CycleInput is the input for the LearningCycleWorkflow.
type CycleInput struct {
	RequestID string `json:"request_id"`
	Trigger   string `json:"trigger"` // "cron" or "manual"
}

// CycleResult is the output of the RunLearningCycle activity and of the
// LearningCycleWorkflow.
type CycleResult struct {
	Drained     int    `json:"drained"`
	Scored      int    `json:"scored"`
	Skipped     int    `json:"skipped"`
	Regressions int    `json:"regressions"`
	Frozen      bool   `json:"frozen"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}
