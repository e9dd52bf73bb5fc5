package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"

	"github.com/nordwire/genroute/internal/learn"
)

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Cycle *learn.Cycle
}

// RunLearningCycle drains feedback, rescores rewards and swaps in fresh
// policy snapshots. The cycle itself is single-flight, so an overlapping
// manual trigger simply waits on the previous run. Events and metrics are
// emitted by the cycle, not here.
func (a *Activities) RunLearningCycle(ctx context.Context, input CycleInput) (CycleResult, error) {
	activity.RecordHeartbeat(ctx, "running")

	summary, err := a.Cycle.RunOnce(ctx)
	if err != nil {
		return CycleResult{Error: err.Error()}, fmt.Errorf("learning cycle: %w", err)
	}

	return CycleResult{
		Drained:     summary.Drained,
		Scored:      summary.Scored,
		Skipped:     summary.Skipped,
		Regressions: len(summary.Regressions),
		Frozen:      summary.Frozen,
		DurationMs:  summary.Duration.Milliseconds(),
	}, nil
}
