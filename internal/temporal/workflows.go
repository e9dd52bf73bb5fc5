package temporal

import (
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityTimeout  = 10 * time.Minute
	heartbeatTimeout = 1 * time.Minute
)

// LearningCycleWorkflow runs one learning cycle as a single activity. The
// cycle is idempotent (cursor advances only after snapshots are installed),
// so retrying the activity after a transient failure replays the same
// feedback safely.
func LearningCycleWorkflow(ctx workflow.Context, input CycleInput) (CycleResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval: 30 * time.Second,
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var result CycleResult
	err := workflow.ExecuteActivity(ctx, (*Activities).RunLearningCycle, input).Get(ctx, &result)
	if err != nil {
		return CycleResult{Error: err.Error()}, err
	}
	return result, nil
}
