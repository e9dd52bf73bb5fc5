// Package temporal runs the daily learning cycle as a Temporal cron workflow
// when a Temporal server is available. The cycle also runs standalone (see
// learn.Cycle.Run), so this package is strictly optional.
package temporal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
	CronSpec  string // cycle schedule, e.g. "@daily"
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
}

// New creates a Temporal client and worker, registering the learning cycle
// workflow and its activity.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(LearningCycleWorkflow)
	w.RegisterActivity(acts.RunLearningCycle)

	return &Manager{
		client: c,
		worker: w,
		cfg:    cfg,
	}, nil
}

// Start begins the worker polling for tasks and installs the cron schedule.
// The fixed workflow ID makes the schedule idempotent across restarts.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("temporal worker start: %w", err)
	}

	spec := m.cfg.CronSpec
	if spec == "" {
		spec = "@daily"
	}
	_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           "learning-cycle-cron",
		TaskQueue:    m.cfg.TaskQueue,
		CronSchedule: spec,
	}, LearningCycleWorkflow, CycleInput{Trigger: "cron"})
	if err != nil {
		// A previous process already installed the cron run.
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil
		}
		return fmt.Errorf("schedule learning cycle: %w", err)
	}
	return nil
}

// TriggerCycle starts a one-off learning cycle run and waits for its result.
// The request ID keeps concurrent manual runs from colliding on workflow ID.
func (m *Manager) TriggerCycle(ctx context.Context, requestID string) (CycleResult, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	run, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "learning-cycle-manual-" + requestID,
		TaskQueue: m.cfg.TaskQueue,
	}, LearningCycleWorkflow, CycleInput{RequestID: requestID, Trigger: "manual"})
	if err != nil {
		return CycleResult{}, fmt.Errorf("start learning cycle: %w", err)
	}
	var result CycleResult
	if err := run.Get(ctx, &result); err != nil {
		return CycleResult{}, err
	}
	return result, nil
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
