package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

// Run starts the workflow with an optional JSON input.
func (m *Manager) Run(ctx context.Context, workflow string, input json.RawMessage) (*remote.Execution, error) {
	if _, err := m.loader.Resolve(ctx, vpath.ForKind(types.KindWorkflow, workflow)); err != nil {
		return nil, err
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, &types.ValidationError{Kind: types.KindWorkflow, Name: workflow, Details: []string{"input is not valid JSON"}}
	}

	exec, err := m.remote.RunWorkflow(ctx, remote.ExecutionRequest{WorkflowName: workflow, Input: input})
	if err != nil {
		return nil, err
	}
	log.Info().Str("workflow", workflow).Str("execution", exec.ID).Str("status", exec.Status).Msg("started workflow")
	return exec, nil
}

// LastRun returns the most recent execution of the workflow.
func (m *Manager) LastRun(ctx context.Context, workflow string) (*remote.Execution, error) {
	return m.remote.LastExecution(ctx, workflow)
}

// Task returns one task execution of a run.
func (m *Manager) Task(ctx context.Context, id string) (*remote.TaskExecution, error) {
	return m.remote.TaskExecution(ctx, id)
}
