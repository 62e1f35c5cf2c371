package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// WorkflowResumeScheduler hands an interrupted ingestion to a Cloud Workflow
// that waits and then calls the ingestion-resumer function.
type WorkflowResumeScheduler struct {
	executionsClient *executions.Client
	parent           string
}

func NewWorkflowResumeScheduler(ctx context.Context, projectID, location, workflowID string) (*WorkflowResumeScheduler, error) {
	if projectID == "" || location == "" || workflowID == "" {
		return nil, fmt.Errorf("NewWorkflowResumeScheduler: projectID, location and workflowID cannot be empty")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowResumeScheduler{
		executionsClient: client,
		parent:           workflowParent(projectID, location, workflowID),
	}, nil
}

// ScheduleResume starts one workflow execution for documentID.
func (s *WorkflowResumeScheduler) ScheduleResume(ctx context.Context, documentID string) error {
	payloadBytes, err := json.Marshal(map[string]interface{}{
		"documentId": documentID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: s.parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := s.executionsClient.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to trigger resume workflow execution: %w", err)
	}
	slog.Info("Resume workflow triggered.", "documentId", documentID, "execution", exec.GetName())
	return nil
}

func (s *WorkflowResumeScheduler) Close() error {
	return s.executionsClient.Close()
}

func workflowParent(projectID, location, workflowID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID)
}
