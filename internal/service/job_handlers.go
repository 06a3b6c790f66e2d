package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopmail/loopmail/internal/domain"
)

// NewJobHandlers maps each job kind to its handler. A payload that fails to
// unmarshal is permanent: retrying cannot fix malformed JSON.
func NewJobHandlers(
	runtime domain.WorkflowRuntime,
	dispatcher domain.CampaignDispatcher,
	sender domain.EmailSender,
	emailRepo domain.EmailRepository,
) map[string]domain.JobHandler {
	return map[string]domain.JobHandler{
		domain.JobKindExecuteStep: domain.JobHandlerFunc(func(ctx context.Context, job *domain.Job) error {
			var payload domain.ExecuteStepPayload
			if err := decodePayload(job, &payload); err != nil {
				return err
			}
			return runtime.ExecuteStep(ctx, payload.ProjectID, payload.StepExecutionID)
		}),
		domain.JobKindWaitTimeout: domain.JobHandlerFunc(func(ctx context.Context, job *domain.Job) error {
			var payload domain.WaitTimeoutPayload
			if err := decodePayload(job, &payload); err != nil {
				return err
			}
			return runtime.HandleWaitTimeout(ctx, payload.ProjectID, payload.StepExecutionID)
		}),
		domain.JobKindCampaignStart: domain.JobHandlerFunc(func(ctx context.Context, job *domain.Job) error {
			var payload domain.CampaignStartPayload
			if err := decodePayload(job, &payload); err != nil {
				return err
			}
			return dispatcher.StartCampaign(ctx, payload.ProjectID, payload.CampaignID)
		}),
		domain.JobKindCampaignBatch: domain.JobHandlerFunc(func(ctx context.Context, job *domain.Job) error {
			var payload domain.CampaignBatchPayload
			if err := decodePayload(job, &payload); err != nil {
				return err
			}
			return dispatcher.ProcessBatch(ctx, payload.ProjectID, payload.CampaignID,
				payload.BatchNumber, payload.Limit, payload.Cursor)
		}),
		domain.JobKindEmailSend: domain.JobHandlerFunc(func(ctx context.Context, job *domain.Job) error {
			var payload domain.EmailSendPayload
			if err := decodePayload(job, &payload); err != nil {
				return err
			}
			err := sender.DeliverEmail(ctx, payload.ProjectID, payload.EmailID)
			if err != nil && job.Attempts+1 >= job.MaxAttempts {
				// Last attempt: park the email before the job dead-letters
				if failErr := emailRepo.MarkFailed(ctx, payload.ProjectID, payload.EmailID, err.Error()); failErr != nil {
					return fmt.Errorf("failed to park email %s: %v (send error: %w)", payload.EmailID, failErr, err)
				}
			}
			return err
		}),
	}
}

func decodePayload(job *domain.Job, dest interface{}) error {
	if err := json.Unmarshal(job.Payload, dest); err != nil {
		return domain.NewPermanentError(fmt.Errorf("invalid %s payload: %w", job.Kind, err))
	}
	return nil
}
