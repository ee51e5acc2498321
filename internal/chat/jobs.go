package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/suPer8Hu/querychat/internal/common"
	"gorm.io/gorm"
)

// SubmitJob records a turn for the worker. With an idempotency key, a
// repeated submission returns the first job and created=false, and the
// caller must not enqueue it again.
func (s *Service) SubmitJob(ctx context.Context, userID uint64, req TurnRequest, idempotencyKey string) (*Job, bool, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, false, ErrEmptyMessage
	}
	if err := s.ValidateConversationOwner(ctx, userID, req.ConversationID); err != nil {
		return nil, false, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	job := &Job{
		ID:             jobID,
		UserID:         userID,
		ConversationID: req.ConversationID,
		Prompt:         req.Message,
		ExecuteQuery:   req.executeQuery(),
		Status:         JobQueued,
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		job.IdempotencyKey = &key
	}
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// GetJob hides jobs of other users behind ErrJobNotFound.
func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// ProcessJob runs a queued job as a streaming turn and records the result.
// Only the caller that moves the job from queued to running runs the turn;
// a redelivery of a running or finished job returns it unchanged. A job
// whose conversation is busy is put back to queued and ErrTurnInProgress
// returned, unless lastAttempt is set, in which case it is marked failed.
func (s *Service) ProcessJob(ctx context.Context, jobID string, lastAttempt bool) (*Job, error) {
	claimed, err := s.repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return nil, err
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if !claimed {
		return j, nil
	}

	execute := j.ExecuteQuery
	res, err := s.RunTurn(ctx, j.UserID, TurnRequest{
		ConversationID: j.ConversationID,
		Message:        j.Prompt,
		ExecuteQuery:   &execute,
		TurnID:         j.ID,
		IdempotencyKey: "job:" + j.ID,
	}, true)

	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, ErrTurnInProgress) && !lastAttempt {
			if rqErr := s.repo.RequeueJob(persistCtx, j.ID); rqErr != nil {
				return nil, rqErr
			}
			return nil, err
		}
		if markErr := s.repo.MarkJobFailed(persistCtx, j.ID, PublicError(err)); markErr != nil {
			return nil, markErr
		}
		return nil, err
	}

	if err := s.repo.MarkJobSucceeded(persistCtx, j.ID, res.AssistantMessage.ID); err != nil {
		return nil, err
	}
	return s.repo.GetJobByID(persistCtx, j.ID)
}
