// Package tasks defines the asynq tasks that drive background risk
// recalculation.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeCheckinRiskScan      = "checkin.risk.scan"
	TypeCheckinRiskCalculate = "checkin.risk.calculate"
)

// FollowUpDelay is how long a follow-up recalculation waits so that the
// calculation already holding the owner's task id can finish first.
const FollowUpDelay = 15 * time.Second

// ErrOwnerBusy is returned by a calculation that found the owner's lock held.
// It is retried without counting as a failure.
var ErrOwnerBusy = errors.New("owner recalculation in progress")

type CalculatePayload struct {
	OwnerID uuid.UUID `json:"owner_id"`
	Reason  string    `json:"reason,omitempty"`
}

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewCalculateTask builds a recalculation task for one owner. The task id is
// derived from the owner so concurrent triggers collapse while one is pending.
func NewCalculateTask(ownerID uuid.UUID, reason string, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(CalculatePayload{OwnerID: ownerID, Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCheckinRiskCalculate, payload,
		asynq.Queue(queue),
		asynq.TaskID(calculateTaskID(ownerID)),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
	), nil
}

func calculateTaskID(ownerID uuid.UUID) string {
	return "checkin-risk:" + ownerID.String()
}

func followUpTaskID(ownerID uuid.UUID) string {
	return calculateTaskID(ownerID) + ":follow-up"
}

func ParseCalculatePayload(data []byte) (CalculatePayload, error) {
	var p CalculatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return CalculatePayload{}, fmt.Errorf("decode calculate payload: %w", err)
	}
	if p.OwnerID == uuid.Nil {
		return CalculatePayload{}, fmt.Errorf("decode calculate payload: owner_id is required")
	}
	return p, nil
}

// EnqueueCalculations enqueues one task per owner. When the owner's task id
// is taken, the existing task may already have read its inputs, so a delayed
// follow-up is enqueued under a second id. Owners whose follow-up is also
// pending are counted as skipped.
func EnqueueCalculations(ctx context.Context, client Enqueuer, owners []uuid.UUID, reason string, queue string) (enqueued int, skipped int, err error) {
	for _, owner := range owners {
		task, err := NewCalculateTask(owner, reason, queue)
		if err != nil {
			return enqueued, skipped, err
		}
		_, err = client.EnqueueContext(ctx, task)
		if isConflict(err) {
			_, err = client.EnqueueContext(ctx, task, asynq.TaskID(followUpTaskID(owner)), asynq.ProcessIn(FollowUpDelay))
			if isConflict(err) {
				skipped++
				continue
			}
		}
		if err != nil {
			return enqueued, skipped, fmt.Errorf("enqueue %s: %w", owner, err)
		}
		enqueued++
	}
	return enqueued, skipped, nil
}

func isConflict(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// RetryDelay retries busy owners after a few seconds and leaves other
// failures to asynq's exponential backoff.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	if errors.Is(err, ErrOwnerBusy) {
		return time.Duration(n+1) * 2 * time.Second
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

// IsFailure keeps busy-owner retries out of the retry budget and failure
// stats.
func IsFailure(err error) bool {
	return !errors.Is(err, ErrOwnerBusy)
}
