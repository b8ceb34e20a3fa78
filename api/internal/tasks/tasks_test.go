package tasks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	taken  map[string]bool
	ids    []string
	delays []time.Duration
	err    error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	payload, err := ParseCalculatePayload(task.Payload())
	if err != nil {
		return nil, err
	}
	id := calculateTaskID(payload.OwnerID)
	var delay time.Duration
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.TaskIDOpt:
			id = opt.Value().(string)
		case asynq.ProcessInOpt:
			delay = opt.Value().(time.Duration)
		}
	}
	if f.taken == nil {
		f.taken = map[string]bool{}
	}
	if f.taken[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.taken[id] = true
	f.ids = append(f.ids, id)
	f.delays = append(f.delays, delay)
	return &asynq.TaskInfo{ID: id}, nil
}

func TestCalculateTaskPayload(t *testing.T) {
	owner := uuid.New()
	task, err := NewCalculateTask(owner, "warning_package", "default")
	require.NoError(t, err)
	require.Equal(t, TypeCheckinRiskCalculate, task.Type())

	payload, err := ParseCalculatePayload(task.Payload())
	require.NoError(t, err)
	require.Equal(t, owner, payload.OwnerID)
	require.Equal(t, "warning_package", payload.Reason)
}

func TestParseCalculatePayloadRequiresOwner(t *testing.T) {
	_, err := ParseCalculatePayload([]byte(`{"reason":"scan"}`))
	require.Error(t, err)
	_, err = ParseCalculatePayload([]byte(`not json`))
	require.Error(t, err)
}

func TestEnqueueCalculationsSkipsPending(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	client := &fakeEnqueuer{}

	enqueued, skipped, err := EnqueueCalculations(context.Background(), client, []uuid.UUID{a, b, a, a}, "scan", "default")
	require.NoError(t, err)
	require.Equal(t, 3, enqueued)
	require.Equal(t, 1, skipped)
	require.Equal(t, []string{calculateTaskID(a), calculateTaskID(b), followUpTaskID(a)}, client.ids)
}

func TestEnqueueCalculationsFollowsUpRunningTask(t *testing.T) {
	owner := uuid.New()
	client := &fakeEnqueuer{taken: map[string]bool{calculateTaskID(owner): true}}

	enqueued, skipped, err := EnqueueCalculations(context.Background(), client, []uuid.UUID{owner}, "warning_package", "default")
	require.NoError(t, err)
	require.Equal(t, 1, enqueued)
	require.Equal(t, 0, skipped)
	require.Equal(t, []string{followUpTaskID(owner)}, client.ids)
	require.Equal(t, []time.Duration{FollowUpDelay}, client.delays)

	// the running task finishes and frees its id
	delete(client.taken, calculateTaskID(owner))
	enqueued, _, err = EnqueueCalculations(context.Background(), client, []uuid.UUID{owner}, "checkin_created", "default")
	require.NoError(t, err)
	require.Equal(t, 1, enqueued)
	require.Equal(t, calculateTaskID(owner), client.ids[1])
	require.Zero(t, client.delays[1])
}

func TestOwnerBusyIsRetriedQuickly(t *testing.T) {
	busy := fmt.Errorf("%w: %s", ErrOwnerBusy, uuid.New())
	require.False(t, IsFailure(busy))
	require.True(t, IsFailure(errors.New("db down")))

	task, err := NewCalculateTask(uuid.New(), "scan", "default")
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, RetryDelay(0, busy, task))
	require.Equal(t, 6*time.Second, RetryDelay(2, busy, task))
}

func TestEnqueueCalculationsStopsOnError(t *testing.T) {
	boom := errors.New("redis down")
	_, _, err := EnqueueCalculations(context.Background(), &fakeEnqueuer{err: boom}, []uuid.UUID{uuid.New()}, "scan", "default")
	require.ErrorIs(t, err, boom)
}
