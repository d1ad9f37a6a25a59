package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"kasirinaja/posledger/internal/domain"
)

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

type stubPoller struct {
	session domain.PaymentSession
	err     error
	calls   int
}

func (p *stubPoller) PollStatus(_ context.Context, orderRef string) (domain.PaymentSession, error) {
	p.calls++
	session := p.session
	session.OrderRef = orderRef
	return session, p.err
}

func TestScheduleEnqueuesPollTask(t *testing.T) {
	enq := &recordingEnqueuer{}
	sched := NewPaymentPollScheduler(enq, time.Second, nil)

	require.NoError(t, sched.Schedule(context.Background(), "PAY-1"))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskPaymentPoll, enq.tasks[0].Type())

	var payload PaymentPollPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, "PAY-1", payload.OrderRef)

	enq.err = errors.New("redis down")
	require.Error(t, sched.Schedule(context.Background(), "PAY-2"))
}

func TestHandlerReenqueuesUntilTerminal(t *testing.T) {
	enq := &recordingEnqueuer{}
	sched := NewPaymentPollScheduler(enq, time.Second, nil)
	poller := &stubPoller{session: domain.PaymentSession{Status: domain.PaymentStatusPolling}}
	handler := sched.Handler(poller)

	task, err := NewPaymentPollTask("PAY-1")
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), task))
	require.Len(t, enq.tasks, 1)

	poller.session.Status = domain.PaymentStatusConfirmed
	require.NoError(t, handler(context.Background(), task))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, 2, poller.calls)
}

func TestHandlerKeepsPollingAfterTransientError(t *testing.T) {
	enq := &recordingEnqueuer{}
	sched := NewPaymentPollScheduler(enq, time.Second, nil)
	poller := &stubPoller{err: errors.New("store unavailable")}

	task, err := NewPaymentPollTask("PAY-1")
	require.NoError(t, err)
	require.NoError(t, sched.Handler(poller)(context.Background(), task))
	require.Len(t, enq.tasks, 1)
}

func TestHandlerDropsExpiredSessions(t *testing.T) {
	enq := &recordingEnqueuer{}
	sched := NewPaymentPollScheduler(enq, time.Second, nil)
	poller := &stubPoller{err: domain.ErrNotFound}

	task, err := NewPaymentPollTask("PAY-1")
	require.NoError(t, err)
	require.NoError(t, sched.Handler(poller)(context.Background(), task))
	require.Empty(t, enq.tasks)
}

func TestHandlerSkipsRetryOnBadPayload(t *testing.T) {
	sched := NewPaymentPollScheduler(&recordingEnqueuer{}, time.Second, nil)
	err := sched.Handler(&stubPoller{})(context.Background(), asynq.NewTask(TaskPaymentPoll, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
