package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"kasirinaja/posledger/internal/domain"
)

const (
	QueueDefault = "default"
	// TaskPaymentPoll asks the gateway for the status of one payment session.
	TaskPaymentPoll = "payment:poll"
)

type PaymentPollPayload struct {
	OrderRef string `json:"order_ref"`
}

func NewPaymentPollTask(orderRef string) (*asynq.Task, error) {
	data, err := json.Marshal(PaymentPollPayload{OrderRef: orderRef})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentPoll, data), nil
}

// Poller advances a payment session by one gateway check.
type Poller interface {
	PollStatus(ctx context.Context, orderRef string) (domain.PaymentSession, error)
}

// Enqueuer is the part of asynq.Client the poll scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// PaymentPollScheduler drives polling through the queue so any worker process
// can pick up the next tick. Each handled task enqueues its successor until
// the session is settled.
type PaymentPollScheduler struct {
	enqueuer Enqueuer
	interval time.Duration
	logger   *slog.Logger
}

func NewPaymentPollScheduler(enqueuer Enqueuer, interval time.Duration, logger *slog.Logger) *PaymentPollScheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentPollScheduler{enqueuer: enqueuer, interval: interval, logger: logger}
}

func (s *PaymentPollScheduler) Schedule(ctx context.Context, orderRef string) error {
	task, err := NewPaymentPollTask(orderRef)
	if err != nil {
		return err
	}
	_, err = s.enqueuer.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.ProcessIn(s.interval),
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("enqueue payment poll %s: %w", orderRef, err)
	}
	return nil
}

// Stop is a no-op. A queued tick for a settled session finds it terminal and
// does not enqueue again.
func (s *PaymentPollScheduler) Stop(string) {}

// Handler returns the asynq handler for TaskPaymentPoll.
func (s *PaymentPollScheduler) Handler(poller Poller) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload PaymentPollPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OrderRef == "" {
			return fmt.Errorf("decode payment poll payload: %w", asynq.SkipRetry)
		}

		session, err := poller.PollStatus(ctx, payload.OrderRef)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.logger.Info("payment session expired before poll", slog.String("order_ref", payload.OrderRef))
			return nil
		case err != nil:
			s.logger.Warn("payment poll failed", slog.String("order_ref", payload.OrderRef), slog.Any("error", err))
		case session.Status.Terminal():
			return nil
		}
		return s.Schedule(context.WithoutCancel(ctx), payload.OrderRef)
	}
}
