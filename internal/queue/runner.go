package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/campaign-mailer/internal/backoff"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
)

// Handler processes one delivery. The returned error decides how the
// runner settles the message:
//   - nil: ack
//   - *DeferError: republish after the requested delay, ack
//   - Transient(err): republish with backoff, dead-letter after MaxAttempts
//   - anything else: terminal, ack
type Handler func(ctx context.Context, d *Delivery) error

// Outcomes reported to metrics.
const (
	OutcomeAck      = "ack"
	OutcomeDeferred = "deferred"
	OutcomeRetried  = "retried"
	OutcomeDead     = "dead_lettered"
	OutcomeDropped  = "dropped"
	OutcomeRequeued = "requeued"
)

// Runner is the receive loop of one pipeline stage.
type Runner struct {
	Broker       Broker
	Topic        string
	Concurrency  int
	MaxAttempts  int
	MaxDeferrals int
	Retry        backoff.Strategy
	Logger       *zap.Logger
	Metrics      *metrics.Metrics

	// OnExhausted runs before a message that failed MaxAttempts times is
	// dead-lettered, so the stage can record the terminal outcome.
	OnExhausted func(ctx context.Context, d *Delivery, err error)
}

// Run consumes until ctx is cancelled. In-flight handlers finish before Run
// returns; they see a context that is not cancelled with ctx.
func (r *Runner) Run(ctx context.Context, h Handler) error {
	concurrency := r.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	deliveries, err := r.Broker.Consume(ctx, r.Topic, concurrency)
	if err != nil {
		return err
	}

	r.Logger.Info("consumer started", zap.String("topic", r.Topic), zap.Int("concurrency", concurrency))

	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				_ = g.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("queue %s: delivery stream closed", r.Topic)
			}
			g.Go(func() error {
				r.process(work, h, d)
				return nil
			})
		}
	}
}

func (r *Runner) process(ctx context.Context, h Handler, d *Delivery) {
	err := h(ctx, d)
	outcome := r.settle(ctx, d, err)
	r.Metrics.Message(r.Topic, outcome)
}

func (r *Runner) settle(ctx context.Context, d *Delivery, err error) string {
	if err == nil {
		r.ack(d)
		return OutcomeAck
	}

	var deferErr *DeferError
	if errors.As(err, &deferErr) {
		next := d.Deferrals + 1
		if r.MaxDeferrals > 0 && next > r.MaxDeferrals {
			r.Logger.Warn("deferral limit reached",
				zap.String("topic", r.Topic), zap.Int("deferrals", d.Deferrals), zap.String("reason", deferErr.Reason))
			return r.deadLetter(ctx, d)
		}
		return r.republish(ctx, d, OutcomeDeferred,
			WithDelay(deferErr.Delay), WithAttempt(d.Attempt), WithDeferrals(next))
	}

	if IsTransient(err) {
		next := d.Attempt + 1
		if next >= r.maxAttempts() {
			r.Logger.Error("retries exhausted",
				zap.String("topic", r.Topic), zap.Int("attempts", next), zap.Error(err))
			if r.OnExhausted != nil {
				r.OnExhausted(ctx, d, err)
			}
			return r.deadLetter(ctx, d)
		}
		delay := r.Retry.Delay(next)
		r.Logger.Warn("transient failure, retrying",
			zap.String("topic", r.Topic), zap.Int("attempt", next), zap.Duration("delay", delay), zap.Error(err))
		return r.republish(ctx, d, OutcomeRetried,
			WithDelay(delay), WithAttempt(next), WithDeferrals(d.Deferrals))
	}

	r.Logger.Warn("message dropped", zap.String("topic", r.Topic), zap.Error(err))
	r.ack(d)
	return OutcomeDropped
}

func (r *Runner) maxAttempts() int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// republish enqueues a copy and acks the original. If the copy cannot be
// published the original is nacked so the broker redelivers it instead.
func (r *Runner) republish(ctx context.Context, d *Delivery, outcome string, opts ...PublishOption) string {
	if err := r.Broker.Publish(ctx, r.Topic, json.RawMessage(d.Body), opts...); err != nil {
		r.Logger.Error("republish failed, requeueing", zap.String("topic", r.Topic), zap.Error(err))
		r.nack(d)
		return OutcomeRequeued
	}
	r.ack(d)
	return outcome
}

func (r *Runner) deadLetter(ctx context.Context, d *Delivery) string {
	dlq := DeadLetterTopic(r.Topic)
	if err := r.Broker.Publish(ctx, dlq, json.RawMessage(d.Body),
		WithAttempt(d.Attempt), WithDeferrals(d.Deferrals)); err != nil {
		r.Logger.Error("dead-letter publish failed, requeueing", zap.String("topic", dlq), zap.Error(err))
		r.nack(d)
		return OutcomeRequeued
	}
	r.Metrics.DeadLettered(r.Topic)
	r.ack(d)
	return OutcomeDead
}

func (r *Runner) ack(d *Delivery) {
	if err := d.Ack(); err != nil {
		r.Logger.Error("ack failed", zap.String("topic", r.Topic), zap.Error(err))
	}
}

func (r *Runner) nack(d *Delivery) {
	if err := d.Nack(true); err != nil {
		r.Logger.Error("nack failed", zap.String("topic", r.Topic), zap.Error(err))
	}
}
