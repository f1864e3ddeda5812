package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/backoff"
	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/mta"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/ratelimit"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

type ProviderDetector interface {
	Detect(ctx context.Context, address string) mta.Result
}

type RateLimiter interface {
	Allow(ctx context.Context, provider string, now time.Time) (*ratelimit.Result, error)
}

// senderTypeFor maps a mailbox provider to the sender type that delivers to
// it best. "" means no preference.
func senderTypeFor(p mta.Provider) string {
	switch p {
	case mta.ProviderGoogle:
		return model.SenderGmail
	case mta.ProviderMicrosoft:
		return model.SenderOutlook
	}
	return ""
}

// Router assigns a sending identity to each email under the per-provider
// rate limit.
type Router struct {
	EmailRepo  repository.EmailRepositoryInterface
	SenderRepo repository.SenderRepositoryInterface
	Detector   ProviderDetector
	Limiter    RateLimiter
	Publisher  queue.Publisher
	DeferDelay backoff.Strategy
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Handle processes one email.route message.
func (r *Router) Handle(ctx context.Context, d *queue.Delivery) error {
	var job queue.RouteJob
	if err := d.Decode(&job); err != nil {
		return err
	}
	log := r.Logger.With(zap.Int64("email_id", job.EmailID))

	email, err := r.EmailRepo.GetByID(ctx, job.EmailID)
	if err != nil {
		return queue.Transient(err)
	}
	if email == nil || email.Status != model.EmailCreated {
		log.Debug("email gone or finished, skipping")
		return nil
	}
	if email.SenderID != nil {
		if d.Attempt > 0 {
			// A previous attempt assigned the sender but did not hand off.
			return r.handOff(ctx, log, email.ID)
		}
		log.Debug("email already routed, skipping")
		return nil
	}

	detected := r.Detector.Detect(ctx, email.RecipientEmail)
	provider := string(detected.Provider)
	log = log.With(zap.String("provider", provider), zap.Float64("confidence", detected.Confidence))

	now := r.now()
	res, err := r.Limiter.Allow(ctx, provider, now)
	if err != nil {
		return queue.Transient(err)
	}
	if !res.Allowed {
		r.Metrics.RateLimited(provider)
		delay := r.DeferDelay.Delay(d.Deferrals + 1)
		log.Warn("provider rate limit hit, deferring",
			zap.Int("limit", res.Limit), zap.Duration("delay", delay), zap.Int("deferrals", d.Deferrals))
		return queue.Defer(fmt.Sprintf("%s limit %d/min reached", provider, res.Limit), delay)
	}

	sender, err := r.selectSender(ctx, detected.Provider)
	if err != nil {
		return queue.Transient(err)
	}
	if sender == nil {
		log.Warn("no verified sender available")
		return appErrors.ErrNoVerifiedSender
	}

	assigned, err := r.EmailRepo.AssignSender(ctx, repository.Assignment{
		EmailID:    email.ID,
		SenderID:   sender.ID,
		Provider:   provider,
		Confidence: detected.Confidence,
		RoutedAt:   now,
	})
	if err != nil {
		return queue.Transient(err)
	}
	if !assigned {
		log.Debug("email routed concurrently, skipping")
		return nil
	}

	log.Info("email routed", zap.Int64("sender_id", sender.ID), zap.String("sender", sender.Email))
	return r.handOff(ctx, log, email.ID)
}

// selectSender prefers the least recently used verified sender of the
// provider's matching type and falls back to any verified sender.
func (r *Router) selectSender(ctx context.Context, provider mta.Provider) (*model.Sender, error) {
	if preferred := senderTypeFor(provider); preferred != "" {
		s, err := r.SenderRepo.AcquireLeastRecentlyUsed(ctx, preferred)
		if err != nil || s != nil {
			return s, err
		}
	}
	return r.SenderRepo.AcquireLeastRecentlyUsed(ctx, "")
}

func (r *Router) handOff(ctx context.Context, log *zap.Logger, emailID int64) error {
	if err := r.Publisher.Publish(ctx, queue.TopicEmailSend, queue.DeliverJob{EmailID: emailID}); err != nil {
		log.Error("failed to publish send request", zap.Error(err))
		return queue.Transient(err)
	}
	return nil
}
