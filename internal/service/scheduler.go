package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

const strandedBatch = 100

// Scheduler emits per-recipient work items for active campaigns, at most
// ThrottlePerMinute per campaign per tick.
type Scheduler struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	EmailRepo     repository.EmailRepositoryInterface
	Campaigns     *CampaignService
	Completion    *CompletionChecker
	Publisher     queue.Publisher
	Interval      time.Duration
	StrandedAfter time.Duration
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Run ticks immediately and then every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info("scheduler started", zap.Duration("interval", interval))
	for {
		if _, err := s.Tick(ctx, time.Now()); err != nil {
			s.Logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass and returns the number of work items
// published. Failures of one campaign do not stop the others; unpublished
// recipients stay pending and are picked up by a later tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	campaigns, err := s.CampaignRepo.ListByStatus(ctx, model.CampaignScheduled, model.CampaignRunning)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, c := range campaigns {
		n, err := s.scheduleCampaign(ctx, c, now)
		if err != nil {
			s.Logger.Error("failed to schedule campaign", zap.Int64("campaign_id", c.ID), zap.Error(err))
		}
		total += n
	}
	s.Metrics.Scheduled(total)

	if s.StrandedAfter > 0 {
		s.sweepStranded(ctx, now)
	}
	return total, nil
}

func (s *Scheduler) scheduleCampaign(ctx context.Context, c *model.Campaign, now time.Time) (int, error) {
	loc, err := c.Location()
	if err != nil {
		s.Logger.Warn("unknown campaign timezone, using UTC",
			zap.Int64("campaign_id", c.ID), zap.String("timezone", c.Timezone))
	}
	localNow := now.In(loc)
	if c.ScheduledAt != nil && localNow.Before(*c.ScheduledAt) {
		return 0, nil
	}

	if c.Status == model.CampaignScheduled {
		if _, err := s.Campaigns.Transition(ctx, c.ID, model.CampaignRunning); err != nil {
			var invalid *appErrors.ErrInvalidTransition
			if errors.As(err, &invalid) {
				// Paused or stopped since it was listed.
				return 0, nil
			}
			return 0, err
		}
	}

	if _, err := s.RecipientRepo.RearmDue(ctx, c.ID, now); err != nil {
		return 0, err
	}

	due, err := s.RecipientRepo.ListDue(ctx, c.ID, now, c.Throttle())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, s.Completion.Check(ctx, c.ID)
	}

	published := 0
	for _, r := range due {
		job := queue.SendJob{CampaignID: c.ID, RecipientID: r.ID, Step: r.CurrentStep}
		if err := s.Publisher.Publish(ctx, queue.TopicCampaignSend, job); err != nil {
			return published, err
		}
		published++
	}

	s.Logger.Debug("campaign scheduled",
		zap.Int64("campaign_id", c.ID),
		zap.Int("recipients", published),
	)
	return published, nil
}

// sweepStranded recovers emails whose next hand-off was lost after a
// commit: unrouted ones go back to the router, routed ones to the sender.
func (s *Scheduler) sweepStranded(ctx context.Context, now time.Time) {
	idleBefore := now.Add(-s.StrandedAfter)

	ids, err := s.EmailRepo.ListStranded(ctx, idleBefore, strandedBatch)
	if err != nil {
		s.Logger.Error("stranded email sweep failed", zap.Error(err))
	} else if s.republish(ctx, ids, queue.TopicEmailRoute, func(id int64) any { return queue.RouteJob{EmailID: id} }) {
		s.Logger.Warn("re-routed stranded emails", zap.Int("count", len(ids)))
	}

	ids, err = s.EmailRepo.ListUndelivered(ctx, idleBefore, strandedBatch)
	if err != nil {
		s.Logger.Error("undelivered email sweep failed", zap.Error(err))
	} else if s.republish(ctx, ids, queue.TopicEmailSend, func(id int64) any { return queue.DeliverJob{EmailID: id} }) {
		s.Logger.Warn("re-sent undelivered emails", zap.Int("count", len(ids)))
	}
}

// republish reports whether every id was published; it stops at the first failure.
func (s *Scheduler) republish(ctx context.Context, ids []int64, topic string, job func(int64) any) bool {
	for _, id := range ids {
		if err := s.Publisher.Publish(ctx, topic, job(id)); err != nil {
			s.Logger.Error("failed to republish stranded email",
				zap.String("topic", topic), zap.Int64("email_id", id), zap.Error(err))
			return false
		}
	}
	return len(ids) > 0
}
