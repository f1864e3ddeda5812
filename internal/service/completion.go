package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// CompletionChecker promotes a running campaign to completed once every
// recipient is terminal.
type CompletionChecker struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

func (c *CompletionChecker) Check(ctx context.Context, campaignID int64) error {
	done, err := c.CampaignRepo.CompleteIfDone(ctx, campaignID)
	if err != nil {
		return err
	}
	if done {
		c.Metrics.CampaignCompleted()
		c.Logger.Info("campaign completed", zap.Int64("campaign_id", campaignID))
	}
	return nil
}
