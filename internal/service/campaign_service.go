package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// CampaignService owns campaign lifecycle transitions and read models.
type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	StepRepo      repository.StepRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Logger        *zap.Logger
}

// Preview is one step rendered for one recipient.
type Preview struct {
	CampaignID  int64  `json:"campaign_id"`
	RecipientID int64  `json:"recipient_id"`
	Step        int    `json:"step"`
	Subject     string `json:"subject"`
	HTMLBody    string `json:"html_body"`
	TextBody    string `json:"text_body,omitempty"`
}

type CampaignDetails struct {
	ID                int64                `json:"id"`
	Name              string               `json:"name"`
	Subject           string               `json:"subject"`
	Status            model.CampaignStatus `json:"status"`
	ScheduledAt       *time.Time           `json:"scheduled_at,omitempty"`
	Timezone          string               `json:"timezone"`
	ThrottlePerMinute int                  `json:"throttle_per_minute"`
	TotalSent         int                  `json:"total_sent"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         *time.Time           `json:"updated_at"`
	Stats             map[string]int       `json:"stats"`
}

// Transition moves a campaign along one lifecycle edge. Scheduling or
// starting a campaign writes its step 0 from the campaign content when the
// sequence has none.
func (s *CampaignService) Transition(ctx context.Context, id int64, to model.CampaignStatus) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !model.CanTransition(c.Status, to) {
		return nil, appErrors.NewInvalidTransition(c.Status, to)
	}

	if to == model.CampaignScheduled || to == model.CampaignRunning {
		created, err := s.StepRepo.EnsureStepZero(ctx, c)
		if err != nil {
			return nil, err
		}
		if created {
			s.Logger.Info("step 0 created from campaign content", zap.Int64("campaign_id", id))
		}
	}

	ok, err := s.CampaignRepo.TransitionStatus(ctx, id, c.Status, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with another transition.
		return nil, appErrors.NewInvalidTransition(c.Status, to)
	}

	s.Logger.Info("campaign transitioned",
		zap.Int64("campaign_id", id),
		zap.String("from", string(c.Status)),
		zap.String("to", string(to)),
	)
	c.Status = to
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaignDetailsWithStats returns a campaign with recipient counts per status.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, id int64) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	stats, err := s.CampaignRepo.GetCampaignStats(ctx, id)
	if err != nil {
		return nil, err
	}

	return &CampaignDetails{
		ID:                campaign.ID,
		Name:              campaign.Name,
		Subject:           campaign.Subject,
		Status:            campaign.Status,
		ScheduledAt:       campaign.ScheduledAt,
		Timezone:          campaign.Timezone,
		ThrottlePerMinute: campaign.ThrottlePerMinute,
		TotalSent:         campaign.TotalSent,
		CreatedAt:         campaign.CreatedAt,
		UpdatedAt:         campaign.UpdatedAt,
		Stats:             stats,
	}, nil
}

// RenderPreview renders a step of the sequence for a recipient without
// sending anything. overrideHTML replaces the step's HTML body when set.
// A campaign that has not been activated yet previews step 0 from its own content.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, recipientID int64, stepOrder int, overrideHTML *string) (*Preview, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	recipient, err := s.RecipientRepo.GetByID(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if recipient == nil || recipient.CampaignID != campaignID {
		return nil, &appErrors.ErrRecipientNotFound{RecipientID: recipientID}
	}

	step, err := s.StepRepo.GetByOrder(ctx, campaignID, stepOrder)
	if err != nil {
		return nil, err
	}
	if step == nil {
		if stepOrder != 0 {
			return nil, appErrors.ErrStepNotFound
		}
		step = model.StepZero(campaign)
	}

	html := step.HTMLBody
	if overrideHTML != nil {
		html = *overrideHTML
	}

	vars := TemplateVars(recipient)
	return &Preview{
		CampaignID:  campaignID,
		RecipientID: recipientID,
		Step:        stepOrder,
		Subject:     RenderTemplate(step.Subject, vars),
		HTMLBody:    RenderTemplate(html, vars),
		TextBody:    RenderTemplate(step.TextBody, vars),
	}, nil
}
