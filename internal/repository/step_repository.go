package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type StepRepositoryInterface interface {
	GetByOrder(ctx context.Context, campaignID int64, order int) (*model.CampaignStep, error)
	EnsureStepZero(ctx context.Context, c *model.Campaign) (bool, error)
}

type StepRepository struct {
	DB *sql.DB
}

func (r *StepRepository) GetByOrder(ctx context.Context, campaignID int64, order int) (*model.CampaignStep, error) {
	query := `
        SELECT id, campaign_id, step_order, template_id, subject, html_body, text_body,
               delay_minutes, condition, created_at
        FROM campaign_steps
        WHERE campaign_id = $1 AND step_order = $2
    `
	var s model.CampaignStep
	err := r.DB.QueryRowContext(ctx, query, campaignID, order).Scan(
		&s.ID, &s.CampaignID, &s.StepOrder, &s.TemplateID, &s.Subject, &s.HTMLBody, &s.TextBody,
		&s.DelayMinutes, &s.Condition, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// EnsureStepZero writes step 0 from the campaign content unless one exists.
// It reports whether a row was inserted.
func (r *StepRepository) EnsureStepZero(ctx context.Context, c *model.Campaign) (bool, error) {
	s := model.StepZero(c)
	query := `
        INSERT INTO campaign_steps (campaign_id, step_order, subject, html_body, text_body, delay_minutes, condition)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (campaign_id, step_order) DO NOTHING
    `
	res, err := r.DB.ExecContext(ctx, query, s.CampaignID, s.StepOrder, s.Subject, s.HTMLBody, s.TextBody,
		s.DelayMinutes, s.Condition)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ StepRepositoryInterface = (*StepRepository)(nil)
