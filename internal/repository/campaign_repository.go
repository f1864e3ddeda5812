package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	TransitionStatus(ctx context.Context, id int64, from, to model.CampaignStatus) (bool, error)
	CompleteIfDone(ctx context.Context, id int64) (bool, error)
	GetCampaignStats(ctx context.Context, id int64) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, user_id, sender_id, name, subject, html_body, text_body, status,
    scheduled_at, timezone, throttle_per_minute, total_sent, created_at, updated_at`

func scanCampaign(row scanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.UserID, &c.SenderID, &c.Name, &c.Subject, &c.HTMLBody, &c.TextBody, &c.Status,
		&c.ScheduledAt, &c.Timezone, &c.ThrottlePerMinute, &c.TotalSent, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

// ListByStatus returns every campaign in one of the given statuses.
func (r *CampaignRepository) ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = ANY($1) ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	args := []any{}
	argPos := 1

	if status != "" {
		filter := fmt.Sprintf(" AND status=$%d", argPos)
		query += filter
		countQuery += filter
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// TransitionStatus moves a campaign only if it is still in the expected status.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int64, from, to model.CampaignStatus) (bool, error) {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`
	res, err := r.DB.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteIfDone promotes a running campaign to completed once no recipient
// can receive another step.
func (r *CampaignRepository) CompleteIfDone(ctx context.Context, id int64) (bool, error) {
	query := `
        UPDATE campaigns SET status='completed', updated_at=NOW()
        WHERE id=$1 AND status='running'
          AND NOT EXISTS (
              SELECT 1 FROM campaign_recipients
              WHERE campaign_id=$1 AND status IN ('pending', 'sent')
          )
    `
	res, err := r.DB.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetCampaignStats counts recipients per status.
func (r *CampaignRepository) GetCampaignStats(ctx context.Context, id int64) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0, "pending": 0, "sent": 0, "completed": 0, "stopped": 0, "bounced": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
