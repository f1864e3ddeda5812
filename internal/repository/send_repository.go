package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type SendRepositoryInterface interface {
	GetOrCreate(ctx context.Context, campaignID, recipientID int64, step int, senderID *int64) (*model.CampaignSend, bool, error)
	GetByEmailID(ctx context.Context, emailID int64) (*model.CampaignSend, error)
}

type SendRepository struct {
	DB *sql.DB
}

const sendColumns = `id, campaign_id, recipient_id, step, status, sender_id, email_id, error, sent_at, created_at`

func scanSend(row scanner) (*model.CampaignSend, error) {
	var s model.CampaignSend
	err := row.Scan(&s.ID, &s.CampaignID, &s.RecipientID, &s.Step, &s.Status, &s.SenderID, &s.EmailID,
		&s.Error, &s.SentAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOrCreate is the idempotent insert keyed by (campaign, recipient, step).
// The boolean reports whether this call created the row.
func (r *SendRepository) GetOrCreate(ctx context.Context, campaignID, recipientID int64, step int, senderID *int64) (*model.CampaignSend, bool, error) {
	insert := `
        INSERT INTO campaign_sends (campaign_id, recipient_id, step, status, sender_id)
        VALUES ($1, $2, $3, 'queued', $4)
        ON CONFLICT (campaign_id, recipient_id, step) DO NOTHING
        RETURNING ` + sendColumns
	s, err := scanSend(r.DB.QueryRowContext(ctx, insert, campaignID, recipientID, step, senderID))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	// Row already existed; conflict suppressed the RETURNING clause.
	query := `SELECT ` + sendColumns + ` FROM campaign_sends WHERE campaign_id=$1 AND recipient_id=$2 AND step=$3`
	s, err = scanSend(r.DB.QueryRowContext(ctx, query, campaignID, recipientID, step))
	if err != nil {
		return nil, false, err
	}
	return s, false, nil
}

func (r *SendRepository) GetByEmailID(ctx context.Context, emailID int64) (*model.CampaignSend, error) {
	query := `SELECT ` + sendColumns + ` FROM campaign_sends WHERE email_id=$1`
	s, err := scanSend(r.DB.QueryRowContext(ctx, query, emailID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

var _ SendRepositoryInterface = (*SendRepository)(nil)
