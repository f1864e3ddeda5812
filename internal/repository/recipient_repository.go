package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// RecipientRepositoryInterface defines methods used by the pipeline
type RecipientRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.CampaignRecipient, error)
	ListDue(ctx context.Context, campaignID int64, now time.Time, limit int) ([]*model.CampaignRecipient, error)
	RearmDue(ctx context.Context, campaignID int64, now time.Time) (int64, error)
	MarkTerminal(ctx context.Context, id int64, status model.RecipientStatus) error
}

// RecipientRepository is the concrete implementation
type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, campaign_id, email, name, metadata, status, current_step,
    next_run_at, last_sent_at, created_at, updated_at`

func scanRecipient(row scanner) (*model.CampaignRecipient, error) {
	var rc model.CampaignRecipient
	var meta []byte
	err := row.Scan(&rc.ID, &rc.CampaignID, &rc.Email, &rc.Name, &meta, &rc.Status, &rc.CurrentStep,
		&rc.NextRunAt, &rc.LastSentAt, &rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &rc.Metadata); err != nil {
		return nil, err
	}
	return &rc, nil
}

// GetByID fetches a recipient by ID
func (r *RecipientRepository) GetByID(ctx context.Context, id int64) (*model.CampaignRecipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients WHERE id = $1`
	rc, err := scanRecipient(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, err
	}
	return rc, nil
}

// ListDue returns up to limit pending recipients whose next run is not in the future.
// Selection order among eligible rows is unspecified.
func (r *RecipientRepository) ListDue(ctx context.Context, campaignID int64, now time.Time, limit int) ([]*model.CampaignRecipient, error) {
	query := `
        SELECT ` + recipientColumns + `
        FROM campaign_recipients
        WHERE campaign_id = $1 AND status = 'pending'
          AND (next_run_at IS NULL OR next_run_at <= $2)
        LIMIT $3
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []*model.CampaignRecipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, rc)
	}
	return recipients, rows.Err()
}

// RearmDue returns recipients waiting on a step delay to pending once the
// delay elapsed and the previous step's email was delivered. A step still
// retrying or deferred holds the recipient back.
func (r *RecipientRepository) RearmDue(ctx context.Context, campaignID int64, now time.Time) (int64, error) {
	query := `
        UPDATE campaign_recipients SET status = 'pending', updated_at = NOW()
        WHERE campaign_id = $1 AND status = 'sent' AND next_run_at IS NOT NULL AND next_run_at <= $2
          AND EXISTS (
            SELECT 1 FROM campaign_sends s
            WHERE s.campaign_id = campaign_recipients.campaign_id
              AND s.recipient_id = campaign_recipients.id
              AND s.step = campaign_recipients.current_step - 1
              AND s.status = 'sent'
          )
    `
	res, err := r.DB.ExecContext(ctx, query, campaignID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkTerminal sets a terminal status and clears the next run.
func (r *RecipientRepository) MarkTerminal(ctx context.Context, id int64, status model.RecipientStatus) error {
	query := `UPDATE campaign_recipients SET status = $1, next_run_at = NULL, updated_at = NOW() WHERE id = $2`
	_, err := r.DB.ExecContext(ctx, query, status, id)
	return err
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
