package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type EmailRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Email, error)
	CreateForStep(ctx context.Context, in StepEmail) (*model.Email, error)
	AssignSender(ctx context.Context, in Assignment) (bool, error)
	AddEvent(ctx context.Context, emailID int64, eventType model.EventType, meta map[string]any) error
	RecordDeferral(ctx context.Context, emailID int64, reason string, at time.Time) error
	MarkSent(ctx context.Context, in Delivered) error
	MarkFailed(ctx context.Context, in Failure) error
	ListStranded(ctx context.Context, idleBefore time.Time, limit int) ([]int64, error)
	ListUndelivered(ctx context.Context, idleBefore time.Time, limit int) ([]int64, error)
}

// StepEmail carries everything written atomically when a recipient advances a step.
type StepEmail struct {
	Email     model.Email
	SendID    int64
	Step      int
	SentAt    time.Time
	NextRunAt time.Time
}

// Assignment is the router's decision for one email.
type Assignment struct {
	EmailID    int64
	SenderID   int64
	Provider   string
	Confidence float64
	RoutedAt   time.Time
}

// Delivered records a successful handoff to the transport.
type Delivered struct {
	EmailID           int64
	CampaignID        int64
	ProviderMessageID string
	SentAt            time.Time
}

// Failure records a terminal delivery failure. Bounce is nil when the
// recipient address is not at fault.
type Failure struct {
	EmailID         int64
	RecipientID     int64
	Reason          string
	Bounce          *model.BounceType
	RecipientStatus model.RecipientStatus
	At              time.Time
}

type EmailRepository struct {
	DB *sql.DB
}

const emailColumns = `id, user_id, campaign_id, recipient_id, sender_id, recipient_email, status, metadata,
    provider_message_id, delivery_provider, delivery_confidence, routed_at, sent_at, last_error, created_at`

// GetByID fetches an email by its ID
func (r *EmailRepository) GetByID(ctx context.Context, id int64) (*model.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id=$1`
	var e model.Email
	var meta []byte
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.UserID, &e.CampaignID, &e.RecipientID, &e.SenderID, &e.RecipientEmail, &e.Status, &meta,
		&e.ProviderMessageID, &e.DeliveryProvider, &e.DeliveryConfidence, &e.RoutedAt, &e.SentAt,
		&e.LastError, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := unmarshalJSON(meta, &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateForStep inserts the email, advances the recipient and links the
// campaign send in one transaction. ErrStaleRecipient means another worker
// already advanced the recipient and nothing was written.
func (r *EmailRepository) CreateForStep(ctx context.Context, in StepEmail) (*model.Email, error) {
	meta, err := marshalJSON(in.Email.Metadata)
	if err != nil {
		return nil, err
	}

	email := in.Email
	email.Status = model.EmailCreated

	err = withTx(ctx, r.DB, func(tx *sql.Tx) error {
		insert := `
            INSERT INTO emails (user_id, campaign_id, recipient_id, recipient_email, status, metadata)
            VALUES ($1, $2, $3, $4, 'created', $5)
            RETURNING id, created_at
        `
		if err := tx.QueryRowContext(ctx, insert, email.UserID, email.CampaignID, email.RecipientID,
			email.RecipientEmail, meta).Scan(&email.ID, &email.CreatedAt); err != nil {
			return fmt.Errorf("insert email: %w", err)
		}

		advance := `
            UPDATE campaign_recipients
            SET status='sent', current_step=$1, last_sent_at=$2, next_run_at=$3, updated_at=NOW()
            WHERE id=$4 AND status='pending' AND current_step=$5
        `
		res, err := tx.ExecContext(ctx, advance, in.Step+1, in.SentAt, in.NextRunAt, email.RecipientID, in.Step)
		if err != nil {
			return fmt.Errorf("advance recipient: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrStaleRecipient
		}

		link := `UPDATE campaign_sends SET email_id=$1 WHERE id=$2`
		if _, err := tx.ExecContext(ctx, link, email.ID, in.SendID); err != nil {
			return fmt.Errorf("link campaign send: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &email, nil
}

// AssignSender sets the sender exactly once. It reports false when the email
// was already routed.
func (r *EmailRepository) AssignSender(ctx context.Context, in Assignment) (bool, error) {
	query := `
        UPDATE emails
        SET sender_id=$1, delivery_provider=$2, delivery_confidence=$3, routed_at=$4, updated_at=NOW()
        WHERE id=$5 AND sender_id IS NULL
    `
	res, err := r.DB.ExecContext(ctx, query, in.SenderID, in.Provider, in.Confidence, in.RoutedAt, in.EmailID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *EmailRepository) AddEvent(ctx context.Context, emailID int64, eventType model.EventType, meta map[string]any) error {
	return insertEvent(ctx, r.DB, emailID, eventType, time.Now(), meta)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, emailID int64, eventType model.EventType, at time.Time, meta map[string]any) error {
	raw, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	query := `INSERT INTO email_events (email_id, event_type, event_timestamp, metadata) VALUES ($1, $2, $3, $4)`
	_, err = db.ExecContext(ctx, query, emailID, eventType, at, raw)
	return err
}

func insertBounce(ctx context.Context, db execer, emailID int64, bounceType model.BounceType, reason string, at time.Time) error {
	query := `INSERT INTO bounce_events (email_id, bounce_type, reason, occurred_at) VALUES ($1, $2, $3, $4)`
	_, err := db.ExecContext(ctx, query, emailID, bounceType, reason, at)
	return err
}

// RecordDeferral logs a soft bounce for a delivery that will be retried.
func (r *EmailRepository) RecordDeferral(ctx context.Context, emailID int64, reason string, at time.Time) error {
	return withTx(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE emails SET last_error=$1, updated_at=NOW() WHERE id=$2`, reason, emailID); err != nil {
			return err
		}
		if err := insertBounce(ctx, tx, emailID, model.BounceSoft, reason, at); err != nil {
			return err
		}
		return insertEvent(ctx, tx, emailID, model.EventDeferred, at, map[string]any{"reason": reason})
	})
}

// MarkSent finalizes a delivered email, its campaign send and the campaign counter.
func (r *EmailRepository) MarkSent(ctx context.Context, in Delivered) error {
	return withTx(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
            UPDATE emails SET status='sent', provider_message_id=$1, sent_at=$2, last_error='', updated_at=NOW()
            WHERE id=$3`, in.ProviderMessageID, in.SentAt, in.EmailID); err != nil {
			return fmt.Errorf("mark email sent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE campaign_sends SET status='sent', sent_at=$1 WHERE email_id=$2`,
			in.SentAt, in.EmailID); err != nil {
			return fmt.Errorf("mark campaign send sent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET total_sent = total_sent + 1 WHERE id=$1`,
			in.CampaignID); err != nil {
			return fmt.Errorf("increment total sent: %w", err)
		}
		return insertEvent(ctx, tx, in.EmailID, model.EventSent, in.SentAt,
			map[string]any{"providerMessageId": in.ProviderMessageID})
	})
}

// MarkFailed finalizes a failed email and moves the recipient to a terminal status.
func (r *EmailRepository) MarkFailed(ctx context.Context, in Failure) error {
	return withTx(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE emails SET status='failed', last_error=$1, updated_at=NOW() WHERE id=$2`,
			in.Reason, in.EmailID); err != nil {
			return fmt.Errorf("mark email failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE campaign_sends SET status='failed', error=$1 WHERE email_id=$2`,
			in.Reason, in.EmailID); err != nil {
			return fmt.Errorf("mark campaign send failed: %w", err)
		}
		if in.Bounce != nil {
			if err := insertBounce(ctx, tx, in.EmailID, *in.Bounce, in.Reason, in.At); err != nil {
				return fmt.Errorf("insert bounce: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE campaign_recipients SET status=$1, next_run_at=NULL, updated_at=NOW()
            WHERE id=$2`, in.RecipientStatus, in.RecipientID); err != nil {
			return fmt.Errorf("stop recipient: %w", err)
		}
		return insertEvent(ctx, tx, in.EmailID, model.EventFailed, in.At, map[string]any{"reason": in.Reason})
	})
}

// ListStranded claims unrouted emails untouched since idleBefore and
// returns their ids. Claiming touches updated_at, so an email that stays
// unroutable is returned again only after another full idle window.
func (r *EmailRepository) ListStranded(ctx context.Context, idleBefore time.Time, limit int) ([]int64, error) {
	return r.claimIdle(ctx, "sender_id IS NULL", idleBefore, limit)
}

// ListUndelivered claims routed emails with no send attempt since
// idleBefore: their hand-off to the sender stage was lost.
func (r *EmailRepository) ListUndelivered(ctx context.Context, idleBefore time.Time, limit int) ([]int64, error) {
	return r.claimIdle(ctx, "sender_id IS NOT NULL", idleBefore, limit)
}

func (r *EmailRepository) claimIdle(ctx context.Context, cond string, idleBefore time.Time, limit int) ([]int64, error) {
	query := `
        UPDATE emails SET updated_at=NOW()
        WHERE id IN (
            SELECT id FROM emails
            WHERE status='created' AND ` + cond + ` AND updated_at < $1
            ORDER BY updated_at
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id
    `
	rows, err := r.DB.QueryContext(ctx, query, idleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ EmailRepositoryInterface = (*EmailRepository)(nil)
