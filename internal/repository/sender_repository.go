package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

type SenderRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Sender, error)
	AcquireLeastRecentlyUsed(ctx context.Context, provider string) (*model.Sender, error)
	SaveOAuthToken(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error
}

type SenderRepository struct {
	DB *sql.DB
}

const senderColumns = `id, user_id, email, display_name, domain, provider, smtp_host, smtp_port, smtp_secure,
    smtp_user, smtp_pass, oauth_access_token, oauth_refresh_token, oauth_expiry, is_verified, created_at, updated_at`

func scanSender(row scanner) (*model.Sender, error) {
	var s model.Sender
	err := row.Scan(&s.ID, &s.UserID, &s.Email, &s.DisplayName, &s.Domain, &s.Provider, &s.SMTPHost, &s.SMTPPort,
		&s.SMTPSecure, &s.SMTPUser, &s.SMTPPass, &s.OAuthAccessToken, &s.OAuthRefreshToken, &s.OAuthExpiry,
		&s.IsVerified, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SenderRepository) GetByID(ctx context.Context, id int64) (*model.Sender, error) {
	query := `SELECT ` + senderColumns + ` FROM senders WHERE id=$1`
	s, err := scanSender(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// AcquireLeastRecentlyUsed picks the verified sender with the oldest
// updated_at, optionally restricted to one provider type, and bumps its
// updated_at in the same statement so the next pick rotates. Rows locked by
// a concurrent router are skipped. Returns nil when nothing matches.
func (r *SenderRepository) AcquireLeastRecentlyUsed(ctx context.Context, provider string) (*model.Sender, error) {
	query := `
        UPDATE senders SET updated_at = NOW()
        WHERE id = (
            SELECT id FROM senders
            WHERE is_verified AND ($1 = '' OR provider = $1)
            ORDER BY updated_at ASC, id ASC
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + senderColumns
	s, err := scanSender(r.DB.QueryRowContext(ctx, query, provider))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// SaveOAuthToken persists a refreshed token pair.
func (r *SenderRepository) SaveOAuthToken(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	query := `
        UPDATE senders SET oauth_access_token=$1, oauth_refresh_token=$2, oauth_expiry=$3
        WHERE id=$4
    `
	_, err := r.DB.ExecContext(ctx, query, accessToken, refreshToken, expiry, id)
	return err
}

var _ SenderRepositoryInterface = (*SenderRepository)(nil)
