package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// VerificationRepositoryInterface is a read-only view of the global
// mailbox verification registry.
type VerificationRepositoryInterface interface {
	Status(ctx context.Context, normalizedEmail string) (model.VerificationStatus, error)
}

type VerificationRepository struct {
	DB *sql.DB
}

// Status returns the registry status, or "" when the address is unknown.
func (r *VerificationRepository) Status(ctx context.Context, normalizedEmail string) (model.VerificationStatus, error) {
	var status model.VerificationStatus
	err := r.DB.QueryRowContext(ctx,
		`SELECT verification_status FROM email_verification_registry WHERE normalized_email=$1`,
		normalizedEmail,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return status, nil
}

var _ VerificationRepositoryInterface = (*VerificationRepository)(nil)
