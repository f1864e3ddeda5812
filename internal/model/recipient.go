package model

import "time"

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientCompleted RecipientStatus = "completed"
	RecipientStopped   RecipientStatus = "stopped"
	RecipientBounced   RecipientStatus = "bounced"
)

// Terminal reports whether the recipient will never receive another step.
func (s RecipientStatus) Terminal() bool {
	return s == RecipientCompleted || s == RecipientStopped || s == RecipientBounced
}

type CampaignRecipient struct {
	ID          int64           `db:"id" json:"id"`
	CampaignID  int64           `db:"campaign_id" json:"campaign_id"`
	Email       string          `db:"email" json:"email"`
	Name        string          `db:"name" json:"name"`
	Metadata    map[string]any  `db:"metadata" json:"metadata,omitempty"`
	Status      RecipientStatus `db:"status" json:"status"`
	CurrentStep int             `db:"current_step" json:"current_step"`
	NextRunAt   *time.Time      `db:"next_run_at" json:"next_run_at,omitempty"`
	LastSentAt  *time.Time      `db:"last_sent_at" json:"last_sent_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}
