package model

import "time"

type SendStatus string

const (
	SendQueued SendStatus = "queued"
	SendSent   SendStatus = "sent"
	SendFailed SendStatus = "failed"
)

// CampaignSend is the idempotency record for one (campaign, recipient, step).
type CampaignSend struct {
	ID          int64      `db:"id" json:"id"`
	CampaignID  int64      `db:"campaign_id" json:"campaign_id"`
	RecipientID int64      `db:"recipient_id" json:"recipient_id"`
	Step        int        `db:"step" json:"step"`
	Status      SendStatus `db:"status" json:"status"`
	SenderID    *int64     `db:"sender_id" json:"sender_id,omitempty"`
	EmailID     *int64     `db:"email_id" json:"email_id,omitempty"`
	Error       string     `db:"error" json:"error,omitempty"`
	SentAt      *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}
