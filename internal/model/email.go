package model

import "time"

type EmailStatus string

const (
	EmailCreated EmailStatus = "created"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
)

type EmailMetadata struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"htmlBody"`
	TextBody string `json:"textBody,omitempty"`
	Step     int    `json:"step"`
}

type Email struct {
	ID                 int64         `db:"id" json:"id"`
	UserID             int64         `db:"user_id" json:"user_id"`
	CampaignID         int64         `db:"campaign_id" json:"campaign_id"`
	RecipientID        int64         `db:"recipient_id" json:"recipient_id"`
	SenderID           *int64        `db:"sender_id" json:"sender_id,omitempty"`
	RecipientEmail     string        `db:"recipient_email" json:"recipient_email"`
	Status             EmailStatus   `db:"status" json:"status"`
	Metadata           EmailMetadata `db:"metadata" json:"metadata"`
	ProviderMessageID  string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	DeliveryProvider   string        `db:"delivery_provider" json:"delivery_provider,omitempty"`
	DeliveryConfidence float64       `db:"delivery_confidence" json:"delivery_confidence"`
	RoutedAt           *time.Time    `db:"routed_at" json:"routed_at,omitempty"`
	SentAt             *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	LastError          string        `db:"last_error" json:"last_error,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
}

type EventType string

const (
	EventQueued   EventType = "queued"
	EventSent     EventType = "sent"
	EventDeferred EventType = "deferred"
	EventFailed   EventType = "failed"
)

type EmailEvent struct {
	ID        int64          `db:"id" json:"id"`
	EmailID   int64          `db:"email_id" json:"email_id"`
	EventType EventType      `db:"event_type" json:"event_type"`
	Timestamp time.Time      `db:"event_timestamp" json:"timestamp"`
	Metadata  map[string]any `db:"metadata" json:"metadata,omitempty"`
}

type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

type BounceEvent struct {
	ID         int64      `db:"id" json:"id"`
	EmailID    int64      `db:"email_id" json:"email_id"`
	BounceType BounceType `db:"bounce_type" json:"bounce_type"`
	Reason     string     `db:"reason" json:"reason"`
	OccurredAt time.Time  `db:"occurred_at" json:"occurred_at"`
}
