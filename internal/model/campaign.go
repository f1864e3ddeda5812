package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignStopped   CampaignStatus = "stopped"
)

// campaignTransitions lists the allowed forward edges of the campaign lifecycle.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled},
	CampaignScheduled: {CampaignRunning, CampaignPaused, CampaignStopped},
	CampaignRunning:   {CampaignPaused, CampaignCompleted, CampaignStopped},
	CampaignPaused:    {CampaignRunning, CampaignStopped},
}

// CanTransition reports whether a campaign may move from one status to another.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Campaign struct {
	ID                int64          `db:"id" json:"id"`
	UserID            int64          `db:"user_id" json:"user_id"`
	SenderID          *int64         `db:"sender_id" json:"sender_id,omitempty"`
	Name              string         `db:"name" json:"name"`
	Subject           string         `db:"subject" json:"subject"`
	HTMLBody          string         `db:"html_body" json:"html_body"`
	TextBody          string         `db:"text_body" json:"text_body"`
	Status            CampaignStatus `db:"status" json:"status"`
	ScheduledAt       *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	Timezone          string         `db:"timezone" json:"timezone"`
	ThrottlePerMinute int            `db:"throttle_per_minute" json:"throttle_per_minute"`
	TotalSent         int            `db:"total_sent" json:"total_sent"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// Location resolves the campaign timezone, falling back to UTC.
func (c *Campaign) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}

// Throttle returns the per-tick recipient budget, never below one.
func (c *Campaign) Throttle() int {
	if c.ThrottlePerMinute < 1 {
		return 1
	}
	return c.ThrottlePerMinute
}
