package model

import "time"

type StepCondition string

const (
	ConditionAlways  StepCondition = "always"
	ConditionNoReply StepCondition = "no_reply"
)

type CampaignStep struct {
	ID           int64         `db:"id" json:"id"`
	CampaignID   int64         `db:"campaign_id" json:"campaign_id"`
	StepOrder    int           `db:"step_order" json:"step_order"`
	TemplateID   *int64        `db:"template_id" json:"template_id,omitempty"`
	Subject      string        `db:"subject" json:"subject"`
	HTMLBody     string        `db:"html_body" json:"html_body"`
	TextBody     string        `db:"text_body" json:"text_body"`
	DelayMinutes int           `db:"delay_minutes" json:"delay_minutes"`
	Condition    StepCondition `db:"condition" json:"condition"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
}

// StepZero builds the first step of a sequence from the campaign's own content.
func StepZero(c *Campaign) *CampaignStep {
	return &CampaignStep{
		CampaignID:   c.ID,
		StepOrder:    0,
		Subject:      c.Subject,
		HTMLBody:     c.HTMLBody,
		TextBody:     c.TextBody,
		DelayMinutes: 0,
		Condition:    ConditionAlways,
	}
}
