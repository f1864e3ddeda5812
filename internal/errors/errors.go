// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// ErrNoVerifiedSender is returned by the router when no identity can be assigned.
var ErrNoVerifiedSender = errors.New("no verified sender available")

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// IsNotFound reports whether err is a campaign, recipient or step lookup miss.
func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	var rnf *ErrRecipientNotFound
	return errors.As(err, &nf) || errors.As(err, &rnf) || errors.Is(err, ErrStepNotFound)
}

// ErrInvalidTransition rejects a lifecycle edge that is not in the transition table.
type ErrInvalidTransition struct {
	From model.CampaignStatus
	To   model.CampaignStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid campaign transition %s -> %s", e.From, e.To)
}

func NewInvalidTransition(from, to model.CampaignStatus) error {
	return &ErrInvalidTransition{From: from, To: to}
}

// ErrSenderUnavailable means the routed identity is gone or no longer verified.
type ErrSenderUnavailable struct {
	SenderID int64
}

func (e *ErrSenderUnavailable) Error() string {
	return fmt.Sprintf("sender %d unavailable", e.SenderID)
}

// ErrRecipientNotFound means the recipient does not exist or belongs to another campaign.
type ErrRecipientNotFound struct {
	RecipientID int64
}

func (e *ErrRecipientNotFound) Error() string {
	return fmt.Sprintf("recipient with ID %d not found", e.RecipientID)
}

// ErrStepNotFound is returned when a sequence has no step at the requested position.
var ErrStepNotFound = errors.New("campaign step not found")
