// Package transport delivers rendered emails through a sender's mail
// channel: SMTP, or the Microsoft Graph API for Outlook identities.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one outbound email, fully rendered.
type Message struct {
	From      string
	FromName  string
	To        string
	Subject   string
	HTML      string
	Text      string
	MessageID string
	Date      time.Time
}

// Transport sends a message. Failures are returned as *DeliveryError.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Name() string
}

// DeliveryError is a failed delivery attempt. Temporary failures may succeed
// on retry; permanent ones are hard bounces.
type DeliveryError struct {
	Temporary bool
	Code      int
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporary reports whether err may succeed on retry. Unclassified errors
// are treated as temporary.
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// NewMessageID returns <emailID.rand8.unixMillis@domain>.
func NewMessageID(emailID int64, domain string, now time.Time) string {
	return fmt.Sprintf("<%d.%s.%d@%s>", emailID, uuid.NewString()[:8], now.UnixMilli(), domain)
}
