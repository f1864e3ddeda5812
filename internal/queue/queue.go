package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Topics of the send pipeline. Each is a durable queue carrying persistent messages.
const (
	TopicCampaignSend = "campaign.send"
	TopicEmailRoute   = "email.route"
	TopicEmailSend    = "email.send"
)

// DeadLetterTopic names the queue that holds messages which exhausted their retries.
func DeadLetterTopic(topic string) string {
	return topic + ".dead"
}

// SendJob asks the orchestrator to advance one recipient by one step.
type SendJob struct {
	CampaignID  int64 `json:"campaignId" validate:"required,gt=0"`
	RecipientID int64 `json:"recipientId" validate:"required,gt=0"`
	Step        int   `json:"step" validate:"gte=0"`
}

// RouteJob asks the router to assign a sending identity.
type RouteJob struct {
	EmailID int64 `json:"emailId" validate:"required,gt=0"`
}

// DeliverJob asks the sender stage to deliver a routed email.
type DeliverJob struct {
	EmailID int64 `json:"emailId" validate:"required,gt=0"`
}

// Publisher emits messages onto a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) error
}

// Consumer streams deliveries for a topic. At most prefetch deliveries are
// outstanding (unacknowledged) at a time.
type Consumer interface {
	Consume(ctx context.Context, topic string, prefetch int) (<-chan *Delivery, error)
}

// Broker is a process-scoped handle on the message broker.
type Broker interface {
	Publisher
	Consumer
	Close() error
}

// Delivery is one received message. Exactly one of Ack or Nack settles it.
type Delivery struct {
	Topic     string
	Body      []byte
	Attempt   int
	Deferrals int

	ack  func() error
	nack func(requeue bool) error
}

func NewDelivery(topic string, body []byte, attempt, deferrals int, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{Topic: topic, Body: body, Attempt: attempt, Deferrals: deferrals, ack: ack, nack: nack}
}

func (d *Delivery) Ack() error {
	return d.ack()
}

func (d *Delivery) Nack(requeue bool) error {
	return d.nack(requeue)
}

var validate = validator.New()

// Decode unmarshals and validates a delivery payload.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", d.Topic, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", d.Topic, err)
	}
	return nil
}

type publishOptions struct {
	delay     time.Duration
	attempt   int
	deferrals int
}

// PublishOption adjusts a single publish.
type PublishOption func(*publishOptions)

// WithDelay makes the message visible to consumers only after d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.delay = d }
}

// WithAttempt carries the retry count of a republished message.
func WithAttempt(n int) PublishOption {
	return func(o *publishOptions) { o.attempt = n }
}

// WithDeferrals carries the rate-limit deferral count of a republished message.
func WithDeferrals(n int) PublishOption {
	return func(o *publishOptions) { o.deferrals = n }
}

func applyOptions(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	}
	return json.Marshal(payload)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. The runner redelivers the message with
// backoff until the attempt ceiling is reached.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// DeferError asks the runner to redeliver the same message later without
// counting it as a failure.
type DeferError struct {
	Reason string
	Delay  time.Duration
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred for %s: %s", e.Delay, e.Reason)
}

func Defer(reason string, delay time.Duration) error {
	return &DeferError{Reason: reason, Delay: delay}
}
