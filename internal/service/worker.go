package service

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

const maxErrorLength = 500

type TransportFactory interface {
	For(ctx context.Context, sender *model.Sender) (transport.Transport, error)
}

// SendWorker delivers routed emails through their sender's transport and
// records the outcome.
type SendWorker struct {
	EmailRepo  repository.EmailRepositoryInterface
	SenderRepo repository.SenderRepositoryInterface
	SendRepo   repository.SendRepositoryInterface
	Transports TransportFactory
	Completion *CompletionChecker
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

func (w *SendWorker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Handle processes one email.send message. Permanent failures bounce the
// recipient and are acked; temporary ones are recorded as soft bounces and
// retried by the runner until OnExhausted finalizes them.
func (w *SendWorker) Handle(ctx context.Context, d *queue.Delivery) error {
	var job queue.DeliverJob
	if err := d.Decode(&job); err != nil {
		return err
	}
	log := w.Logger.With(zap.Int64("email_id", job.EmailID), zap.Int("attempt", d.Attempt))

	email, err := w.EmailRepo.GetByID(ctx, job.EmailID)
	if err != nil {
		return queue.Transient(err)
	}
	if email == nil || email.Status != model.EmailCreated {
		log.Debug("email gone or finished, skipping")
		return nil
	}
	if email.SenderID == nil {
		log.Warn("email has no sender, skipping")
		return nil
	}

	sender, err := w.SenderRepo.GetByID(ctx, *email.SenderID)
	if err != nil {
		return queue.Transient(err)
	}
	if sender == nil || !sender.IsVerified {
		unavailable := &appErrors.ErrSenderUnavailable{SenderID: *email.SenderID}
		log.Warn("email failed", zap.Error(unavailable))
		return w.fail(ctx, email, unavailable.Error(), nil, model.RecipientStopped)
	}

	send, err := w.SendRepo.GetByEmailID(ctx, email.ID)
	if err != nil {
		return queue.Transient(err)
	}
	if send != nil && send.Status != model.SendQueued {
		log.Debug("campaign send already settled, skipping", zap.String("send_status", string(send.Status)))
		return nil
	}

	tr, err := w.Transports.For(ctx, sender)
	if err != nil {
		log.Warn("sender misconfigured, email failed", zap.Int64("sender_id", sender.ID), zap.Error(err))
		return w.fail(ctx, email, err.Error(), nil, model.RecipientStopped)
	}

	if err := w.EmailRepo.AddEvent(ctx, email.ID, model.EventQueued, map[string]any{"attempt": d.Attempt}); err != nil {
		return queue.Transient(err)
	}

	now := w.now()
	msg := &transport.Message{
		From:      sender.Email,
		FromName:  sender.DisplayName,
		To:        email.RecipientEmail,
		Subject:   email.Metadata.Subject,
		HTML:      email.Metadata.HTMLBody,
		Text:      email.Metadata.TextBody,
		MessageID: transport.NewMessageID(email.ID, sender.MailDomain(), now),
		Date:      now,
	}

	start := time.Now()
	sendErr := tr.Send(ctx, msg)
	w.Metrics.ObserveSend(tr.Name(), time.Since(start))

	if sendErr == nil {
		if err := w.EmailRepo.MarkSent(ctx, repository.Delivered{
			EmailID:           email.ID,
			CampaignID:        email.CampaignID,
			ProviderMessageID: msg.MessageID,
			SentAt:            w.now(),
		}); err != nil {
			// Redelivery would send twice.
			log.Error("email delivered but not recorded", zap.String("message_id", msg.MessageID), zap.Error(err))
			return err
		}
		w.Metrics.EmailSent(email.DeliveryProvider)
		log.Info("email sent", zap.String("message_id", msg.MessageID), zap.String("transport", tr.Name()))
		return nil
	}

	reason := truncate(sendErr.Error(), maxErrorLength)
	if transport.IsTemporary(sendErr) {
		w.Metrics.Bounce(string(model.BounceSoft))
		if err := w.EmailRepo.RecordDeferral(ctx, email.ID, reason, w.now()); err != nil {
			log.Error("failed to record soft bounce", zap.Error(err))
		}
		log.Warn("temporary delivery failure", zap.String("reason", reason))
		return queue.Transient(sendErr)
	}

	log.Warn("permanent delivery failure, recipient bounced", zap.String("reason", reason))
	hard := model.BounceHard
	w.Metrics.Bounce(string(hard))
	return w.fail(ctx, email, reason, &hard, model.RecipientBounced)
}

// OnExhausted finalizes an email whose temporary failures outlasted the
// retry budget.
func (w *SendWorker) OnExhausted(ctx context.Context, d *queue.Delivery, cause error) {
	var job queue.DeliverJob
	if err := d.Decode(&job); err != nil {
		return
	}
	email, err := w.EmailRepo.GetByID(ctx, job.EmailID)
	if err != nil || email == nil || email.Status != model.EmailCreated {
		return
	}
	reason := truncate("retries exhausted: "+cause.Error(), maxErrorLength)
	if err := w.fail(ctx, email, reason, nil, model.RecipientBounced); err != nil {
		w.Logger.Error("failed to finalize exhausted email", zap.Int64("email_id", email.ID), zap.Error(err))
	}
}

func (w *SendWorker) fail(ctx context.Context, email *model.Email, reason string, bounce *model.BounceType, status model.RecipientStatus) error {
	err := w.EmailRepo.MarkFailed(ctx, repository.Failure{
		EmailID:         email.ID,
		RecipientID:     email.RecipientID,
		Reason:          reason,
		Bounce:          bounce,
		RecipientStatus: status,
		At:              w.now(),
	})
	if err != nil {
		return queue.Transient(err)
	}
	if err := w.Completion.Check(ctx, email.CampaignID); err != nil {
		w.Logger.Error("completion check failed", zap.Int64("campaign_id", email.CampaignID), zap.Error(err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
