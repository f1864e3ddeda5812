package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// Orchestrator turns a work item into a rendered Email for the recipient's
// current step and hands it to the router.
type Orchestrator struct {
	CampaignRepo     repository.CampaignRepositoryInterface
	RecipientRepo    repository.RecipientRepositoryInterface
	StepRepo         repository.StepRepositoryInterface
	SendRepo         repository.SendRepositoryInterface
	EmailRepo        repository.EmailRepositoryInterface
	VerificationRepo repository.VerificationRepositoryInterface
	Completion       *CompletionChecker
	Publisher        queue.Publisher
	Logger           *zap.Logger
	Now              func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Handle processes one campaign.send message.
func (o *Orchestrator) Handle(ctx context.Context, d *queue.Delivery) error {
	var job queue.SendJob
	if err := d.Decode(&job); err != nil {
		return err
	}
	log := o.Logger.With(
		zap.Int64("campaign_id", job.CampaignID),
		zap.Int64("recipient_id", job.RecipientID),
		zap.Int("step", job.Step),
	)

	campaign, err := o.CampaignRepo.GetByID(ctx, job.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Debug("campaign gone, skipping")
			return nil
		}
		return queue.Transient(err)
	}
	if campaign.Status != model.CampaignRunning {
		log.Debug("campaign not running, skipping", zap.String("status", string(campaign.Status)))
		return nil
	}

	recipient, err := o.RecipientRepo.GetByID(ctx, job.RecipientID)
	if err != nil {
		return queue.Transient(err)
	}
	if recipient == nil || recipient.Status != model.RecipientPending || recipient.CurrentStep != job.Step {
		log.Debug("recipient not pending at this step, skipping")
		return nil
	}

	if job.Step == 0 {
		// Campaigns started outside the lifecycle service have no step 0 yet.
		created, err := o.StepRepo.EnsureStepZero(ctx, campaign)
		if err != nil {
			return queue.Transient(err)
		}
		if created {
			log.Info("step 0 written from campaign content")
		}
	}

	step, err := o.StepRepo.GetByOrder(ctx, campaign.ID, job.Step)
	if err != nil {
		return queue.Transient(err)
	}
	if step == nil {
		log.Info("sequence finished, recipient completed")
		return o.finishRecipient(ctx, recipient, model.RecipientCompleted)
	}

	status, err := o.VerificationRepo.Status(ctx, model.NormalizeEmail(recipient.Email))
	if err != nil {
		return queue.Transient(err)
	}
	if status != model.VerificationValid {
		log.Warn("recipient address not verified, recipient stopped", zap.String("verification", string(status)))
		return o.finishRecipient(ctx, recipient, model.RecipientStopped)
	}

	send, created, err := o.SendRepo.GetOrCreate(ctx, campaign.ID, recipient.ID, job.Step, campaign.SenderID)
	if err != nil {
		return queue.Transient(err)
	}
	if !created && send.Status != model.SendQueued {
		log.Debug("step already sent or failed, skipping", zap.String("send_status", string(send.Status)))
		return nil
	}

	vars := TemplateVars(recipient)
	now := o.now()
	email, err := o.EmailRepo.CreateForStep(ctx, repository.StepEmail{
		Email: model.Email{
			UserID:         campaign.UserID,
			CampaignID:     campaign.ID,
			RecipientID:    recipient.ID,
			RecipientEmail: recipient.Email,
			Metadata: model.EmailMetadata{
				Subject:  RenderTemplate(step.Subject, vars),
				HTMLBody: RenderTemplate(step.HTMLBody, vars),
				TextBody: RenderTemplate(step.TextBody, vars),
				Step:     job.Step,
			},
		},
		SendID:    send.ID,
		Step:      job.Step,
		SentAt:    now,
		NextRunAt: now.Add(time.Duration(step.DelayMinutes) * time.Minute),
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleRecipient) {
			log.Debug("recipient advanced concurrently, skipping")
			return nil
		}
		return queue.Transient(err)
	}

	if err := o.Publisher.Publish(ctx, queue.TopicEmailRoute, queue.RouteJob{EmailID: email.ID}); err != nil {
		// The email is committed; the stranded sweep routes it later.
		log.Error("failed to publish routing request", zap.Int64("email_id", email.ID), zap.Error(err))
		return nil
	}

	log.Info("email created", zap.Int64("email_id", email.ID))
	return nil
}

func (o *Orchestrator) finishRecipient(ctx context.Context, r *model.CampaignRecipient, status model.RecipientStatus) error {
	if err := o.RecipientRepo.MarkTerminal(ctx, r.ID, status); err != nil {
		return queue.Transient(err)
	}
	if err := o.Completion.Check(ctx, r.CampaignID); err != nil {
		return queue.Transient(err)
	}
	return nil
}
