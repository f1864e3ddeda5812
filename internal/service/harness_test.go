package service_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/campaign-mailer/internal/backoff"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/mta"
	"github.com/unclebandit/campaign-mailer/internal/ratelimit"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

var testNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type harness struct {
	store        *memStore
	pub          *recordingPublisher
	tr           *fakeTransport
	factory      *fakeTransportFactory
	campaigns    *service.CampaignService
	completion   *service.CompletionChecker
	scheduler    *service.Scheduler
	orchestrator *service.Orchestrator
	router       *service.Router
	worker       *service.SendWorker
}

func newHarness(t *testing.T, limits ratelimit.Limits) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := newMemStore()
	pub := &recordingPublisher{}
	tr := &fakeTransport{}
	factory := &fakeTransportFactory{tr: tr}
	clock := func() time.Time { return testNow }

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	campaigns := &service.CampaignService{
		CampaignRepo:  fakeCampaignRepo{store},
		StepRepo:      fakeStepRepo{store},
		RecipientRepo: fakeRecipientRepo{store},
		Logger:        logger,
	}
	completion := &service.CompletionChecker{CampaignRepo: fakeCampaignRepo{store}, Logger: logger}

	return &harness{
		store:      store,
		pub:        pub,
		tr:         tr,
		factory:    factory,
		campaigns:  campaigns,
		completion: completion,
		scheduler: &service.Scheduler{
			CampaignRepo:  fakeCampaignRepo{store},
			RecipientRepo: fakeRecipientRepo{store},
			EmailRepo:     fakeEmailRepo{store},
			Campaigns:     campaigns,
			Completion:    completion,
			Publisher:     pub,
			StrandedAfter: 15 * time.Minute,
			Logger:        logger,
		},
		orchestrator: &service.Orchestrator{
			CampaignRepo:     fakeCampaignRepo{store},
			RecipientRepo:    fakeRecipientRepo{store},
			StepRepo:         fakeStepRepo{store},
			SendRepo:         fakeSendRepo{store},
			EmailRepo:        fakeEmailRepo{store},
			VerificationRepo: fakeVerificationRepo{store},
			Completion:       completion,
			Publisher:        pub,
			Logger:           logger,
			Now:              clock,
		},
		router: &service.Router{
			EmailRepo:  fakeEmailRepo{store},
			SenderRepo: fakeSenderRepo{store},
			Detector: fakeDetector{
				"@gmail.com":   mta.ProviderGoogle,
				"@outlook.com": mta.ProviderMicrosoft,
			},
			Limiter:    ratelimit.NewLimiter(rdb, limits),
			Publisher:  pub,
			DeferDelay: backoff.NewJittered(5*time.Second, 5*time.Second, time.Minute),
			Logger:     logger,
			Now:        clock,
		},
		worker: &service.SendWorker{
			EmailRepo:  fakeEmailRepo{store},
			SenderRepo: fakeSenderRepo{store},
			SendRepo:   fakeSendRepo{store},
			Transports: factory,
			Completion: completion,
			Logger:     logger,
			Now:        clock,
		},
	}
}

// runningCampaign seeds a running campaign with one step.
func (h *harness) runningCampaign() int64 {
	c := h.store.addCampaign(model.Campaign{
		Name:     "Spring outreach",
		Subject:  "Hi {{ name }}",
		HTMLBody: "<p>Hello {{name}} from {{ company }}</p>",
		Status:   model.CampaignRunning,
	})
	h.store.addStep(*model.StepZero(c))
	return c.ID
}
