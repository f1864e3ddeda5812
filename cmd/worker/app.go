package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/campaign-mailer/internal/backoff"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/handler"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/mta"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/ratelimit"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

const (
	stageScheduler    = "scheduler"
	stageOrchestrator = "orchestrator"
	stageRouter       = "router"
	stageSender       = "sender"
	stageAll          = "all"
)

// consumerStages are the queue-driven stages in pipeline order.
var consumerStages = []string{stageOrchestrator, stageRouter, stageSender}

// deps are the process-scoped connections.
type deps struct {
	db      *sql.DB
	redis   *redis.Client
	broker  queue.Broker
	metrics *metrics.Metrics
}

func openDeps(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*deps, error) {
	d := &deps{metrics: metrics.New()}

	conn, err := db.Open(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return nil, err
	}
	d.db = conn

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		d.close(logger)
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	d.redis = redis.NewClient(opts)
	if err := d.redis.Ping(ctx).Err(); err != nil {
		d.close(logger)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	switch cfg.Broker {
	case "memory":
		logger.Warn("using the in-memory broker; messages do not survive a restart")
		d.broker = queue.NewInMemoryQueue()
	default:
		b, err := queue.DialAMQP(cfg.AMQPURL, logger)
		if err != nil {
			d.close(logger)
			return nil, err
		}
		d.broker = b
	}
	return d, nil
}

func (d *deps) close(logger *zap.Logger) {
	if d.broker != nil {
		if err := d.broker.Close(); err != nil {
			logger.Warn("failed to close broker", zap.Error(err))
		}
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}

// pipeline holds one instance of every stage, wired to the State Store.
type pipeline struct {
	scheduler    *service.Scheduler
	orchestrator *service.Orchestrator
	router       *service.Router
	sender       *service.SendWorker
}

func newPipeline(cfg *config.Config, d *deps, logger *zap.Logger) (*pipeline, error) {
	limits, err := cfg.Limits()
	if err != nil {
		return nil, err
	}

	campaignRepo := &repository.CampaignRepository{DB: d.db}
	recipientRepo := &repository.RecipientRepository{DB: d.db}
	stepRepo := &repository.StepRepository{DB: d.db}
	sendRepo := &repository.SendRepository{DB: d.db}
	emailRepo := &repository.EmailRepository{DB: d.db}
	senderRepo := &repository.SenderRepository{DB: d.db}
	verificationRepo := &repository.VerificationRepository{DB: d.db}

	completion := &service.CompletionChecker{CampaignRepo: campaignRepo, Metrics: d.metrics, Logger: logger}
	campaigns := &service.CampaignService{
		CampaignRepo:  campaignRepo,
		StepRepo:      stepRepo,
		RecipientRepo: recipientRepo,
		Logger:        logger,
	}

	transports := transport.NewFactory(transport.FactoryConfig{
		HeloName:    cfg.SMTPHeloName,
		SMTPTimeout: cfg.SMTPTimeout,
		GraphURL:    cfg.GraphURL,
		Microsoft: transport.OAuthApp{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			Endpoint:     endpoints.AzureAD(cfg.MicrosoftTenant),
			Scopes:       []string{"https://graph.microsoft.com/Mail.Send", "offline_access"},
		},
		Google: transport.OAuthApp{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Endpoint:     endpoints.Google,
			Scopes:       []string{"https://mail.google.com/"},
		},
	}, senderRepo, logger.With(zap.String("component", "transport")))

	return &pipeline{
		scheduler: &service.Scheduler{
			CampaignRepo:  campaignRepo,
			RecipientRepo: recipientRepo,
			EmailRepo:     emailRepo,
			Campaigns:     campaigns,
			Completion:    completion,
			Publisher:     d.broker,
			Interval:      cfg.SchedulerInterval,
			StrandedAfter: cfg.StrandedAfter,
			Metrics:       d.metrics,
			Logger:        logger.With(zap.String("component", stageScheduler)),
		},
		orchestrator: &service.Orchestrator{
			CampaignRepo:     campaignRepo,
			RecipientRepo:    recipientRepo,
			StepRepo:         stepRepo,
			SendRepo:         sendRepo,
			EmailRepo:        emailRepo,
			VerificationRepo: verificationRepo,
			Completion:       completion,
			Publisher:        d.broker,
			Logger:           logger.With(zap.String("component", stageOrchestrator)),
		},
		router: &service.Router{
			EmailRepo:  emailRepo,
			SenderRepo: senderRepo,
			Detector: mta.NewDetector(mta.NewDNSResolver(), d.redis, cfg.MTACacheTTL,
				logger.With(zap.String("component", "mta"))),
			Limiter:    ratelimit.NewLimiter(d.redis, limits),
			Publisher:  d.broker,
			DeferDelay: backoff.NewJittered(cfg.RateLimitDelay, cfg.RateLimitDelay, cfg.RateLimitMaxDelay),
			Metrics:    d.metrics,
			Logger:     logger.With(zap.String("component", stageRouter)),
		},
		sender: &service.SendWorker{
			EmailRepo:  emailRepo,
			SenderRepo: senderRepo,
			SendRepo:   sendRepo,
			Transports: transports,
			Completion: completion,
			Metrics:    d.metrics,
			Logger:     logger.With(zap.String("component", stageSender)),
		},
	}, nil
}

// runnerFor builds the consumer of a queue-driven stage.
func runnerFor(stage string, cfg *config.Config, p *pipeline, broker queue.Broker, m *metrics.Metrics, logger *zap.Logger) (*queue.Runner, queue.Handler, error) {
	r := &queue.Runner{
		Broker:       broker,
		MaxAttempts:  cfg.MaxAttempts,
		MaxDeferrals: cfg.MaxDeferrals,
		Retry:        backoff.NewJittered(cfg.RetryBaseDelay, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		Metrics:      m,
		Logger:       logger.With(zap.String("component", stage)),
	}

	switch stage {
	case stageOrchestrator:
		r.Topic, r.Concurrency = queue.TopicCampaignSend, cfg.OrchestratorConcurrency
		return r, p.orchestrator.Handle, nil
	case stageRouter:
		r.Topic, r.Concurrency = queue.TopicEmailRoute, cfg.RouterConcurrency
		return r, p.router.Handle, nil
	case stageSender:
		r.Topic, r.Concurrency = queue.TopicEmailSend, cfg.SenderConcurrency
		r.OnExhausted = p.sender.OnExhausted
		return r, p.sender.Handle, nil
	}
	return nil, nil, fmt.Errorf("unknown stage %q", stage)
}

// run starts the requested stage (or every stage) and blocks until ctx is
// cancelled or a stage fails.
func run(ctx context.Context, stage string) error {
	d, err := openDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.close(log)

	p, err := newPipeline(cfg, d, log)
	if err != nil {
		return err
	}

	stages := []string{stage}
	if stage == stageAll {
		stages = append([]string{stageScheduler}, consumerStages...)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range stages {
		if s == stageScheduler {
			g.Go(func() error { return p.scheduler.Run(ctx) })
			continue
		}
		r, h, err := runnerFor(s, cfg, p, d.broker, d.metrics, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return r.Run(ctx, h) })
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: opsRouter(d), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("ops listener started", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("worker running", zap.Strings("stages", stages), zap.String("broker", cfg.Broker))
	return g.Wait()
}

func opsRouter(d *deps) http.Handler {
	health := &handler.HealthHandler{Checks: map[string]func(context.Context) error{
		"postgres": d.db.PingContext,
		"redis":    func(ctx context.Context) error { return d.redis.Ping(ctx).Err() },
	}}
	r := chi.NewRouter()
	r.Get("/healthz", health.Live)
	r.Get("/readyz", health.Ready)
	r.Handle("/metrics", d.metrics.Handler())
	return r
}
