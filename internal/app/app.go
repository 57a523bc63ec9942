package app

import (
	"context"
	"fmt"

	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"github.com/yungbote/docforge-backend/internal/clients/openai"
	"github.com/yungbote/docforge-backend/internal/clients/twilio"
	"github.com/yungbote/docforge-backend/internal/data/db"
	docrepo "github.com/yungbote/docforge-backend/internal/data/repos/docpipeline"
	"github.com/yungbote/docforge-backend/internal/docpipeline"
	"github.com/yungbote/docforge-backend/internal/docpipeline/aiservice"
	alertpkg "github.com/yungbote/docforge-backend/internal/docpipeline/alert"
	"github.com/yungbote/docforge-backend/internal/docpipeline/perf"
	"github.com/yungbote/docforge-backend/internal/docpipeline/retryq"
	"github.com/yungbote/docforge-backend/internal/docpipeline/stages"
	"github.com/yungbote/docforge-backend/internal/platform/localmedia"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
	"github.com/yungbote/docforge-backend/internal/platform/s3store"
	"github.com/yungbote/docforge-backend/internal/platform/sendgrid"
	"github.com/yungbote/docforge-backend/internal/temporalx"
)

// Repos groups the pipeline's relational access, mirroring the repo-set wiring style the data
// layer uses.
type Repos struct {
	Documents docrepo.DocumentRepo
	Markers   docrepo.CompletionMarkerRepo
	Errors    docrepo.PipelineErrorRepo
	Alerts    docrepo.AlertRepo
	Policies  docrepo.RetryPolicyRepo
	Baselines docrepo.PerformanceBaselineRepo
}

// App is the composition root for the document-processing pipeline worker.
type App struct {
	Log *logger.Logger
	DB  *gorm.DB
	Cfg Config

	Repos        Repos
	Orchestrator *docpipeline.Orchestrator
	Collector    *perf.Collector
	Baselines    *perf.BaselineStore
	AlertQueue   *alertpkg.Queue

	policyCache *docpipeline.PolicyCache
	alertCache  *docpipeline.AlertConfigCache
	aggregator  *alertpkg.Aggregator
	sweeper     *docpipeline.Sweeper
	retention   *docpipeline.RetentionSweeper
	bus         *docpipeline.CacheInvalidationBus

	temporal temporalsdkclient.Client
	cancel   context.CancelFunc
}

func New() (*App, error) {
	cfg := LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	repoSet := Repos{
		Documents: docrepo.NewDocumentRepo(theDB, log),
		Markers:   docrepo.NewCompletionMarkerRepo(theDB, log),
		Errors:    docrepo.NewPipelineErrorRepo(theDB, log),
		Alerts:    docrepo.NewAlertRepo(theDB, log),
		Policies:  docrepo.NewRetryPolicyRepo(theDB, log),
		Baselines: docrepo.NewPerformanceBaselineRepo(theDB, log),
	}

	objects, err := s3store.New(context.Background(), s3store.LoadConfig(), log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init object store: %w", err)
	}

	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init ai client: %w", err)
	}
	ai := aiservice.New(aiClient, log)

	tools := localmedia.New(log)
	if err := tools.AssertReady(context.Background()); err != nil {
		log.Warn("pdf toolchain not ready; extraction stages will fail until poppler-utils is installed", "error", err)
	}
	extract := stages.NewToolExtractor(tools, localmedia.NewWorkdir(), log)

	registry := docpipeline.NewRegistry()
	if err := stages.RegisterAll(registry, stages.Deps{
		Objects: objects,
		AI:      ai,
		Extract: extract,
		Bucket:  cfg.PipelineBucket,
		Log:     log,
	}); err != nil {
		log.Sync()
		return nil, fmt.Errorf("register stages: %w", err)
	}

	policyCache := docpipeline.NewPolicyCache(theDB, repoSet.Policies, log)
	alertCache := docpipeline.NewAlertConfigCache(theDB, repoSet.Alerts, log)
	if err := policyCache.Refresh(context.Background()); err != nil {
		log.Warn("initial retry policy load failed; using defaults", "error", err)
	}
	if err := alertCache.Refresh(context.Background()); err != nil {
		log.Warn("initial alert configuration load failed", "error", err)
	}

	alertQueue := alertpkg.NewQueue(repoSet.Alerts, log)

	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Warn("temporal client init failed; async retries disabled", "error", err)
	}
	var scheduler docpipeline.BackgroundTaskScheduler
	if tc != nil {
		scheduler = retryq.NewScheduler(tc, log)
	}

	locks := docpipeline.NewAdvisoryLockManager(theDB)
	idem := docpipeline.NewIdempotencyChecker(theDB, repoSet.Markers, repoSet.Documents)
	retryOrch := docpipeline.NewRetryOrchestrator(theDB, repoSet.Errors, alertQueue, policyCache, scheduler, nil)

	collector := perf.NewCollector(nil)
	runner := docpipeline.NewStageRunner(theDB, locks, idem, retryOrch, collector, repoSet.Documents, log)
	orch := docpipeline.NewOrchestrator(theDB, registry, runner, idem, repoSet.Documents, repoSet.Markers, repoSet.Errors, scheduler, log)

	aggregator := alertpkg.NewAggregator(repoSet.Alerts, alertCache, buildDispatcher(cfg, log), log)

	a := &App{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Repos:        repoSet,
		Orchestrator: orch,
		Collector:    collector,
		Baselines:    perf.NewBaselineStore(repoSet.Baselines),
		AlertQueue:   alertQueue,
		policyCache:  policyCache,
		alertCache:   alertCache,
		aggregator:   aggregator,
		sweeper:      docpipeline.NewSweeper(repoSet.Documents, log),
		retention:    docpipeline.NewRetentionSweeper(repoSet.Alerts, repoSet.Errors, log),
		temporal:     tc,
	}
	if cfg.RedisAddr != "" {
		a.bus = docpipeline.NewCacheInvalidationBus(cfg.RedisAddr, "", log)
	}
	return a, nil
}

// buildDispatcher assembles the channel fan-out for aggregated alerts from whichever senders
// are configured; an unconfigured channel is simply absent from the map.
func buildDispatcher(cfg Config, log *logger.Logger) alertpkg.Dispatcher {
	byKind := map[string]alertpkg.Dispatcher{}
	if cfg.AlertEmailFrom != "" {
		if client, err := sendgrid.NewFromEnv(log); err != nil {
			log.Warn("email alert channel disabled", "error", err)
		} else {
			byKind["email"] = alertpkg.NewEmailDispatcher(client, sendgrid.EmailAddress{Email: cfg.AlertEmailFrom}, log)
		}
	}
	if cfg.AlertSMSFrom != "" {
		if client, err := twilio.NewFromEnv(log); err != nil {
			log.Warn("sms alert channel disabled", "error", err)
		} else {
			byKind["sms"] = alertpkg.NewSMSDispatcher(client, cfg.AlertSMSFrom, log)
		}
	}
	return alertpkg.NewMultiDispatcher(log, byKind)
}

// Start launches the background loops: config cache refresh, alert aggregation, recovery and
// retention sweeps, the config invalidation subscriber, and the Temporal retry worker.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.policyCache.Run(ctx)
	go a.alertCache.Run(ctx)
	go a.aggregator.Run(ctx)
	go a.sweeper.Run(ctx)
	go a.retention.Run(ctx)
	if a.bus != nil {
		a.bus.Subscribe(ctx, a.policyCache, a.alertCache)
	}
	if a.temporal != nil {
		if err := a.startRetryWorker(ctx); err != nil {
			return fmt.Errorf("start retry worker: %w", err)
		}
	}
	return nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.temporal != nil {
		a.temporal.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
