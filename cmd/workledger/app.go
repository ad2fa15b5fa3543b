package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/export"
	"github.com/joseph-ayodele/workledger/internal/jobs"
	"github.com/joseph-ayodele/workledger/internal/linkcheck"
	"github.com/joseph-ayodele/workledger/internal/llm/openai"
	"github.com/joseph-ayodele/workledger/internal/metrics"
	"github.com/joseph-ayodele/workledger/internal/ratelimit"
	"github.com/joseph-ayodele/workledger/internal/repository"
	"github.com/joseph-ayodele/workledger/internal/scrape"
	"github.com/joseph-ayodele/workledger/internal/seo"
	"github.com/joseph-ayodele/workledger/internal/server"
	"github.com/joseph-ayodele/workledger/internal/themaads"
)

// app is the wiring shared by every command: config, logger, stores and
// the single reconciler that writes to them.
type app struct {
	cfg       *common.Config
	logger    *slog.Logger
	stores    *server.Stores
	committer *core.Reconciler
	recorder  *metrics.Recorder
	jobRepo   repository.JobRepository
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	// Logs go to stderr so command output on stdout stays clean.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newApp(ctx context.Context) (*app, error) {
	cfg := common.LoadConfig()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stores, err := server.ConnectStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var warehouse repository.EffectStore
	if stores.Warehouse != nil {
		warehouse = stores.Warehouse
	}
	remote := cfg.Batch.OutputTarget == "warehouse"
	logger.Info("app.ready", "output_target", cfg.Batch.OutputTarget, "warehouse", stores.Warehouse != nil)

	return &app{
		cfg:       cfg,
		logger:    logger,
		stores:    stores,
		committer: core.NewReconciler(stores.Ledger, warehouse, remote, logger),
		recorder:  metrics.New(prometheus.NewRegistry()),
		jobRepo:   repository.NewJobRepository(stores.Ledger, logger),
	}, nil
}

func (a *app) close() {
	a.stores.Close()
}

func (a *app) outputs() *repository.Store {
	return a.stores.Outputs(a.cfg.Batch)
}

func (a *app) runnerConfig() core.RunnerConfig {
	b := a.cfg.Batch
	return core.RunnerConfig{
		BatchSize:        b.Size,
		Workers:          b.Workers,
		RateLimitBackoff: b.RateLimitBackoff,
		StopOnRateLimit:  b.StopOnRateLimit,
		BreakerThreshold: b.BreakerThreshold,
	}
}

func (a *app) seoService() *seo.Service {
	return seo.NewService(a.stores.Ledger, a.outputs(), a.stores.Warehouse, a.committer, a.logger)
}

func (a *app) exportService() *export.Service {
	return export.NewService(a.stores.Ledger, a.jobRepo, a.stores.Ledger, a.logger)
}

// seoWorker wires the scraper and the content generator.
func (a *app) seoWorker() (*seo.Worker, error) {
	if err := a.cfg.ValidateLLM(); err != nil {
		return nil, err
	}
	sc := a.cfg.Scraper
	scraper := scrape.New(scrape.Config{
		UserAgent:        sc.UserAgent,
		Timeout:          sc.Timeout,
		MaxProducts:      sc.MaxProducts,
		RateLimitMarkers: sc.RateLimitMarkers,
	}, ratelimit.New("scrape", sc.RequestsPerSecond, a.cfg.Batch.Workers, a.logger), a.logger)

	lc := a.cfg.LLM
	generator := openai.NewClient(openai.Config{
		APIKey:      lc.APIKey,
		BaseURL:     lc.BaseURL,
		Model:       lc.Model,
		Temperature: lc.Temperature,
		MaxTokens:   lc.MaxTokens,
		Timeout:     lc.Timeout,
	}, a.logger)
	a.logger.Info("seo.worker.ready", "model", lc.Model)
	return seo.NewWorker(scraper, generator, a.outputs(), a.logger), nil
}

func (a *app) schedulerOptions() []core.SchedulerOption {
	return []core.SchedulerOption{
		core.WithItemTimeout(a.cfg.Batch.ItemTimeout),
		core.WithRecorder(a.recorder),
	}
}

func (a *app) seoScheduler() (*core.Scheduler, error) {
	w, err := a.seoWorker()
	if err != nil {
		return nil, err
	}
	return core.NewScheduler("seo", a.stores.Ledger, w, a.committer, a.logger, a.schedulerOptions()...), nil
}

// linkScheduler validates the links of outputs that have no report yet.
func (a *app) linkScheduler() (*core.Scheduler, error) {
	lc := a.cfg.Links
	if lc.BaseURL == "" {
		return nil, common.NewAppError("CONFIG_ERROR", "LINK_BASE_URL is required", common.ErrInvalidInput)
	}
	checker := linkcheck.NewChecker(lc.BaseURL, lc.Timeout,
		ratelimit.New("links", lc.RequestsPerSecond, 1, a.logger), a.logger)
	outputs := a.outputs()
	source := linkcheck.PendingSource(outputs, a.stores.Ledger)
	return core.NewScheduler("links", source, linkcheck.NewWorker(checker, outputs), a.committer, a.logger, a.schedulerOptions()...), nil
}

// adsAPI returns the Google Ads client, wrapped so that writes are only
// logged when DRY_RUN is set.
func (a *app) adsAPI() (themaads.AdsAPI, error) {
	if err := a.cfg.ValidateAds(); err != nil {
		return nil, err
	}
	ac := a.cfg.Ads
	var api themaads.AdsAPI = themaads.NewRESTClient(themaads.RESTConfig{
		BaseURL:         ac.BaseURL,
		APIVersion:      ac.APIVersion,
		DeveloperToken:  ac.DeveloperToken,
		AccessToken:     ac.AccessToken,
		LoginCustomerID: ac.LoginCustomerID,
		MaxOpsPerCall:   ac.MaxOpsPerCall,
		Timeout:         ac.Timeout,
	}, ratelimit.New("ads", ac.RequestsPerSecond, 1, a.logger), a.logger)
	if ac.DryRun {
		a.logger.Warn("ads.dry_run", "msg", "mutations are logged, not sent")
		api = themaads.NewDryRun(api, a.logger)
	}
	return api, nil
}

// controller builds the job controller with one themed ads worker per
// theme. requireAds makes a missing ads configuration fatal; otherwise jobs
// are only browsable.
func (a *app) controller(ctx context.Context, requireAds bool) (*jobs.Controller, error) {
	ctrl := jobs.NewController(a.jobRepo, a.committer, jobs.Config{
		Runner:      a.runnerConfig(),
		ItemTimeout: a.cfg.Batch.ItemTimeout,
	}, a.logger, jobs.WithRecorder(a.recorder), jobs.WithBaseContext(ctx))

	api, err := a.adsAPI()
	switch {
	case err != nil && requireAds:
		return nil, err
	case err != nil:
		a.logger.Warn("jobs.ads_disabled", "error", err)
	default:
		for _, t := range constants.ThemesAsStringSlice() {
			theme := constants.Theme(t)
			ctrl.Register(themaads.Kind(theme), themaads.NewWorker(api, theme, a.logger))
		}
	}
	return ctrl, nil
}
