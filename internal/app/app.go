// Package app wires configuration, storage, mail services and the HTTP
// surface into one running engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"renewal-mail-engine/internal/automation"
	"renewal-mail-engine/internal/campaign"
	"renewal-mail-engine/internal/config"
	"renewal-mail-engine/internal/dashboard"
	"renewal-mail-engine/internal/db"
	"renewal-mail-engine/internal/handler"
	"renewal-mail-engine/internal/ingest"
	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/poller"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/router"
	"renewal-mail-engine/internal/scheduler"
	"renewal-mail-engine/internal/sender"
	"renewal-mail-engine/internal/transport"
	"renewal-mail-engine/internal/vault"
	"renewal-mail-engine/internal/webhook"
)

// Scheduler names
const (
	PollerJob      = "poller"
	CampaignJob    = "campaigns"
	AutomationsJob = "automations"
)

// App holds every long-lived service
type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Repo        *repository.Repository
	Metrics     *metrics.Metrics
	Vault       *vault.Vault
	Sender      *sender.Sender
	Pipeline    *ingest.Pipeline
	Automations *automation.Engine
	Poller      *poller.Poller
	Webhooks    *webhook.Processor
	Campaigns   *campaign.Dispatcher
	Dashboard   *dashboard.Service
	Schedulers  map[string]*scheduler.Scheduler
}

// SetupLogging configures the standard logrus logger
func SetupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// Load reads and validates the configuration
func Load() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	SetupLogging(cfg.Log.Level)
	return cfg, nil
}

// New opens the database and builds every service. Metrics are registered
// on reg.
func New(cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	conn, err := db.Init(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return Build(cfg, conn, reg)
}

// Build assembles the services on an open database
func Build(cfg *config.Config, conn *gorm.DB, reg prometheus.Registerer) (*App, error) {
	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential vault: %w", err)
	}

	a := &App{
		Config:  cfg,
		DB:      conn,
		Repo:    repository.New(conn),
		Metrics: metrics.NewMetrics(reg),
		Vault:   v,
	}

	opts := transport.Options{
		ConnectTimeout:   cfg.Transport.ConnectTimeout,
		OperationTimeout: cfg.Transport.OperationTimeout,
	}
	var gmailOAuth *oauth2.Config
	if cfg.Gmail.ClientID != "" {
		gmailOAuth = transport.GmailOAuthConfig(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Gmail.RedirectURL)
	}

	defaultProvider, err := a.defaultProvider()
	if err != nil {
		return nil, err
	}

	tx := sender.NewNetworkTransmitter(transport.NewSMTPClient(opts), gmailOAuth, opts)
	a.Sender = sender.NewSender(a.Repo, v, tx, a.Metrics, defaultProvider, cfg.Sender.FallbackFrom)
	a.Pipeline = ingest.NewPipeline(a.Repo, ingest.NewNotifier(a.Repo, cfg.Notify.Timeout), a.Metrics)
	a.Automations = automation.NewEngine(a.Repo, a.Sender, a.Metrics, automation.Options{
		WebhookTimeout: cfg.Automation.WebhookTimeout,
		MaxDelay:       cfg.Automation.MaxDelay,
	})

	dialer := transport.NewAccountDialer(v, opts, cfg.Poller.Folder, gmailOAuth)
	a.Poller = poller.NewPoller(a.Repo, dialer, a.Pipeline, a.Automations, a.Metrics,
		cfg.Poller.Workers, cfg.Poller.AccountBudget)
	a.Webhooks = webhook.NewProcessor(a.Repo, a.Pipeline, a.Automations, a.Metrics)
	a.Campaigns = campaign.NewDispatcher(a.Repo, a.Sender, a.Metrics, campaign.Options{
		Workers:         cfg.Campaign.Workers,
		RatePerSecond:   cfg.Campaign.RatePerSecond,
		Budget:          cfg.Campaign.Budget,
		RecipientBudget: cfg.Campaign.RecipientBudget,
		TrackingBaseURL: cfg.Campaign.TrackingBaseURL,
	})
	a.Dashboard = dashboard.NewService(a.Repo)

	a.Schedulers = map[string]*scheduler.Scheduler{
		PollerJob:   scheduler.NewScheduler(PollerJob, cfg.Poller.IntervalMinutes, a.Poller.Cycle, a.Metrics),
		CampaignJob: scheduler.NewScheduler(CampaignJob, cfg.Campaign.IntervalMinutes, a.Campaigns.DispatchDue, a.Metrics),
		AutomationsJob: scheduler.NewScheduler(AutomationsJob, cfg.Poller.IntervalMinutes,
			a.Automations.RunTimeBased, a.Metrics),
	}
	return a, nil
}

// defaultProvider prefers the configured relay over the stored default row
func (a *App) defaultProvider() (*sender.Provider, error) {
	if p := sender.ProviderFromConfig(a.Config.Sender.DefaultProvider); p != nil {
		logrus.WithField("host", p.Endpoint.Host).Info("Using configured default provider")
		return p, nil
	}
	stored, err := a.Repo.DefaultProvider()
	if errors.Is(err, repository.ErrNotFound) {
		logrus.Warn("No default provider configured; accounts must send with their own credentials")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default provider: %w", err)
	}
	return sender.ProviderFromModel(stored, a.Vault)
}

// Close waits for background automations and releases the database
// connection
func (a *App) Close() error {
	if a.Automations != nil {
		a.Automations.Wait()
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Serve starts the schedulers and the HTTP server and blocks until SIGINT or
// SIGTERM.
func (a *App) Serve() error {
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	a.Automations.Bind(base)

	h := handler.NewHandlers(handler.Deps{
		Repo:        a.Repo,
		Webhooks:    a.Webhooks,
		Poller:      a.Poller,
		Mailer:      a.Sender,
		Automations: a.Automations,
		Campaigns:   a.Campaigns,
		Dashboard:   a.Dashboard,
		Schedulers:  a.Schedulers,
		BaseContext: base,
	})
	srv := &http.Server{
		Addr:         ":" + a.Config.Server.Port,
		Handler:      router.SetupRouter(h),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	for name, s := range a.Schedulers {
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start %s scheduler: %w", name, err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for name, s := range a.Schedulers {
		if err := s.Stop(); err != nil {
			logrus.WithField("scheduler", name).Errorf("Failed to stop scheduler: %v", err)
		}
	}
	for _, s := range a.Schedulers {
		s.Wait()
	}

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}
	cancelBase()
	h.Wait()

	if err := a.Close(); err != nil {
		logrus.Errorf("Failed to close database: %v", err)
	}
	logrus.Info("Server stopped gracefully")
	return runErr
}

// Run loads configuration and serves until a shutdown signal
func Run() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	logrus.Info("Starting renewal mail engine")
	a, err := New(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	return a.Serve()
}
