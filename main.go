package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/account"
	"github.com/Martian-dev/mailmirror/internal/api"
	"github.com/Martian-dev/mailmirror/internal/auth"
	"github.com/Martian-dev/mailmirror/internal/config"
	"github.com/Martian-dev/mailmirror/internal/events"
	"github.com/Martian-dev/mailmirror/internal/model"
	natsjs "github.com/Martian-dev/mailmirror/internal/nats"
	"github.com/Martian-dev/mailmirror/internal/notify"
	"github.com/Martian-dev/mailmirror/internal/providers/gmail"
	"github.com/Martian-dev/mailmirror/internal/providers/outlook"
	"github.com/Martian-dev/mailmirror/internal/store"
	mailsync "github.com/Martian-dev/mailmirror/internal/sync"
)

const shutdownTimeout = 15 * time.Second

// bus is an event bus that can be drained on shutdown
type bus interface {
	events.Bus
	Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	hub := notify.NewHub(log)

	eventBus, err := newBus(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to start event bus")
	}

	// providers
	msCreds := auth.NewMicrosoft(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.TenantID, cfg.Microsoft.RedirectURI, st, log)
	graph := outlook.NewClient(msCreds, log)

	registry := mailsync.NewRegistry().
		Register(model.ProviderMicrosoft, newReconciler(graph, st, hub, cfg, log))
	providers := map[model.ProviderType]account.Provider{
		model.ProviderMicrosoft: {OAuth: msCreds, Profile: graph.FetchUser},
	}

	if cfg.Google.Enabled() {
		googleCreds := auth.NewGoogle(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURI, st, log)
		gm := gmail.NewClient(googleCreds, log)
		registry.Register(model.ProviderGoogle, newReconciler(gm, st, hub, cfg, log))
		providers[model.ProviderGoogle] = account.Provider{OAuth: googleCreds, Profile: gm.FetchProfile}
	} else {
		log.Info("Google credentials not configured, Gmail accounts disabled")
	}

	orchestrator := mailsync.NewOrchestrator(registry, st, eventBus, log)
	if err := orchestrator.Subscribe(); err != nil {
		log.WithError(err).Fatal("failed to subscribe sync handlers")
	}
	if q, ok := eventBus.(*events.Queue); ok {
		q.Start(ctx)
	}

	if cfg.SyncInterval > 0 {
		go mailsync.NewScheduler(st, eventBus, cfg.SyncInterval, log).Run(ctx)
	}

	verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL)
	if err != nil {
		log.WithError(err).Fatal("failed to load signing keys")
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Accounts: account.NewService(providers, st, eventBus, log),
		Mail:     orchestrator,
		Hub:      hub,
		Upgrader: notify.NewUpgrader(cfg.AllowedOrigins),
		Auth:     verifier.Middleware(),
		Log:      log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	// lets in-flight syncs persist their cursors
	eventBus.Close()
	log.Info("stopped")
}

func newLogger(cfg *config.Config) *logrus.Entry {
	l := logrus.New()
	if cfg.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		l.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return logrus.NewEntry(l).WithField("service", "mailmirror")
}

func newBus(ctx context.Context, cfg *config.Config, log *logrus.Entry) (bus, error) {
	if cfg.NATSURL == "" {
		return events.NewQueue(cfg.QueueWorkers, log), nil
	}

	b, err := natsjs.Connect(cfg.NATSURL, log)
	if err != nil {
		return nil, err
	}
	if err := b.EnsureStream(ctx); err != nil {
		b.Close()
		return nil, err
	}
	log.WithField("url", cfg.NATSURL).Info("using JetStream event bus")
	return b, nil
}

func newReconciler(provider mailsync.MailProvider, st *store.Store, hub *notify.Hub, cfg *config.Config, log *logrus.Entry) *mailsync.Reconciler {
	return mailsync.NewReconciler(provider, st, hub, log, mailsync.WithMaxChunksPerFolder(cfg.MaxChunksPerFolder))
}
