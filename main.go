package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mailloft/syncd/internal/auth"
	"github.com/mailloft/syncd/internal/config"
	"github.com/mailloft/syncd/internal/events"
	"github.com/mailloft/syncd/internal/httpapi"
	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
	"github.com/mailloft/syncd/internal/provider/gmail"
	"github.com/mailloft/syncd/internal/provider/imap"
	"github.com/mailloft/syncd/internal/provider/outlook"
	"github.com/mailloft/syncd/internal/store"
	"github.com/mailloft/syncd/internal/syncer"
	"github.com/mailloft/syncd/internal/watchdog"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "main")

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.WithError(err).Fatal("creating data directory")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("opening store")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Outbox events flow to JetStream when a broker is configured;
	// without one the outbox simply accumulates until drained elsewhere.
	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.WithError(err).Fatal("connecting to nats")
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			log.WithError(err).Fatal("ensuring event stream")
		}

		dispatcher := events.NewDispatcher(db, publisher)
		go dispatcher.Run(ctx)
	}

	tokens := auth.NewTokenClient(cfg.AuthServiceURL)

	registry := provider.Registry{
		mail.ProviderGmail: func(ctx context.Context, account *mail.Account) (provider.Adapter, error) {
			return gmail.New(tokens, cfg.Providers.GmailPushTopic), nil
		},
		mail.ProviderOutlook: func(ctx context.Context, account *mail.Account) (provider.Adapter, error) {
			return outlook.New(tokens, cfg.Providers.OutlookNotificationURL), nil
		},
		mail.ProviderIMAP: func(ctx context.Context, account *mail.Account) (provider.Adapter, error) {
			return imap.New(cfg.Providers.IMAPHost, strconv.Itoa(cfg.Providers.IMAPPort), account.Address, tokens), nil
		},
	}

	orch := syncer.New(db, registry.For, cfg.Sync)
	dog := watchdog.New(db, orch, cfg.Sync)
	go dog.Run(ctx)

	go runTicker(ctx, cfg.Sync.ForwardInterval, func() {
		if err := orch.RunDueForwardPolls(ctx); err != nil {
			log.WithError(err).Warn("forward poll sweep failed")
		}
	})
	go runTicker(ctx, cfg.Sync.BackfillInterval, func() {
		if err := orch.RunDueBackfills(ctx); err != nil {
			log.WithError(err).Warn("backfill sweep failed")
		}
	})

	var verifier *auth.Verifier
	if cfg.JWKSURL != "" {
		verifier, err = auth.NewVerifier(cfg.JWKSURL)
		if err != nil {
			log.WithError(err).Fatal("initializing operator auth")
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := httpapi.NewServer(db, orch, dog, verifier, cfg.TaskToken)
	api.Routes(router)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", cfg.ListenAddr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server")
	}
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
