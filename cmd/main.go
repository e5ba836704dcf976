package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"submission-ledger/internal/attachment"
	"submission-ledger/internal/config"
	"submission-ledger/internal/consistency"
	"submission-ledger/internal/datekey"
	"submission-ledger/internal/handlers"
	"submission-ledger/internal/ledger"
	"submission-ledger/internal/participant"
	"submission-ledger/internal/reminder"
	"submission-ledger/internal/storage"
	"submission-ledger/internal/tracker"
)

func main() {
	dotenv := flag.String("env", ".env", "optional dotenv file read before the environment")
	storageType := flag.String("storage", "", "storage backend override: memory, file, sqlite, postgres, mysql or mongo")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	cfg, err := config.Load(*dotenv)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if *storageType != "" {
		cfg.Storage = *storageType
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	log, err := cfg.Logger()
	if err != nil {
		logrus.Fatalf("Invalid logging configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("backend", cfg.Storage).Info("Opening storage")
	store, err := storage.Open(storage.Options{
		Backend:       cfg.Storage,
		FilePath:      cfg.FilePath,
		SQLitePath:    cfg.SQLitePath,
		DatabaseURL:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		log.Fatalf("Failed to initialize %s storage: %v", cfg.Storage, err)
	}
	defer store.Close()

	registry, err := participant.Open(ctx, store, log)
	if err != nil {
		log.Fatalf("Failed to load participants: %v", err)
	}
	led := ledger.New(store, log)
	clock := datekey.SystemClock{Location: cfg.Location}
	counter := reminder.NewDailyCounter(reminder.BoundaryDay(clock.Now(), cfg.ReminderHour, cfg.ReminderMinute, cfg.Location))

	sink, err := newSink(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize %s notifier: %v", cfg.Notifier, err)
	}

	files, err := attachment.NewDiskStore(cfg.AttachmentDir, cfg.AttachmentBaseURL, cfg.AttachmentHosts, log)
	if err != nil {
		log.Fatalf("Failed to prepare attachment storage: %v", err)
	}

	svc := tracker.New(tracker.Config{
		Clock:               clock,
		Location:            cfg.Location,
		BoundaryHour:        cfg.ReminderHour,
		BoundaryMinute:      cfg.ReminderMinute,
		Registry:            registry,
		Ledger:              led,
		Counter:             counter,
		Aggregator:          consistency.NewAggregator(store, led, log),
		Attachments:         files,
		Prompter:            sink,
		RegistrationTimeout: cfg.RegistrationTimeout,
		Log:                 log,
	})
	if err := svc.RebuildCounter(ctx); err != nil {
		log.Fatalf("Failed to rebuild daily counter: %v", err)
	}

	sched := reminder.New(reminder.Config{
		Hour:     cfg.ReminderHour,
		Minute:   cfg.ReminderMinute,
		Location: cfg.Location,
		Clock:    clock,
		Counter:  counter,
		Roster:   registry,
		Sink:     sink,
		Log:      log,
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start reminder scheduler: %v", err)
	}

	h := &handlers.Handler{
		Service:       svc,
		AdminToken:    cfg.AdminToken,
		AttachmentDir: cfg.AttachmentDir,
		Log:           log,
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: h.Router(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Server shutdown")
		}
	}()

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		log.Println("Starting submission ledger with HTTPS on", cfg.Addr)
		err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	} else {
		log.Println("Starting submission ledger with HTTP on", cfg.Addr)
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Could not start server: %s", err)
	}
	log.Info("Stopped")
}

func newSink(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (reminder.Sink, error) {
	switch cfg.Notifier {
	case "webhook":
		log.Info("Using webhook notifier")
		return reminder.NewWebhookSink(cfg.WebhookURL), nil
	case "ses":
		log.WithField("region", cfg.SESRegion).Info("Using SES notifier")
		return reminder.NewSESSink(ctx, cfg.SESRegion, cfg.SESFrom, cfg.NotifyEmailDomain, log)
	default:
		log.Info("Using log notifier")
		return reminder.LogSink{Log: log}, nil
	}
}
