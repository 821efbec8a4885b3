package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gridbook/api/internal/app"
	"gridbook/api/internal/audit"
	"gridbook/api/internal/authpw"
	"gridbook/api/internal/blobstore"
	"gridbook/api/internal/config"
	"gridbook/api/internal/email"
	"gridbook/api/internal/payments"
	"gridbook/api/internal/quota"
	"gridbook/api/internal/search"
	"gridbook/api/internal/session"
	"gridbook/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()
	quotaCounter := quota.NewCounter(sessions.Client())

	objects, err := blobstore.New(ctx, blobstore.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Bucket:    cfg.Bucket,
	})
	if err != nil {
		log.Fatalf("object store connection failed: %v", err)
	}

	pgAudit := search.NewPgAudit(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgAudit)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	dayLog := blobstore.NewDayLog(objects, cfg.LogsPrefix)
	auditService := audit.New(dataStore, dayLog, searchService)

	accounts := authpw.NewService(dataStore, cfg.UsersPrefix)

	paymentService := payments.NewService(payments.Options{
		Client:          payments.NewPaystackClient(cfg.PaystackSecret, cfg.PaystackBaseURL),
		Store:           dataStore,
		Secret:          cfg.PaystackSecret,
		PlanCodeMonthly: cfg.PlanCodeMonthly,
		CallbackURL:     cfg.PaymentReturnURL,
	})

	mailer := email.NewService(email.Config{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     os.Getenv("SMTP_PORT"),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("SMTP_FROM"),
		FromName: os.Getenv("SMTP_FROM_NAME"),
	})
	if !mailer.IsConfigured() {
		log.Printf("SMTP not configured; verification tokens are returned in API responses")
	}

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Quota:    quotaCounter,
		Objects:  objects,
		Audit:    auditService,
		Accounts: accounts,
		Payments: paymentService,
		Searcher: searchService,
		Mailer:   mailer,
	})
	paymentService.OnSuccess = service.NotifyPaymentSuccess

	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.StreamHeartbeat)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the event stream holds connections open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Gridbook API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
