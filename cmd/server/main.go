package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pinvault/internal/api"
	"pinvault/internal/billing"
	"pinvault/internal/blob"
	"pinvault/internal/config"
	"pinvault/internal/identity"
	"pinvault/internal/ledger"
	"pinvault/internal/logging"
	"pinvault/internal/payments"
	"pinvault/internal/store"
	"pinvault/internal/trash"
	"pinvault/internal/uploads"
	"pinvault/internal/usage"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "pinvault.db", "SQLite database path")
	storagePath := flag.String("storage", "./blobs", "Content storage directory (ignored when S3 is configured)")
	configPath := flag.String("config", "", "Optional YAML config file")
	devMode := flag.Bool("dev", false, "Development mode: disables CORS restrictions and rate limiting")
	corsOrigins := flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Internal.Fatalf("failed to load config: %v", err)
	}
	if cfg.JWTSecret == "" {
		logging.Internal.Fatalf("JWT_SECRET is required")
	}

	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	// Content store: S3-compatible if a bucket is configured, otherwise local
	// filesystem.
	var blobs blob.Store
	if cfg.S3.Bucket != "" {
		s3Store, err := blob.NewS3Store(blob.S3Config{
			Endpoint: cfg.S3.Endpoint,
			KeyID:    cfg.S3.KeyID,
			AppKey:   cfg.S3.AppKey,
			Bucket:   cfg.S3.Bucket,
			Prefix:   cfg.S3.Prefix,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize s3 store: %v", err)
		}
		blobs = s3Store
		logging.Internal.Printf("using s3 content store (bucket: %s)", cfg.S3.Bucket)
	} else {
		fsStore, err := blob.NewFSStore(*storagePath)
		if err != nil {
			logging.Internal.Fatalf("failed to initialize storage: %v", err)
		}
		blobs = fsStore
		logging.Internal.Printf("using local filesystem content store (%s)", *storagePath)
	}

	// Payment provider: real HTTP client if configured, otherwise mock.
	var provider payments.Client
	if cfg.Provider.Token != "" && cfg.Provider.WebhookSecret != "" {
		client, err := payments.NewHTTPClient(payments.HTTPConfig{
			BaseURL:       cfg.Provider.BaseURL,
			Token:         cfg.Provider.Token,
			WebhookSecret: cfg.Provider.WebhookSecret,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize payment provider: %v", err)
		}
		provider = client
		logging.Internal.Printf("connected to payment provider at %s", cfg.Provider.BaseURL)
	} else if cfg.Provider.Token != "" {
		logging.Internal.Fatalf("PROVIDER_TOKEN is set but PROVIDER_WEBHOOK_SECRET is missing")
	} else {
		provider = payments.NewMockClient()
		logging.Internal.Println("using mock payment provider (set PROVIDER_TOKEN and PROVIDER_WEBHOOK_SECRET for real payments)")
	}
	defer provider.Close()

	// Wire up services.
	ld := ledger.New(st, blobs)
	meter := usage.NewMeter(st, cfg.Billing)
	billingSvc := billing.NewService(st, meter, provider, cfg.Billing)
	uploadSvc := uploads.NewService(st, blobs, ld)
	trashMgr := trash.NewManager(st, ld, cfg.Retention())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reconcile orders that were pending when the previous run stopped.
	if err := billingSvc.RecoverPending(ctx); err != nil {
		logging.Internal.Printf("warning: failed to recover pending orders: %v", err)
	}

	// Background trash sweep.
	sweepInterval, _ := cfg.SweepInterval()
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := trashMgr.Sweep(ctx); err != nil {
					logging.Sweep.Printf("sweep error: %v", err)
				}
			}
		}
	}()

	handler := api.NewHandler(st, blobs, ld, billingSvc, uploadSvc, trashMgr)
	verifier := identity.NewVerifier([]byte(cfg.JWTSecret))

	mux := http.NewServeMux()
	mux.Handle("/api/", handler)

	var corsConfig api.CORSConfig
	if *devMode {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else if *corsOrigins != "" {
		origins := strings.Split(*corsOrigins, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		corsConfig.AllowedOrigins = origins
		logging.Internal.Printf("CORS restricted to origins: %v", origins)
	}

	// Middleware order: Logger -> RateLimit -> CORS -> Auth -> handler.
	var finalHandler http.Handler = mux
	finalHandler = api.Auth(verifier)(finalHandler)
	finalHandler = api.CORS(corsConfig)(finalHandler)
	if !*devMode {
		finalHandler = api.RateLimit(api.DefaultRateLimitConfig())(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:    *addr,
		Handler: finalHandler,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
