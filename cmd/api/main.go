package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"vouchd.org/internal/auth"
	"vouchd.org/internal/config"
	"vouchd.org/internal/httpapi"
	"vouchd.org/internal/obs"
	"vouchd.org/internal/paypal"
	"vouchd.org/internal/store"
	"vouchd.org/internal/store/file"
	"vouchd.org/internal/store/pg"
	"vouchd.org/internal/stream"
	"vouchd.org/internal/verify"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	cat, err := cfg.Catalog()
	if err != nil {
		log.Fatalf("resource catalog: %v", err)
	}

	// Хранилище: Postgres при заданном DSN, иначе файлы в data dir.
	var (
		st store.Store
		db *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open postgres store: %v", err)
		}
		st = pgStore
		db = pgStore.DB()
	} else {
		fileStore, err := file.Open(cfg.DataDir)
		if err != nil {
			log.Fatalf("open file store: %v", err)
		}
		st = fileStore
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := paypal.New(cfg.PayPal.ClientID, cfg.PayPal.ClientSecret,
		paypal.WithEndpoint(cfg.PayPal.Endpoint))
	client.StartRefresher(ctx)

	engine, err := verify.New(ctx, cat, client, st, cfg.CheckPreviouslyVerified)
	if err != nil {
		log.Fatalf("init verify engine: %v", err)
	}

	// Первичный прогрев индекса; ошибка не фатальна, следующий тик повторит.
	if err := engine.Refresh(ctx); err != nil {
		log.Printf("initial purchase scan: %v", err)
	}
	go func() {
		ticker := time.NewTicker(cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := engine.Refresh(ctx); err != nil {
					log.Printf("purchase scan: %v", err)
				}
			}
		}
	}()

	// HTTP API
	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, engine, stream.New(), auth.NewSigner(cfg.AuthSecret))
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting vouchd-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = st.Close()
	log.Println("Stopped")
}
