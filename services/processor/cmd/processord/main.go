package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"checksumd/pkg/bus"
	"checksumd/pkg/db"
	gos3 "checksumd/pkg/s3"
	"checksumd/pkg/telemetry"
	"checksumd/services/processor"
	"checksumd/services/processor/internal/config"
)

func main() {
	if err := run("checksum-processor"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	s3Client, err := gos3.NewClientFromEnv()
	if err != nil {
		return fmt.Errorf("init s3 client: %w", err)
	}

	eventBus, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer eventBus.Close()

	store, err := processor.NewResultStore(orm, pool)
	if err != nil {
		return fmt.Errorf("init result store: %w", err)
	}

	tagger, err := processor.NewTagger(s3Client, processor.TaggerConfig{
		MaxRetries:  cfg.TagMaxRetries,
		BackoffBase: cfg.TagBackoffBase,
		BackoffCap:  cfg.TagBackoffCap,
	})
	if err != nil {
		return fmt.Errorf("init tagger: %w", err)
	}

	svc, err := processor.New(orm, store, s3Client, tagger, eventBus, processor.Config{
		RecordTTL:          cfg.RecordTTL,
		PersistMaxRetries:  cfg.PersistMaxRetries,
		PersistBackoffBase: cfg.PersistBackoffBase,
		ReconcileInterval:  cfg.ReconcileInterval,
		SweepInterval:      cfg.SweepInterval,
		ReconcileBatchSize: cfg.ReconcileBatchSize,
	}, tel.Logger)
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}
	defer svc.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: tel.Middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	tel.Logger.Printf("INFO processing reports, metrics on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		tel.Logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
