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

	_ "github.com/lib/pq"

	"github.com/promogate/release-gate/internal/audit"
	"github.com/promogate/release-gate/internal/config"
	"github.com/promogate/release-gate/internal/httpserver"
	"github.com/promogate/release-gate/internal/policy"
	"github.com/promogate/release-gate/internal/service"
	"github.com/promogate/release-gate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[main] open database: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("[main] ping database: %v", err)
	}
	pingCancel()

	pg := store.NewPGStore(db)

	source := policy.NewSource(cfg.PolicyPath)
	if cfg.WatchPolicy {
		go func() {
			if err := policy.Watch(ctx, source); err != nil && ctx.Err() == nil {
				log.Printf("[main] policy watcher stopped: %v", err)
			}
		}()
	}

	svc := service.New(pg, policy.NewEngine(source))

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("[main] kafka producer: %v", err)
		}
		defer producer.Close()

		var archiver audit.Archiver
		if cfg.S3Bucket != "" {
			s3Archiver, err := audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				log.Fatalf("[main] s3 archiver: %v", err)
			}
			archiver = s3Archiver
		}

		streamer := audit.NewStreamer(pg, producer, archiver, audit.StreamerConfig{
			BatchSize:    cfg.StreamBatchSize,
			PollInterval: cfg.StreamPollInterval,
		})
		go func() {
			if err := streamer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[main] audit streamer stopped: %v", err)
			}
		}()
		log.Printf("[main] audit streaming to kafka topic %q enabled", cfg.KafkaTopic)
	} else {
		log.Printf("[main] audit streaming disabled (no kafka brokers configured)")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.New(cfg, svc, pg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[main] release gate listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] server: %v", err)
		}
	}()

	waitForShutdown(cancel, srv)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("[main] shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown: %v", err)
	}
}
