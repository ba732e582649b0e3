package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/qualboard/qualboard/internal/archive"
	"github.com/qualboard/qualboard/internal/broadcast"
	"github.com/qualboard/qualboard/internal/clients/jenkins"
	"github.com/qualboard/qualboard/internal/config"
	"github.com/qualboard/qualboard/internal/httpserver"
	"github.com/qualboard/qualboard/internal/service"
	"github.com/qualboard/qualboard/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Printf("Warning: Database unreachable: %v", err)
	}

	st := store.NewPGStore(db)

	var publisher broadcast.Publisher = broadcast.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := broadcast.NewKafkaPublisher(broadcast.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
		publisher = kp
	}
	defer publisher.Close()

	trigger := jenkins.New(jenkins.Config{
		BaseURL:     cfg.JenkinsURL,
		Job:         cfg.JenkinsJob,
		Token:       cfg.JenkinsToken,
		SoftSuccess: cfg.JenkinsSoftSuccess,
	}, logger)

	var archiver archive.Archiver
	if cfg.LogBucket != "" {
		a, err := archive.NewS3Archiver(context.Background(), cfg.LogBucket, cfg.LogPrefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		archiver = a
	}

	svc := service.New(st, publisher, trigger, archiver, logger)
	server := httpserver.New(svc, st, cfg.JWTSecret)

	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("qualboard listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
