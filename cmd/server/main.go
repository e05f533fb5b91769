package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atm_fieldops/backend/internal/clock"
	"github.com/atm_fieldops/backend/internal/config"
	"github.com/atm_fieldops/backend/internal/db"
	"github.com/atm_fieldops/backend/internal/events"
	"github.com/atm_fieldops/backend/internal/geocode"
	httpapi "github.com/atm_fieldops/backend/internal/http"
	"github.com/atm_fieldops/backend/internal/metrics"
	"github.com/atm_fieldops/backend/internal/service"
	"github.com/atm_fieldops/backend/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := log.Level(level).With().Str("service", "atm-fieldops").Str("env", cfg.Env).Logger()

	ctx := context.Background()
	clk := clock.Real()

	var store db.TxRepository
	if cfg.DatabaseURL == "" {
		store = db.NewMemoryStore(clk)
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
	} else {
		pg, err := db.New(ctx, cfg.DatabaseURL, clk)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect db")
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate db")
		}
		store = pg
	}

	m := metrics.New()
	svc := service.NewTicketService(store, logger)
	svc.Clock = clk
	svc.Metrics = m
	svc.ArrivalThresholdMeters = cfg.ArrivalThresholdMeters
	svc.RankingBucketKm = cfg.RankingBucketKm
	svc.Country = cfg.CountryDefault

	var feed events.Feed = events.NopPublisher{}
	if cfg.RedisURL != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		pub := events.RedisPublisher{Client: rdb, Stream: cfg.EventsStream, MaxLen: cfg.EventsMaxLen}
		svc.Events = pub
		feed = pub
		logger.Info().Str("stream", cfg.EventsStream).Msg("publishing ticket events to redis")
	}

	if cfg.MinIOEndpoint != "" {
		blobs, err := storage.NewMinIO(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create minio client")
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Str("bucket", cfg.MinIOBucket).Msg("failed to prepare proof bucket")
		}
		svc.Blobs = blobs
	} else {
		logger.Warn().Msg("MINIO_ENDPOINT not set, proof uploads accept urls only")
	}

	if cfg.GeocoderURL != "" {
		svc.Geocoder = geocode.NewNominatim(cfg.GeocoderURL, cfg.GeocoderUserAgent)
	}

	router := httpapi.Router(cfg, svc, feed, m, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}
