package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	jwttoken "kanver/internal/jwt_token"
	"kanver/internal/matching/eligibility"
	"kanver/internal/matching/handler"
	"kanver/internal/matching/models"
	"kanver/internal/matching/service"
	commitmentstore "kanver/internal/matching/store/commitment"
	donationstore "kanver/internal/matching/store/donation"
	donorstore "kanver/internal/matching/store/donor"
	"kanver/internal/matching/store/geo"
	hospitalstore "kanver/internal/matching/store/hospital"
	requeststore "kanver/internal/matching/store/request"
	tokenstore "kanver/internal/matching/store/token"
	"kanver/internal/matching/sweeper"
	"kanver/internal/matching/token"
	"kanver/internal/notify"
	"kanver/internal/notify/kafka"
	"kanver/internal/platform/config"
	"kanver/internal/platform/httpserver"
	"kanver/internal/platform/logger"
	"kanver/internal/platform/metrics"
	platformredis "kanver/internal/platform/redis"
	httptransport "kanver/internal/transport/http"
	"kanver/pkg/platform/circuit"
	"kanver/pkg/platform/tx"
)

const (
	jwtIssuer   = "kanver"
	jwtAudience = "kanver-api"

	shutdownTimeout = 10 * time.Second
)

// Store surfaces as the wiring needs them: the service and the sweeper each
// declare their own narrow interfaces, so main combines them once.
type commitmentStores interface {
	service.CommitmentStore
	sweeper.CommitmentStore
}

type requestStores interface {
	service.RequestStore
	sweeper.RequestStore
}

type hospitalStores interface {
	service.HospitalStore
	ListActive(ctx context.Context) ([]*models.Hospital, error)
}

// main wires configuration, storage, messaging, and the HTTP surface, then
// runs the server and the timeout sweeper until a shutdown signal.
func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: PostgreSQL when configured, in-memory otherwise. The memory
	// stores carry the same invariants and make local runs dependency-free.
	var (
		donors      service.DonorStore
		hospitals   hospitalStores
		requests    requestStores
		commitments commitmentStores
		donations   service.DonationStore
		tokens      token.Store
		runner      tx.Runner
		health      func() error
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		donors = donorstore.NewPostgres(db)
		hospitals = hospitalstore.NewPostgres(db)
		requests = requeststore.NewPostgres(db)
		commitments = commitmentstore.NewPostgres(db)
		donations = donationstore.NewPostgres(db)
		tokens = tokenstore.NewPostgres(db)
		runner = tx.NewSQLRunner(db)
		health = db.Ping
		log.Info("storage configured", "backend", "postgres")
	} else {
		donors = donorstore.NewInMemory()
		hospitals = hospitalstore.NewInMemory()
		requests = requeststore.NewInMemory()
		commitments = commitmentstore.NewInMemory()
		donations = donationstore.NewInMemory()
		tokens = tokenstore.NewInMemory()
		runner = tx.NewMemoryRunner()
		log.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// Geofencing: Redis does the distance math when available.
	var locator geo.Locator
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		locator, err = geo.NewRedisLocator(redisClient)
		if err != nil {
			return err
		}
		log.Info("geofencing configured", "backend", "redis")
	} else {
		locator = geo.NewMemoryLocator()
		log.Warn("REDIS_URL not set, using in-process geofencing")
	}
	if err := warmLocator(ctx, hospitals, locator); err != nil {
		return err
	}

	// Notifications: Kafka when brokers are configured, logging otherwise.
	var notifier notify.Notifier = notify.NewLog(log)
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := kafka.NewPublisher(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		notifier = publisher
		log.Info("notifications configured", "backend", "kafka", "topic", cfg.Kafka.Topic)
	}

	tokenSvc, err := token.NewService(tokens, []byte(cfg.TokenSecret), cfg.Matching.TokenTTL)
	if err != nil {
		return err
	}

	gateOpts := []eligibility.Option{eligibility.WithLogger(log)}
	if redisClient != nil {
		// A Redis outage degrades geofencing to local distance math instead
		// of failing commits.
		gateOpts = append(gateOpts, eligibility.WithBreaker(circuit.New("geofence")))
	}
	gate, err := eligibility.NewGate(locator, cfg.Matching.DefaultGeofenceRadiusM, gateOpts...)
	if err != nil {
		return err
	}

	svc, err := service.New(service.Deps{
		Donors:      donors,
		Hospitals:   hospitals,
		Requests:    requests,
		Commitments: commitments,
		Donations:   donations,
		Tokens:      tokenSvc,
		Gate:        gate,
		Runner:      runner,
		Notifier:    notifier,
		Metrics:     m,
		Config:      cfg.Matching,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	sweep, err := sweeper.New(commitments, donors, requests, notifier, m, cfg.Matching, log)
	if err != nil {
		return err
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Matching:  handler.New(svc, log),
		Validator: jwttoken.NewJWTService(cfg.JWTSigningKey, jwtIssuer, jwtAudience),
		Logger:    log,
		Health:    health,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting kanver", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweep.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// warmLocator seeds the geo index from the hospital store so geofence checks
// work from the first request onward.
func warmLocator(ctx context.Context, hospitals hospitalStores, locator geo.Locator) error {
	active, err := hospitals.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, h := range active {
		if err := locator.RegisterHospital(ctx, h.ID, h.Location); err != nil {
			return err
		}
	}
	return nil
}
