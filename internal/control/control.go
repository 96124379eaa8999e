package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/vietddude/relayd/internal/core/config"
	"github.com/vietddude/relayd/internal/infra/queue/redisq"
	redisclient "github.com/vietddude/relayd/internal/infra/redis"
	"github.com/vietddude/relayd/internal/infra/relayer"
	"github.com/vietddude/relayd/internal/infra/storage"
	"github.com/vietddude/relayd/internal/infra/storage/memory"
	"github.com/vietddude/relayd/internal/infra/storage/postgres"
	"github.com/vietddude/relayd/internal/relaying/consumer"
	"github.com/vietddude/relayd/internal/relaying/health"
	"github.com/vietddude/relayd/internal/relaying/producer"
	"github.com/vietddude/relayd/internal/relaying/router"
)

// Service is the relay application: producer, both consumers, router and the
// health server, wired over one redis connection and one database pool.
type Service struct {
	cfg          config.AppConfig
	db           *postgres.DB
	redisClient  *redisclient.Client
	repo         storage.TransactionRepository
	mainQueue    *redisq.Queue
	dlq          *redisq.Queue
	producer     *producer.Producer
	consumer     *consumer.Consumer
	dlqConsumer  *consumer.DLQConsumer
	router       *router.Router
	healthMon    *health.Monitor
	healthServer *health.Server
	log          *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new Service instance with all dependencies initialized.
func NewService(cfg config.AppConfig) (*Service, error) {

	// 1. Initialize Storage
	var repo storage.TransactionRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Run migrations
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		repo = postgres.NewTxRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		repo = memory.NewTxRepo()
		slog.Info("Using Memory storage")
	}

	// 2. Initialize Redis (queue transport + discovery registry)
	redisClient, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	mainQueue := redisq.NewQueue(redisClient, cfg.Queue)
	dlq := redisq.NewDLQ(redisClient, cfg.Queue)

	// 3. Initialize Relayer Pool Client & Router
	relayerClient := relayer.NewClient(cfg.Relayer)

	discovery := router.NewDiscovery(redisClient, cfg.Discovery)
	healthCache := router.NewHealthCache(relayerClient, 0)
	rtr := router.New(discovery, healthCache)

	// 4. Initialize Pipeline
	prod := producer.New(repo, mainQueue)
	cons := consumer.New(mainQueue, repo, rtr, relayerClient, cfg.Consumer)
	dlqCons := consumer.NewDLQ(dlq, repo, cfg.DLQ)

	// 5. Initialize Health Monitor
	var dbPinger health.Pinger
	if db != nil {
		dbPinger = db
	}
	healthMon := health.NewMonitor(dbPinger, redisClient, mainQueue, dlq, rtr)
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	return &Service{
		cfg:          cfg,
		db:           db,
		redisClient:  redisClient,
		repo:         repo,
		mainQueue:    mainQueue,
		dlq:          dlq,
		producer:     prod,
		consumer:     cons,
		dlqConsumer:  dlqCons,
		router:       rtr,
		healthMon:    healthMon,
		healthServer: healthServer,
		log:          slog.Default().With("component", "control"),
	}, nil
}

// Producer exposes the enqueue path to an embedding gateway.
func (s *Service) Producer() *producer.Producer {
	return s.producer
}

// Start launches the consumer loops and the health server. Loops are bound to
// a context cancelled by Stop; an in-flight batch finishes before its loop
// exits.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Start Health Server
	go func() {
		if err := s.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Health server failed", "error", err)
		}
	}()

	// Start Health Monitor Background Tasks
	go s.healthMon.Start(runCtx)

	// Start DB Metrics Collector
	if s.db != nil {
		s.db.StartMetricsCollector(runCtx)
	}

	s.log.Info("Starting main consumer")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.consumer.Run(runCtx); err != nil {
			s.log.Error("Main consumer failed", "error", err)
		}
	}()

	s.log.Info("Starting DLQ consumer")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dlqConsumer.Run(runCtx); err != nil {
			s.log.Error("DLQ consumer failed", "error", err)
		}
	}()

	return nil
}

// Stop stops accepting new batches, waits for in-flight ones up to the
// context's deadline, then tears down connections.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping relay service...")

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Shutdown grace period exceeded, abandoning in-flight work")
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("Failed to close database", "error", err)
		}
	}

	return s.healthServer.Stop(ctx)
}
