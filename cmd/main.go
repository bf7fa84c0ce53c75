/**
 * @description
 * This is the main entry point for the clearing-service. It keeps this bank's node connected
 * to the interbank clearinghouse and applies the transfer protocol commands it receives to the
 * local ledger.
 *
 * Key features:
 * - Loads configuration from environment variables (.env for local development).
 * - Connects to PostgreSQL for the ledger procedures, movement records and account directory.
 * - Uses Redis as the step journal that makes ledger calls idempotent across restarts.
 * - Mirrors every clearinghouse event to RabbitMQ or Kafka for the back-office UI.
 * - Runs the clearinghouse session, the command lanes, the acknowledger and the HTTP API,
 *   and shuts them down gracefully.
 *
 * @dependencies
 * - pgxpool for the database, go-redis for the journal, godotenv for local config.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/clearing-service/internal/api"
	"github.com/transfa/clearing-service/internal/app"
	"github.com/transfa/clearing-service/internal/config"
	"github.com/transfa/clearing-service/internal/store"
	"github.com/transfa/clearing-service/pkg/clearingws"
	"github.com/transfa/clearing-service/pkg/kafka"
	"github.com/transfa/clearing-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}
	if cfg.ClearingToken == "" {
		log.Printf("level=warn component=main msg=\"BC_TOKEN not set; the clearinghouse will reject the handshake\"")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to parse database URL: %v\n", err)
	}
	dbConfig.MaxConns = 20
	dbConfig.MinConns = 2
	dbConfig.MaxConnLifetime = 30 * time.Minute
	dbConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts
	dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer dbpool.Close()
	log.Println("Database connection established")

	journal, closeJournal := newStepJournal(ctx, cfg)
	defer closeJournal()

	observer, closeObserver := newObserver(cfg)
	defer closeObserver()

	ledger := app.NewIdempotentLedger(store.NewPostgresLedger(dbpool), journal)
	book := app.NewMovementBook(store.NewPostgresMovementRepository(dbpool))
	acks := app.NewAcknowledger()

	participant := app.NewParticipant(ledger, book, acks, nil, app.ParticipantConfig{
		BankIBANPrefix:   cfg.BankIBANPrefix,
		LedgerTimeout:    cfg.LedgerTimeout(),
		StrictTokenCheck: cfg.StrictTokenCheck,
	})
	dispatcher := app.NewDispatcher(participant, observer, cfg.BankID, cfg.WorkerLanes, cfg.LaneBuffer)

	client, err := clearingws.NewClient(cfg.ClearingSocketURL, clearingws.Credentials{
		BankID:   cfg.BankID,
		BankName: cfg.BankName,
		Token:    cfg.ClearingToken,
	}, cfg.PingInterval())
	if err != nil {
		log.Fatalf("invalid clearinghouse settings: %v", err)
	}
	manager := app.NewConnectionManager(client, dispatcher, acks, observer, cfg.BankID,
		app.NewBackoff(cfg.ReconnectMinDelay(), cfg.ReconnectMaxDelay()), cfg.PingInterval())
	participant.BindSession(manager)

	sweeper := app.NewSweeper(book, cfg.MovementSweepSchedule, cfg.MovementCacheRetention(), cfg.StaleMovementAfter())
	if err := sweeper.Start(); err != nil {
		log.Fatalf("cannot schedule movement sweep: %v", err)
	}

	dispatcher.Start(ctx)
	go acks.Run(ctx)

	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(ctx)
	}()

	service := app.NewService(cfg.BankID, cfg.BankIBANPrefix, book, manager, acks, dispatcher, store.NewPostgresAccountDirectory(dbpool))
	router := api.NewRouter(api.NewHandler(service), cfg.InternalAPIKey, cfg.ClearingToken)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=main msg=\"starting HTTP server\" port=%s bank_id=%s", cfg.ServerPort, cfg.BankID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %s\n", err)
		}
	}()

	// Wait for termination signal for graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down clearing-service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=main msg=\"server shutdown failed\" err=%v", err)
	}

	cancel()
	<-managerDone
	dispatcher.Wait()
	<-sweeper.Stop().Done()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, pending := book.Flush(flushCtx); pending > 0 {
		log.Printf("level=error component=main msg=\"movements not persisted at shutdown\" pending=%d", pending)
	}
	flushCancel()

	if depth := acks.Depth(); depth > 0 {
		log.Printf("level=warn component=main msg=\"results left unsent; the clearinghouse will redeliver\" pending=%d", depth)
	}
	log.Println("Clearing service stopped")
}

func newStepJournal(ctx context.Context, cfg config.Config) (store.StepJournal, func()) {
	memory := func(reason string, err error) (store.StepJournal, func()) {
		log.Printf("level=warn component=main msg=\"%s; using in-memory step journal, idempotency is lost on restart\" err=%v", reason, err)
		return store.NewMemoryStepJournal(cfg.LedgerTimeout() * 3), func() {}
	}

	if cfg.RedisURL == "" {
		return memory("REDIS_URL not set", nil)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return memory("invalid REDIS_URL", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return memory("redis unreachable", err)
	}
	log.Printf("level=info component=main msg=\"redis step journal ready\" prefix=%s", cfg.RedisJournalPrefix)

	journal := store.NewRedisStepJournal(client, cfg.RedisJournalPrefix, cfg.JournalTTL(), cfg.LedgerTimeout()*3)
	return journal, func() { _ = client.Close() }
}

func newObserver(cfg config.Config) (app.ObserverPublisher, func()) {
	switch cfg.ObserverBroker {
	case "kafka":
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaObserverTopic)
		if err != nil {
			log.Printf("level=warn component=main msg=\"kafka observer unavailable; logging events instead\" err=%v", err)
			return app.LogObserver{}, func() {}
		}
		log.Printf("level=info component=main msg=\"mirroring events to kafka\" topic=%s", producer.Topic())
		return app.NewKafkaObserver(producer), func() { _ = producer.Close() }
	case "log":
		return app.LogObserver{}, func() {}
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	closeFn := func() {}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			closeFn = producer.Close
		} else {
			log.Printf("level=warn component=main msg=\"failed to connect to RabbitMQ, using fallback publisher\" err=%v", err)
		}
	}
	return app.NewRabbitObserver(publisher, cfg.ObserverExchange), closeFn
}
