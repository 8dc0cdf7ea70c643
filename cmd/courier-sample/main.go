// Command courier-sample places orders through a postgres outbox, relays
// them to Kafka and consumes them with an idempotent handler.
//
// Settings are read from the environment and an optional .env file, in
// environment style with the COURIER prefix:
//
//	COURIER_DATABASE_URL=postgres://localhost/shop?sslmode=disable
//	COURIER_BOOTSTRAP_SERVERS=localhost:9092
//	COURIER_GROUP_ID=billing
//	COURIER_HEALTH_ADDR=:8086
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	_ "github.com/lib/pq"
	"github.com/rbaliyan/courier"
	"github.com/rbaliyan/courier/broker/kafka"
	"github.com/rbaliyan/courier/config"
	"github.com/rbaliyan/courier/consumer"
	"github.com/rbaliyan/courier/host"
	"github.com/rbaliyan/courier/idempotency"
	"github.com/rbaliyan/courier/outbox"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const envPrefix = "COURIER"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("courier-sample stopped", "error", err)
		os.Exit(1)
	}
}

func source() config.Source {
	src := config.Env()
	if _, err := os.Stat(".env"); err == nil {
		if dot, err := config.DotEnv(".env"); err == nil {
			src = config.Chain(src, dot)
		}
	}
	return src
}

func setting(src config.Source, key, fallback string) string {
	if v, ok := src.Lookup(config.EnvironmentStyle(envPrefix).Key(key)); ok && v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, logger *slog.Logger) error {
	src := source()

	dsn := setting(src, "database.url", "postgres://localhost/shop?sslmode=disable")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	producerCfg, err := config.NewProducerBuilder().
		WithSource(src).
		WithEnvironmentStyle(envPrefix).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}
	consumerCfg, err := config.NewConsumerBuilder().
		WithSource(src).
		WithEnvironmentStyle(envPrefix).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}

	client, err := kafka.NewClient(producerCfg)
	if err != nil {
		return fmt.Errorf("connect kafka: %w", err)
	}
	defer client.Close()

	// outbox side
	messages := courier.NewRegistry()
	if err := registerMessages(messages); err != nil {
		return err
	}
	publisher, err := kafka.NewPublisher(client, kafka.WithLogger(logger))
	if err != nil {
		return err
	}
	defer publisher.Close()

	producer, err := courier.NewProducer(publisher, messages, courier.WithLogger(logger))
	if err != nil {
		return err
	}

	repo := outbox.NewSQLRepository(db, outbox.Postgres)
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("outbox schema: %w", err)
	}
	listener := outbox.NewPostgresListener(dsn, db, outbox.NewNotification(5*time.Second)).
		WithLogger(logger)
	store := &orderStore{
		db:       db,
		queue:    outbox.NewQueue(repo, producer.Factory(), listener),
		listener: listener,
	}
	if err := store.ensureSchema(ctx); err != nil {
		return fmt.Errorf("orders schema: %w", err)
	}
	dispatcher := outbox.NewDispatcher(repo, producer, listener).
		WithCleanup(repo, 24*time.Hour).
		WithLogger(logger)

	// consumer side
	consumerClient, err := newConsumerClient(consumerCfg)
	if err != nil {
		return err
	}
	defer consumerClient.Close()

	sub, err := kafka.NewSubscriber(consumerClient, consumerCfg.GroupID(), []string{ordersTopic},
		kafka.WithLogger(logger))
	if err != nil {
		return err
	}

	dedup := idempotency.NewSQLStore(db, outbox.Postgres)
	defer dedup.Close()
	if err := dedup.CreateTable(ctx); err != nil {
		return fmt.Errorf("idempotency schema: %w", err)
	}

	container := consumer.NewContainer().WithLogger(logger)
	defer container.Close()
	handlers := consumer.NewRegistry()
	if err := registerHandlers(container, handlers, logger); err != nil {
		return err
	}

	billing, err := consumer.New(sub, handlers, container,
		consumer.WithGroup(consumerCfg.GroupID()),
		consumer.WithAutoCommit(consumerCfg.EnableAutoCommit()),
		consumer.WithIdempotency(dedup),
		consumer.WithTransaction(db),
		consumer.WithResultHook(func(r *consumer.ConsumeResult) {
			if !r.Committed() {
				if err := r.Commit(context.WithoutCancel(ctx)); err != nil {
					logger.Error("commit failed", "error", err)
				}
			}
		}),
		consumer.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer billing.Close()

	// health
	hs := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	lis, err := net.Listen("tcp", setting(src, "health.addr", ":8086"))
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}

	h := host.New(
		host.WithFailurePolicy(host.FailFast),
		host.WithHealthServer(hs),
		host.WithLogger(logger),
	)
	err = h.Add(
		host.Func("outbox-listener", listener.Listen),
		host.Func("outbox-dispatcher", dispatcher.Run),
		host.Func("billing-consumer", billing.ConsumeAll),
		host.Func("order-simulator", store.placeOrders(2*time.Second, logger)),
		host.Func("health-server", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				grpcServer.GracefulStop()
			}()
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}

	logger.Info("courier-sample running", "group", consumerCfg.GroupID(), "brokers", consumerCfg.BootstrapServers())
	return h.Run(ctx)
}

// newConsumerClient uses a separate sarama client so consumer group
// rebalances do not stall the producer.
func newConsumerClient(cfg *config.Configuration) (sarama.Client, error) {
	client, err := kafka.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka consumer: %w", err)
	}
	return client, nil
}
