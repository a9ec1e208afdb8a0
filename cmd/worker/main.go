package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/acme/campaign-call-manager/internal/app"
	"github.com/acme/campaign-call-manager/internal/telemetry"
	callbackworker "github.com/acme/campaign-call-manager/internal/worker/callback"
	dialworker "github.com/acme/campaign-call-manager/internal/worker/dial"
	"github.com/acme/campaign-call-manager/internal/worker/dlq"
	metricsworker "github.com/acme/campaign-call-manager/internal/worker/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-worker", container.Config.App.Version)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	dial := dialworker.New(container)
	callbacks := callbackworker.New(container)
	metrics := metricsworker.New(container)

	// Parked dead letters are replayed through the same handlers that process
	// live traffic, so a replay and a redelivery are indistinguishable.
	replayer := dlq.NewReplayer(container.Repositories().DeadLetters, container.Config.Scheduler.ReplayInterval, container.Logger)
	replayer.Register(container.Config.Kafka.IntentTopic, dial.Handle)
	replayer.Register(container.Config.Kafka.CallbackTopic, callbacks.Handle)
	replayer.Register(container.Config.Kafka.TransitionTopic, metrics.Handle)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dial.Run(gctx) })
	g.Go(func() error { return callbacks.Run(gctx) })
	g.Go(func() error { return metrics.Run(gctx) })
	g.Go(func() error { return replayer.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
