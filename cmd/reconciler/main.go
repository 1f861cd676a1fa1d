package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/campaign-dispatch/internal/app"
	"github.com/acme/campaign-dispatch/internal/telemetry"
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

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry,
		container.Config.App.Name+"-reconciler", container.Config.App.Version)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	kafkaCfg := container.Config.Kafka
	reader := container.Kafka.NewReader(kafkaCfg.CompletionTopic, kafkaCfg.ConsumerGroupID)
	defer reader.Close()

	container.Logger.Sugar().Infof("reconciler consuming %s as %s",
		kafkaCfg.CompletionTopic, kafkaCfg.ConsumerGroupID)

	if err := container.Reconciler().Run(ctx, reader); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("reconciler terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
