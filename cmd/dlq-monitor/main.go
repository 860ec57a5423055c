package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/restro-orders/internal/config"
	"github.com/jogardn/restro-orders/internal/events"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := cfg.NewLogger()

	var replayer *events.Replayer
	if cfg.Kafka.Replay {
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create replay producer")
		}
		defer producer.Close()
		replayer = events.NewReplayer(producer, logger)
	}

	monitor, err := events.NewDLQMonitor(cfg.Kafka.Brokers, cfg.Kafka.GroupID+"-dlq-monitor", cfg.Kafka.DLQTopic, replayer, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer monitor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := monitor.Start(ctx); err != nil {
			logger.WithError(err).Error("DLQ monitor stopped")
			cancel()
		}
	}()

	logger.WithFields(logrus.Fields{
		"topic":  cfg.Kafka.DLQTopic,
		"replay": cfg.Kafka.Replay,
	}).Info("DLQ monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down DLQ monitor...")
}
