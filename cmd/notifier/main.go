package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/restro-orders/internal/circuitbreaker"
	"github.com/jogardn/restro-orders/internal/config"
	"github.com/jogardn/restro-orders/internal/events"
	"github.com/jogardn/restro-orders/internal/notify"
	"github.com/sirupsen/logrus"
)

type consumer interface {
	Start(ctx context.Context) error
	Metrics() events.ConsumerMetrics
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := cfg.NewLogger()

	mailer, err := notify.NewMailer(notify.MailerConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure mailer")
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "smtp",
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
		IsFailure:   notify.IsDeliveryFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("SMTP circuit breaker changed state")
		},
	}, logger)
	sender := notify.Guarded(mailer, breaker)

	var c consumer
	switch cfg.Notifier.Backend {
	case config.NotifierRabbitMQ:
		c, err = events.NewRabbitConsumer(events.RabbitConsumerConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Queue:    cfg.RabbitMQ.Queue,
			Policy:   events.DefaultRetryPolicy(),
		}, sender, logger)
	default:
		c, err = events.NewKafkaConsumer(events.KafkaConsumerConfig{
			Brokers:  cfg.Kafka.Brokers,
			GroupID:  cfg.Kafka.GroupID,
			Topic:    cfg.Kafka.Topic,
			DLQTopic: cfg.Kafka.DLQTopic,
			Policy:   events.DefaultRetryPolicy(),
		}, sender, logger)
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to create notification consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx)
	}()
	logger.WithField("backend", cfg.Notifier.Backend).Info("Notifier started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("Shutting down notifier...")
	case err := <-done:
		if err != nil {
			logger.WithError(err).Error("Consumer stopped")
		}
	}

	cancel()
	if err := c.Close(); err != nil {
		logger.WithError(err).Error("Failed to close consumer")
	}

	metrics := c.Metrics()
	logger.WithFields(logrus.Fields{
		"processed": metrics.Processed,
		"succeeded": metrics.Succeeded,
		"retries":   metrics.Retries,
		"dlq":       metrics.DLQ,
		"breaker":   breaker.String(),
	}).Info("Notifier stopped")
}
