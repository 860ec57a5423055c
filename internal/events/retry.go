package events

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jogardn/restro-orders/internal/notify"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

// errDecode marks payloads that can never be processed.
var errDecode = errors.New("undecodable notification")

type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   MaxRetries,
		InitialDelay: InitialRetryDelay,
		MaxDelay:     MaxRetryDelay,
	}
}

// Delay returns the backoff before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// IsRetryable reports whether another delivery attempt could succeed.
func IsRetryable(err error) bool {
	return !errors.Is(err, notify.ErrPermanent) && !errors.Is(err, errDecode)
}

type ConsumerMetrics struct {
	Processed int64 `json:"processed"`
	Retries   int64 `json:"retries"`
	DLQ       int64 `json:"dlq"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

type counters struct {
	processed atomic.Int64
	retries   atomic.Int64
	dlq       atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

func (c *counters) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		Processed: c.processed.Load(),
		Retries:   c.retries.Load(),
		DLQ:       c.dlq.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
	}
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverWithRetry sends msg, backing off between retryable failures. It
// returns the last error, or ctx.Err() if the context ends while waiting.
func deliverWithRetry(ctx context.Context, sender notify.Sender, msg notify.Message, policy RetryPolicy, sleep sleepFunc, metrics *counters, logger *logrus.Logger) error {
	var err error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt)
			logger.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"attempt":    attempt,
				"delay":      delay,
			}).Info("Retrying notification delivery")
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
			metrics.retries.Add(1)
		}

		err = sender.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			logger.WithError(err).WithField("message_id", msg.ID).Error("Non-retryable delivery error")
			return err
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"attempt":    attempt + 1,
		}).Warn("Retryable error delivering notification")
	}
	return err
}
