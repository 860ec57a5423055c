package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jogardn/restro-orders/internal/circuitbreaker"
	"github.com/jogardn/restro-orders/internal/orders"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// Dispatcher turns committed order events into notifications and sends them
// from a fixed pool of workers. Enqueueing never blocks: when the queue is
// full the notification is dropped and logged.
type Dispatcher struct {
	sender  Sender
	breaker *circuitbreaker.Breaker
	opts    Options
	logger  *logrus.Logger

	queue  chan Message
	mutex  sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sender Sender, breaker *circuitbreaker.Breaker, opts Options, logger *logrus.Logger) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		sender:  sender,
		breaker: breaker,
		opts:    opts,
		logger:  logger,
		queue:   make(chan Message, opts.QueueSize),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.WithFields(logrus.Fields{
		"workers":    d.opts.Workers,
		"queue_size": d.opts.QueueSize,
	}).Info("Notification dispatcher started")
}

func (d *Dispatcher) OnOrderEvent(ev orders.Event) {
	if ev.Type != orders.OrderCreated {
		return
	}
	if ev.Principal.Email == "" {
		d.logger.WithField("order_id", ev.Order.ID).Debug("No email for customer, skipping confirmation")
		return
	}
	d.Enqueue(OrderConfirmation(ev.Order, ev.Principal.Email, ev.Principal.Name))
}

// Enqueue reports whether msg was accepted.
func (d *Dispatcher) Enqueue(msg Message) bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if d.closed {
		d.logger.WithField("message_id", msg.ID).Warn("Dispatcher closed, dropping notification")
		return false
	}

	select {
	case d.queue <- msg:
		return true
	default:
		d.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"order_id":   msg.OrderID,
		}).Warn("Notification queue full, dropping notification")
		return false
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(id, msg)
	}
}

func (d *Dispatcher) deliver(worker int, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
	defer cancel()

	send := func(ctx context.Context) error { return d.sender.Send(ctx, msg) }
	var err error
	if d.breaker != nil {
		err = d.breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"worker":     worker,
			"message_id": msg.ID,
			"order_id":   msg.OrderID,
		}).Warn("Failed to send notification")
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx to
// expire, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mutex.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Guarded routes every Send through the breaker.
func Guarded(sender Sender, breaker *circuitbreaker.Breaker) Sender {
	return SenderFunc(func(ctx context.Context, msg Message) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			return sender.Send(ctx, msg)
		})
	})
}

// IsDeliveryFailure reports whether err says anything about the health of
// the downstream. Permanent failures are about the message, not the target.
func IsDeliveryFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent)
}
