// Package rabbitmq publishes event envelopes to RabbitMQ with publisher
// confirms, so a nil return really means the broker accepted the message.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrExchangeRequired       = errors.New("exchange name is required")
	ErrPublisherRequired      = errors.New("event publisher is required")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
)

const (
	// DefaultConfirmTimeout bounds the wait for broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer must cover the max unconfirmed messages so the
	// broker never blocks on the notify channel.
	confirmChannelBuffer = 256
)

// ConfirmableChannel is the AMQP channel surface the publisher needs. A
// *amqp.Channel satisfies it; tests substitute a fake.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// EventPublisherOption configures an EventPublisher.
type EventPublisherOption func(*EventPublisher)

// WithLogger sets the publisher logger.
func WithLogger(logger log.Logger) EventPublisherOption {
	return func(publisher *EventPublisher) {
		if nilcheck.Interface(logger) {
			return
		}

		publisher.logger = logger
	}
}

// WithConfirmTimeout bounds the wait for broker confirmation.
func WithConfirmTimeout(timeout time.Duration) EventPublisherOption {
	return func(publisher *EventPublisher) {
		if timeout > 0 {
			publisher.confirmTimeout = timeout
		}
	}
}

// EventPublisher publishes envelopes to one exchange over a confirm-mode
// channel. Publishes are serialized per instance to keep the confirm stream
// aligned with the publish order without delivery-tag bookkeeping; shard
// across instances for more throughput.
type EventPublisher struct {
	exchange       string
	logger         log.Logger
	confirmTimeout time.Duration

	mu        sync.RWMutex
	publishMu sync.Mutex
	ch        ConfirmableChannel
	confirms  chan amqp.Confirmation
	closedCh  chan struct{}
	closeOnce sync.Once
	closed    bool
}

// NewEventPublisher enables confirm mode on the channel and builds a
// publisher bound to the given exchange.
func NewEventPublisher(ch ConfirmableChannel, exchange string, opts ...EventPublisherOption) (*EventPublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if strings.TrimSpace(exchange) == "" {
		return nil, ErrExchangeRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	publisher := &EventPublisher{
		exchange:       exchange,
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		ch:             ch,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.startCloseMonitor(closeNotify)

	return publisher, nil
}

// startCloseMonitor watches for broker-side channel closure and flips the
// publisher into its closed state so in-flight confirm waits unblock.
func (publisher *EventPublisher) startCloseMonitor(closeNotify chan *amqp.Error) {
	go func() {
		amqpErr, ok := <-closeNotify
		if !ok {
			return
		}

		if amqpErr != nil {
			publisher.logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed",
				log.String("reason", amqpErr.Reason))
		}

		publisher.mu.Lock()
		publisher.closed = true
		publisher.mu.Unlock()

		publisher.closeOnce.Do(func() { close(publisher.closedCh) })
	}()
}

// Publish sends one envelope and waits for the broker to confirm it. The
// envelope's routing key addresses the message within the bound exchange;
// event name and version travel as headers for consumer-side routing.
func (publisher *EventPublisher) Publish(ctx context.Context, envelope events.Envelope) error {
	if publisher == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	publisher.publishMu.Lock()
	defer publisher.publishMu.Unlock()

	publisher.mu.RLock()

	if publisher.closed {
		publisher.mu.RUnlock()

		return ErrPublisherClosed
	}

	channel := publisher.ch
	confirms := publisher.confirms
	closedCh := publisher.closedCh
	confirmTimeout := publisher.confirmTimeout
	publisher.mu.RUnlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.ID.String(),
		Timestamp:    time.Now().UTC(),
		Type:         envelope.EventName,
		Body:         envelope.Payload,
		Headers: amqp.Table{
			"event_name":    envelope.EventName,
			"event_version": int32(envelope.Version),
		},
	}

	if err := channel.PublishWithContext(ctx, publisher.exchange, envelope.RoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close permanently closes the publisher and its channel.
func (publisher *EventPublisher) Close() error {
	if publisher == nil {
		return nil
	}

	publisher.publishMu.Lock()
	defer publisher.publishMu.Unlock()

	publisher.mu.Lock()

	if publisher.closed {
		publisher.mu.Unlock()

		return nil
	}

	publisher.closed = true
	channel := publisher.ch
	publisher.mu.Unlock()

	publisher.closeOnce.Do(func() { close(publisher.closedCh) })

	if !nilcheck.Interface(channel) {
		if err := channel.Close(); err != nil {
			return fmt.Errorf("closing publisher channel: %w", err)
		}
	}

	return nil
}
