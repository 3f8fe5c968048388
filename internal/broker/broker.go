// Package broker carries envelopes, session events and credential checks
// over AMQP. It owns the exchange and queue layout shared by the gateway and
// the credential authority.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/isayme/go-amqp-reconnect/rabbitmq"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
)

// Topology names.
const (
	// ExchangeMessages carries accepted envelopes.
	ExchangeMessages = "email.messages"
	// RoutingKeySMTP binds QueueAfterSMTP to ExchangeMessages.
	RoutingKeySMTP = "smtp"

	QueueAfterSMTP = "after.smtp"
	QueueEvent     = "event"
	QueueAuthn     = "authn"
	QueueAuthz     = "authz"
)

// Message types set on every publishing.
const (
	TypeAcceptInbound  = "accept.inbound"
	TypeAcceptOutbound = "accept.outbound"
	TypeRejectInbound  = "reject.inbound"
	TypeRejectOutbound = "reject.outbound"
	TypeAuthnRequest   = "authn.request"
	TypeAuthnReply     = "authn.reply"
)

const contentTypeJSON = "application/json"

var tracer = otel.Tracer("github.com/wildboar/smtpgate/internal/broker")

// Channel is the part of an AMQP channel the broker uses. Both
// *amqp.Channel and the reconnecting *rabbitmq.Channel satisfy it.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// URL builds an amqp:// URL. An empty vhost selects "/".
func URL(host string, port int, username, password, vhost string) string {
	if vhost == "" {
		vhost = "/"
	}

	return amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Vhost:    vhost,
	}.String()
}

// Dial opens a connection that re-dials and re-opens its channels after the
// broker goes away.
func Dial(url string) (*rabbitmq.Connection, error) {
	conn, err := rabbitmq.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	return conn, nil
}

// DeclareTopology creates the exchange and queues if they do not exist.
func DeclareTopology(ch Channel) error {
	if err := ch.ExchangeDeclare(
		ExchangeMessages,
		amqp.ExchangeDirect,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeMessages, err)
	}

	for _, q := range []struct {
		name    string
		durable bool
	}{
		{QueueAfterSMTP, true},
		{QueueEvent, false},
		{QueueAuthn, true},
		{QueueAuthz, false},
	} {
		_, err := ch.QueueDeclare(
			q.name,
			q.durable,
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	if err := ch.QueueBind(QueueAfterSMTP, RoutingKeySMTP, ExchangeMessages, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", QueueAfterSMTP, err)
	}

	return nil
}

// ReplyQueueExpiry is how long an unused reply queue outlives its gateway.
const ReplyQueueExpiry = time.Minute

// DeclareReplyQueue creates the queue credential replies for one gateway
// instance are sent to. It is durable so it outlives a broker restart; the
// broker drops it once nobody has consumed it for ReplyQueueExpiry.
func DeclareReplyQueue(ch Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		amqp.Table{"x-expires": int32(ReplyQueueExpiry / time.Millisecond)},
	)
	if err != nil {
		return fmt.Errorf("declare reply queue %s: %w", name, err)
	}

	return nil
}

// resubscribeDelay is the pause before consuming a queue again.
var resubscribeDelay = 3 * time.Second

// Subscribe consumes queue with manual acknowledgement until ctx is done,
// then closes the returned channel. declare runs before the first attempt
// and again before every later one, so a queue the broker lost while it was
// away exists again before it is consumed. Only the first declare error is
// returned; later failures are logged and retried.
func Subscribe(ctx context.Context, ch Channel, queue, consumer string, declare func(Channel) error) (<-chan amqp.Delivery, error) {
	if err := declare(ch); err != nil {
		return nil, err
	}

	logger := slog.With(slog.String("component", "subscriber"), slog.String("queue", queue))
	out := make(chan amqp.Delivery)

	go func() {
		defer close(out)

		for attempt := 0; ; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(resubscribeDelay):
				}

				if err := declare(ch); err != nil {
					logger.WarnContext(ctx, "could not declare queue", slog.Any("error", err))
					continue
				}
			}

			msgs, err := consume(ch, queue, consumer)
			if err != nil {
				logger.WarnContext(ctx, "could not consume queue", slog.Any("error", err))
				continue
			}

			if !forward(ctx, msgs, out) {
				return
			}

			logger.WarnContext(ctx, "delivery channel closed, subscribing again")
		}
	}()

	return out, nil
}

func consume(ch Channel, queue, consumer string) (<-chan amqp.Delivery, error) {
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(
		queue,
		consumer,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	return msgs, nil
}

// forward copies msgs to out until msgs is closed, reporting true, or ctx is
// done, reporting false.
func forward(ctx context.Context, msgs <-chan amqp.Delivery, out chan<- amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-msgs:
			if !ok {
				return true
			}

			select {
			case out <- d:
			case <-ctx.Done():
				return false
			}
		}
	}
}
