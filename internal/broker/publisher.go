package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"github.com/wildboar/smtpgate/internal/traceutil"
	"go.opentelemetry.io/otel"
)

// Message is one JSON publishing.
type Message struct {
	Exchange string
	Key      string
	Type     string

	// Persistent messages survive a broker restart.
	Persistent bool

	CorrelationID string
	ReplyTo       string
	MessageID     string

	Headers amqp.Table
	Body    any
}

// Publisher encodes messages as JSON and publishes them with the caller's
// trace context in the headers.
type Publisher struct {
	ch    Channel
	appID string
	pool  sync.Pool
}

// NewPublisher returns a Publisher on ch. appID is stamped on every message.
func NewPublisher(ch Channel, appID string) *Publisher {
	return &Publisher{
		ch:    ch,
		appID: appID,
		pool: sync.Pool{
			New: func() any {
				return new(bytes.Buffer)
			},
		},
	}
}

// Publish sends msg.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	b := p.pool.Get().(*bytes.Buffer)
	defer p.pool.Put(b)
	b.Reset()

	if err := json.NewEncoder(b).Encode(msg.Body); err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	otel.GetTextMapPropagator().Inject(ctx, traceutil.AMQPTableCarrier(headers))

	publishing := amqp.Publishing{
		Headers:       headers,
		ContentType:   contentTypeJSON,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageID,
		Timestamp:     time.Now(),
		Type:          msg.Type,
		AppId:         p.appID,
		// the channel may hold on to the body after Publish returns
		Body: bytes.Clone(b.Bytes()),
	}

	if msg.Persistent {
		publishing.DeliveryMode = amqp.Persistent
	}

	err := p.ch.Publish(
		msg.Exchange,
		msg.Key,
		false, // mandatory
		false, // immediate
		publishing,
	)
	if err != nil {
		return fmt.Errorf("publish %s to %q/%q: %w", msg.Type, msg.Exchange, msg.Key, err)
	}

	return nil
}

// deliveryContext returns ctx carrying the trace context found in d's
// headers.
func deliveryContext(ctx context.Context, d amqp.Delivery) context.Context {
	if d.Headers == nil {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, traceutil.AMQPTableCarrier(d.Headers))
}
