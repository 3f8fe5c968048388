package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"
	"github.com/wildboar/smtpgate/internal/authn"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher sends credential requests to QueueAuthn. The authority answers
// on the reply queue, where ConsumeReplies picks the answers up.
type Dispatcher struct {
	pub        *Publisher
	replyQueue string
}

var _ authn.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(pub *Publisher, replyQueue string) *Dispatcher {
	return &Dispatcher{pub: pub, replyQueue: replyQueue}
}

// HeaderMechanism names the SASL mechanism of a credential request.
const HeaderMechanism = "x-sasl-mechanism"

// Dispatch publishes req. The mechanism travels in the HeaderMechanism
// header and the request id doubles as the correlation id.
func (d *Dispatcher) Dispatch(ctx context.Context, mechanism string, req authn.Request) error {
	ctx, span := tracer.Start(ctx, "broker.Dispatch", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	return d.pub.Publish(ctx, Message{
		Key:           QueueAuthn,
		Type:          TypeAuthnRequest,
		CorrelationID: req.ID,
		ReplyTo:       d.replyQueue,
		MessageID:     req.ID,
		Headers:       amqp.Table{HeaderMechanism: mechanism},
		Body:          req,
	})
}

// Resolver takes the authority's replies; *authn.Bridge is one.
type Resolver interface {
	Resolve(reply authn.Reply) bool
}

// ConsumeReplies hands every reply delivered on msgs to r until ctx is done
// or msgs is closed. Replies that nobody waits for any more are dropped.
func ConsumeReplies(ctx context.Context, msgs <-chan amqp.Delivery, r Resolver) error {
	logger := slog.With(slog.String("component", "authn_replies"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}

			reply, err := decodeReply(d)
			if err != nil {
				logger.WarnContext(ctx, "discarding malformed credential reply",
					slog.String("correlation_id", d.CorrelationId),
					slog.Any("error", err))

				_ = d.Reject(false)

				continue
			}

			if !r.Resolve(reply) {
				logger.DebugContext(deliveryContext(ctx, d), "late credential reply",
					slog.String("request_id", reply.ID))
			}

			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack credential reply: %w", err)
			}
		}
	}
}

func decodeReply(d amqp.Delivery) (authn.Reply, error) {
	var reply authn.Reply
	if err := json.Unmarshal(d.Body, &reply); err != nil {
		return reply, err
	}

	if reply.ID == "" {
		reply.ID = d.CorrelationId
	}

	if reply.ID == "" {
		return reply, fmt.Errorf("reply has no id")
	}

	return reply, nil
}
