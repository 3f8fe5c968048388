package broker

import (
	"context"
	"strings"

	"github.com/wildboar/smtpgate/internal/smtpd"
	"github.com/wildboar/smtpgate/internal/traceutil"
	"go.opentelemetry.io/otel/trace"
)

// Router publishes completed transactions. Accepted envelopes go to
// ExchangeMessages for QueueAfterSMTP, rejected envelopes and session events
// to QueueEvent.
type Router struct {
	pub *Publisher
}

var _ smtpd.Router = (*Router)(nil)

func NewRouter(pub *Publisher) *Router {
	return &Router{pub: pub}
}

func (r *Router) AcceptInbound(ctx context.Context, env smtpd.Envelope) error {
	return r.route(ctx, TypeAcceptInbound, ExchangeMessages, RoutingKeySMTP, env)
}

func (r *Router) AcceptOutbound(ctx context.Context, env smtpd.Envelope) error {
	return r.route(ctx, TypeAcceptOutbound, ExchangeMessages, RoutingKeySMTP, env)
}

func (r *Router) RejectInbound(ctx context.Context, env smtpd.Envelope) error {
	return r.route(ctx, TypeRejectInbound, "", QueueEvent, env)
}

func (r *Router) RejectOutbound(ctx context.Context, env smtpd.Envelope) error {
	return r.route(ctx, TypeRejectOutbound, "", QueueEvent, env)
}

// PublishEvent sends payload to QueueEvent with topic as the message type.
func (r *Router) PublishEvent(ctx context.Context, topic string, payload any) error {
	return r.pub.Publish(ctx, Message{
		Key:  QueueEvent,
		Type: topic,
		Body: payload,
	})
}

func (r *Router) route(ctx context.Context, typ, exchange, key string, env smtpd.Envelope) error {
	ctx, span := tracer.Start(ctx, "broker.route", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		traceutil.Direction(string(env.Direction)),
		traceutil.SessionID(env.Session.ID),
	)

	return r.pub.Publish(ctx, Message{
		Exchange:   exchange,
		Key:        key,
		Type:       typ,
		Persistent: strings.HasPrefix(typ, "accept."),
		MessageID:  env.Email.ID,
		Body:       env,
	})
}
