package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"
	"github.com/wildboar/smtpgate/internal/authn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnswerFunc decides a credential request.
type AnswerFunc func(ctx context.Context, mechanism string, req authn.Request) authn.Reply

// Responder is the authority side of the credential exchange: it answers
// requests from QueueAuthn on the queue each request names in ReplyTo.
type Responder struct {
	pub    *Publisher
	answer AnswerFunc
	logger *slog.Logger
}

func NewResponder(pub *Publisher, answer AnswerFunc) *Responder {
	return &Responder{
		pub:    pub,
		answer: answer,
		logger: slog.With(slog.String("component", "authn_responder")),
	}
}

// Serve answers requests from msgs until ctx is done or msgs is closed.
func (r *Responder) Serve(ctx context.Context, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}

			if err := r.handle(ctx, d); err != nil {
				return err
			}
		}
	}
}

func (r *Responder) handle(ctx context.Context, d amqp.Delivery) error {
	ctx, span := tracer.Start(deliveryContext(ctx, d), "broker.Respond", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var req authn.Request
	if err := json.Unmarshal(d.Body, &req); err != nil || d.ReplyTo == "" {
		r.logger.WarnContext(ctx, "discarding malformed credential request",
			slog.String("correlation_id", d.CorrelationId),
			slog.String("reply_to", d.ReplyTo),
			slog.Any("error", err))

		_ = d.Reject(false)

		return nil
	}

	if req.ID == "" {
		req.ID = d.CorrelationId
	}

	mechanism, _ := d.Headers[HeaderMechanism].(string)

	reply := r.answer(ctx, mechanism, req)
	reply.ID = req.ID

	span.SetAttributes(
		attribute.String("sasl.mechanism", mechanism),
		attribute.Bool("authn.accepted", reply.Accepted),
	)

	r.logger.InfoContext(ctx, "answered credential request",
		slog.String("request_id", req.ID),
		slog.String("user", req.AuthenticationIdentity),
		slog.Bool("accepted", reply.Accepted))

	err := r.pub.Publish(ctx, Message{
		Key:           d.ReplyTo,
		Type:          TypeAuthnReply,
		CorrelationID: req.ID,
		Body:          reply,
	})
	if err != nil {
		_ = d.Nack(false, true)
		return fmt.Errorf("reply to %s: %w", req.ID, err)
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("ack credential request: %w", err)
	}

	return nil
}
