// Package authn asks an external authority whether SASL credentials are
// valid. Requests and replies travel over an asynchronous transport and are
// matched by correlation id.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTimeout bounds the wait for the authority's reply.
const DefaultTimeout = 10 * time.Second

// ErrTimeout is returned when the authority does not answer in time.
var ErrTimeout = errors.New("authn: no reply from authority")

var tracer = otel.Tracer("github.com/wildboar/smtpgate/internal/authn")

// Request is a credential check sent to the authority.
type Request struct {
	ID                     string `json:"id"`
	AuthorizationIdentity  string `json:"authorizationIdentity"`
	AuthenticationIdentity string `json:"authenticationIdentity"`
	Password               string `json:"password"`
}

// Reply is the authority's answer to the Request with the same ID.
type Reply struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

// Dispatcher delivers a Request to the authority responsible for mechanism.
// Replies come back through Bridge.Resolve.
type Dispatcher interface {
	Dispatch(ctx context.Context, mechanism string, req Request) error
}

type outcome struct {
	accepted bool
	timedOut bool
}

// Bridge correlates credential requests with the authority's replies. It is
// safe for concurrent use by any number of sessions.
type Bridge struct {
	dispatcher Dispatcher
	timeout    time.Duration

	mu      sync.Mutex
	waiters map[string]chan outcome
}

// NewBridge returns a Bridge dispatching through d. A non-positive timeout
// selects DefaultTimeout.
func NewBridge(d Dispatcher, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Bridge{
		dispatcher: d,
		timeout:    timeout,
		waiters:    make(map[string]chan outcome),
	}
}

// Timeout returns the configured reply deadline.
func (b *Bridge) Timeout() time.Duration {
	return b.timeout
}

// CheckCredentials sends req to the authority and waits for its verdict.
// The request ID is assigned here. It returns ErrTimeout if no reply arrives
// within the bridge timeout.
func (b *Bridge) CheckCredentials(ctx context.Context, mechanism string, req Request) (bool, error) {
	req.ID = uuid.New().URN()

	ctx, span := tracer.Start(ctx, "authn.CheckCredentials")
	defer span.End()

	span.SetAttributes(
		attribute.String("sasl.mechanism", mechanism),
		attribute.String("authn.request_id", req.ID),
	)

	w := make(chan outcome, 1)

	b.mu.Lock()
	b.waiters[req.ID] = w
	b.mu.Unlock()

	timer := time.AfterFunc(b.timeout, func() {
		if b.resolve(req.ID, outcome{timedOut: true}) {
			slog.WarnContext(ctx, "credential check timed out",
				slog.String("component", "authn_bridge"),
				slog.String("request_id", req.ID),
				slog.Duration("timeout", b.timeout))
		}
	})
	defer timer.Stop()

	if err := b.dispatcher.Dispatch(ctx, mechanism, req); err != nil {
		b.forget(req.ID)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return false, fmt.Errorf("dispatch credential request: %w", err)
	}

	select {
	case o := <-w:
		if o.timedOut {
			span.SetStatus(codes.Error, ErrTimeout.Error())
			return false, ErrTimeout
		}

		span.SetAttributes(attribute.Bool("authn.accepted", o.accepted))

		return o.accepted, nil
	case <-ctx.Done():
		b.forget(req.ID)
		return false, ctx.Err()
	}
}

// Resolve hands the authority's reply to the waiting request. It reports
// false if nothing is waiting for reply.ID, either because it was never sent
// by this bridge or because it was already resolved or timed out.
func (b *Bridge) Resolve(reply Reply) bool {
	return b.resolve(reply.ID, outcome{accepted: reply.Accepted})
}

// Pending returns the number of requests awaiting a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.waiters)
}

// resolve is the only way a waiter gets completed. Whoever removes the
// waiter from the table sends on it; every later caller finds nothing.
func (b *Bridge) resolve(id string, o outcome) bool {
	b.mu.Lock()
	w, ok := b.waiters[id]
	delete(b.waiters, id)
	b.mu.Unlock()

	if !ok {
		return false
	}

	w <- o

	return true
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}
