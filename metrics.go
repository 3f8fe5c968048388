package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grafana/pyroscope-go/godeltaprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wildboar/smtpgate/internal/authn"
	"github.com/wildboar/smtpgate/internal/smtpd"
)

const mb = 1024 * 1024

type metrics struct {
	sessions      prometheus.Counter
	activeSession prometheus.Gauge
	commands      *prometheus.CounterVec
	replies       *prometheus.CounterVec
	envelopes     *prometheus.CounterVec
	envelopeBytes prometheus.Histogram
	authResults   *prometheus.CounterVec
	authDuration  prometheus.Histogram
	rateLimited   prometheus.Counter
	rejectedPeers prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpgate",
			Name:      "sessions_total",
			Help:      "count of SMTP sessions opened",
		}),
		activeSession: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "smtpgate",
			Name:      "active_sessions",
			Help:      "number of SMTP sessions currently open",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpgate",
			Name:      "commands_total",
			Help:      "count of SMTP commands dispatched",
		}, []string{"verb"}),
		replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpgate",
			Name:      "replies_total",
			Help:      "count of SMTP replies sent",
		}, []string{"code"}),
		envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpgate",
			Name:      "envelopes_total",
			Help:      "count of envelopes handed to the broker",
		}, []string{"direction", "outcome", "error"}),
		envelopeBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "smtpgate",
			Name:      "envelope_bytes",
			Help:      "size of envelope bodies",
			Buckets:   []float64{0.05 * mb, 0.1 * mb, 0.25 * mb, 0.5 * mb, 1 * mb, 2 * mb, 5 * mb, 10 * mb, 20 * mb},
		}),
		authResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpgate",
			Name:      "auth_results_total",
			Help:      "count of credential checks by result",
		}, []string{"mechanism", "result"}),
		authDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "smtpgate",
			Name:      "auth_duration_seconds",
			Help:      "time spent waiting for the credential authority",
			Buckets:   prometheus.DefBuckets,
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpgate",
			Name:      "rate_limited_connections_total",
			Help:      "count of connections refused by the rate limiter",
		}),
		rejectedPeers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpgate",
			Name:      "rejected_peers_total",
			Help:      "count of connections from networks outside allowed_nets",
		}),
	}
}

func (m *metrics) observeCommand(_ context.Context, verb smtpd.Verb) {
	m.commands.WithLabelValues(verb.String()).Inc()
}

func (m *metrics) observeReply(_ context.Context, code int) {
	m.replies.WithLabelValues(strconv.Itoa(code)).Inc()
}

// meteredRouter counts what a session hands to the broker.
type meteredRouter struct {
	next    smtpd.Router
	metrics *metrics
}

var _ smtpd.Router = (*meteredRouter)(nil)

func (r *meteredRouter) AcceptInbound(ctx context.Context, env smtpd.Envelope) error {
	return r.observe(env, "accepted", r.next.AcceptInbound(ctx, env))
}

func (r *meteredRouter) AcceptOutbound(ctx context.Context, env smtpd.Envelope) error {
	return r.observe(env, "accepted", r.next.AcceptOutbound(ctx, env))
}

func (r *meteredRouter) RejectInbound(ctx context.Context, env smtpd.Envelope) error {
	return r.observe(env, "rejected", r.next.RejectInbound(ctx, env))
}

func (r *meteredRouter) RejectOutbound(ctx context.Context, env smtpd.Envelope) error {
	return r.observe(env, "rejected", r.next.RejectOutbound(ctx, env))
}

func (r *meteredRouter) PublishEvent(ctx context.Context, topic string, payload any) error {
	switch topic {
	case smtpd.TopicSessionOpened:
		r.metrics.sessions.Inc()
		r.metrics.activeSession.Inc()
	case smtpd.TopicSessionClosed:
		r.metrics.activeSession.Dec()
	}

	return r.next.PublishEvent(ctx, topic, payload)
}

func (r *meteredRouter) observe(env smtpd.Envelope, outcome string, err error) error {
	r.metrics.envelopes.WithLabelValues(string(env.Direction), outcome, strconv.FormatBool(err != nil)).Inc()
	r.metrics.envelopeBytes.Observe(float64(len(env.Email.Body)))

	return err
}

// meteredChecker times the round trip to the credential authority.
type meteredChecker struct {
	next    smtpd.CredentialChecker
	metrics *metrics
}

var _ smtpd.CredentialChecker = (*meteredChecker)(nil)

func (c *meteredChecker) CheckCredentials(ctx context.Context, mechanism string, req authn.Request) (bool, error) {
	start := time.Now()
	ok, err := c.next.CheckCredentials(ctx, mechanism, req)
	c.metrics.authDuration.Observe(time.Since(start).Seconds())

	result := "rejected"
	switch {
	case errors.Is(err, authn.ErrTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	case ok:
		result = "accepted"
	}

	c.metrics.authResults.WithLabelValues(mechanism, result).Inc()

	return ok, err
}

func handleMetrics(ctx context.Context, addr string, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*instrumentationServer, error) {
	// Setup listeners first, so we can fail early if the address is in use.
	httpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen at %s: %w", addr, err)
	}

	logger := slog.With(slog.String("component", "metrics"))

	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.InstrumentMetricHandler(
		reg,
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}),
	))
	router.Handle("/debug/pprof/delta_heap", deltaProfile(godeltaprof.NewHeapProfiler()))
	router.Handle("/debug/pprof/delta_block", deltaProfile(godeltaprof.NewBlockProfiler()))
	router.Handle("/debug/pprof/delta_mutex", deltaProfile(godeltaprof.NewMutexProfiler()))

	srv := &http.Server{
		// 5s timeout for header reads to avoid Slowloris attacks
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           router,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		err := srv.Serve(httpListener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "instrumentation server terminated with error", slog.Any("error", err))
		}
	}()

	logger.InfoContext(ctx, "instrumentation server listening", slog.String("addr", httpListener.Addr().String()))

	return &instrumentationServer{srv: srv, addr: httpListener.Addr()}, nil
}

type profiler interface {
	Profile(w io.Writer) error
}

// deltaProfile serves the change in a runtime profile since the previous
// request, in pprof format.
func deltaProfile(p profiler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="profile"`)

		if err := p.Profile(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

type instrumentationServer struct {
	srv  *http.Server
	addr net.Addr
}

func (m *instrumentationServer) Stop() {
	_ = m.srv.Close()
}
