// Package smtpd implements the server side of an SMTP session: an
// incremental scanner over the connection's bytes, a table-driven session
// state machine, SASL authentication and the hand-off of completed
// transactions to a Router.
package smtpd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/wildboar/smtpgate/internal/smtpd")

// Settings are the immutable identity of the server as seen by clients.
type Settings struct {
	// Hostname is announced in the greeting and in HELO/EHLO replies.
	Hostname string
	// Domain decides routing: recipients in this domain are inbound.
	Domain string
	// Greeting follows the hostname on the 220 line.
	Greeting string
}

// Peer describes the remote end of a connection.
type Peer struct {
	Addr      net.Addr
	LocalAddr net.Addr
}

// Directory answers VRFY and EXPN.
type Directory interface {
	Verify(ctx context.Context, query string) ([]string, error)
	Expand(ctx context.Context, list string) ([]string, error)
}

// Server is an SMTP server.
type Server struct {
	Settings Settings

	// Router receives completed transactions and session events. Nil
	// discards them.
	Router Router

	// Directory answers VRFY and EXPN. Nil answers 252.
	Directory Directory

	// CredentialChecker enables AUTH. Nil leaves AUTH unadvertised.
	CredentialChecker CredentialChecker

	// Mechanisms available to AUTH, by upper-case name. Nil means
	// DefaultMechanisms.
	Mechanisms map[string]MechanismFactory

	// ConnectionChecker is called before the greeting. A non-nil error is
	// sent to the client and the connection closed.
	ConnectionChecker func(ctx context.Context, peer Peer) error

	// ConnContext optionally specifies a function that modifies the
	// context used for a new connection.
	ConnContext func(ctx context.Context, c net.Conn) context.Context

	// CommandObserver and ReplyObserver are called for every dispatched
	// command and every reply written.
	CommandObserver func(ctx context.Context, verb Verb)
	ReplyObserver   func(ctx context.Context, code int)

	MaxConnections int // Max concurrent connections, use -1 to disable. Default 100.
	MaxMessageSize int // Max message size in bytes. Default 10240000.
	MaxRecipients  int // Max RCPT TO calls for each envelope. Default 100.

	ReadTimeout  time.Duration // Socket timeout for read operations. Default 60s.
	WriteTimeout time.Duration // Socket timeout for write operations. Default 60s.
	DataTimeout  time.Duration // Socket timeout for DATA. Default 5m.

	// ProtocolLogger receives every line exchanged with clients, with
	// credentials redacted.
	ProtocolLogger *log.Logger

	inShutdown atomic.Bool
	mu         sync.Mutex
	listener   net.Listener
	waitgrp    sync.WaitGroup
}

func (srv *Server) configureDefaults() {
	if srv.MaxMessageSize == 0 {
		srv.MaxMessageSize = 10240000
	}

	if srv.MaxConnections == 0 {
		srv.MaxConnections = 100
	}

	if srv.MaxRecipients == 0 {
		srv.MaxRecipients = 100
	}

	if srv.ReadTimeout == 0 {
		srv.ReadTimeout = 60 * time.Second
	}

	if srv.WriteTimeout == 0 {
		srv.WriteTimeout = 60 * time.Second
	}

	if srv.DataTimeout == 0 {
		srv.DataTimeout = 5 * time.Minute
	}

	if srv.Settings.Hostname == "" {
		srv.Settings.Hostname = "localhost.localdomain"
	}

	if srv.Settings.Greeting == "" {
		srv.Settings.Greeting = "ESMTP Service ready"
	}

	if srv.Mechanisms == nil {
		srv.Mechanisms = DefaultMechanisms
	}
}

// ListenAndServe starts the SMTP server and listens on the address
// provided.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	if srv.inShutdown.Load() {
		return ErrServerClosed
	}

	if addr == "" {
		addr = ":25"
	}

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", addr, err)
	}

	return srv.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown is called or ctx is done.
// Cancelling ctx also ends the sessions it started.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	if srv.inShutdown.Load() {
		return ErrServerClosed
	}

	srv.configureDefaults()

	ln = &onceCloseListener{Listener: ln}
	defer ln.Close()

	srv.mu.Lock()
	srv.listener = ln
	srv.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var limiter chan struct{}
	if srv.MaxConnections > 0 {
		limiter = make(chan struct{}, srv.MaxConnections)
	}

	logger := slog.With(slog.String("component", "smtpd"))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if srv.inShutdown.Load() {
				return ErrServerClosed
			}

			if ctx.Err() != nil {
				return fmt.Errorf("smtp: serve: %w", ctx.Err())
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.WarnContext(ctx, "accept failed, retrying", slog.Any("error", err))
				time.Sleep(time.Second)

				continue
			}

			return err
		}

		srv.waitgrp.Add(1)

		go func() {
			defer srv.waitgrp.Done()

			srv.handleConn(ctx, conn, limiter)
		}()
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn, limiter chan struct{}) {
	if srv.ConnContext != nil {
		ctx = srv.ConnContext(ctx, conn)
	}

	sess := srv.newSession(ctx, conn)

	if limiter == nil {
		sess.serve()
		return
	}

	select {
	case limiter <- struct{}{}:
		sess.serve()
		<-limiter
	default:
		sess.reject()
	}
}

// Shutdown instructs the server to shut down, closing the listener. If wait
// is true, it blocks until all open sessions have ended.
func (srv *Server) Shutdown(wait bool) error {
	srv.inShutdown.Store(true)

	srv.mu.Lock()
	ln := srv.listener
	srv.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			return err
		}
	}

	if wait {
		return srv.Wait()
	}

	return nil
}

// Wait blocks until all sessions have ended. Shutdown must be called first.
func (srv *Server) Wait() error {
	if !srv.inShutdown.Load() {
		return errors.New("smtp: server has not been shutdown")
	}

	srv.waitgrp.Wait()

	return nil
}

// onceCloseListener wraps a net.Listener, protecting it from multiple Close
// calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() { oc.closeErr = oc.Listener.Close() }
