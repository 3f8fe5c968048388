package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"github.com/wildboar/smtpgate/internal/authn"
	"github.com/wildboar/smtpgate/internal/broker"
	"github.com/wildboar/smtpgate/internal/smtpd"
	"golang.org/x/sync/errgroup"
)

// channelOpener opens a channel on the broker connection.
type channelOpener func() (broker.Channel, error)

// gateway couples an SMTP server to the broker: envelopes and events are
// published through one channel, credential replies consumed on another.
type gateway struct {
	server   *smtpd.Server
	bridge   *authn.Bridge
	replies  <-chan amqp.Delivery
	channels []broker.Channel
	logger   *slog.Logger
}

// newGateway declares the topology and, with credential checks enabled,
// subscribes to a reply queue of its own until ctx is done.
func newGateway(ctx context.Context, cfg *config, m *metrics, open channelOpener) (_ *gateway, err error) {
	gw := &gateway{
		logger: slog.With(slog.String("component", "gateway")),
	}

	defer func() {
		if err != nil {
			gw.close()
		}
	}()

	pubCh, err := open()
	if err != nil {
		return nil, fmt.Errorf("open publishing channel: %w", err)
	}
	gw.channels = append(gw.channels, pubCh)

	if err := broker.DeclareTopology(pubCh); err != nil {
		return nil, err
	}

	pub := broker.NewPublisher(pubCh, applicationName)

	gw.server = &smtpd.Server{
		Settings: smtpd.Settings{
			Hostname: cfg.hostName,
			Domain:   cfg.domain,
			Greeting: cfg.greeting,
		},
		Router:          &meteredRouter{next: broker.NewRouter(pub), metrics: m},
		CommandObserver: m.observeCommand,
		ReplyObserver:   m.observeReply,
		MaxConnections:  cfg.maxConnections,
		MaxMessageSize:  cfg.maxMessageSize,
		MaxRecipients:   cfg.maxRecipients,
		ReadTimeout:     cfg.readTimeout,
		WriteTimeout:    cfg.writeTimeout,
		DataTimeout:     cfg.dataTimeout,
	}

	if cfg.logLevel == "debug" {
		gw.server.ProtocolLogger = slog.NewLogLogger(gw.logger.Handler(), slog.LevelDebug)
	}

	if !cfg.authEnabled {
		return gw, nil
	}

	replyCh, err := open()
	if err != nil {
		return nil, fmt.Errorf("open reply channel: %w", err)
	}
	gw.channels = append(gw.channels, replyCh)

	replyQueue := "authn.reply." + uuid.NewString()

	gw.replies, err = broker.Subscribe(ctx, replyCh, replyQueue, applicationName, func(ch broker.Channel) error {
		return broker.DeclareReplyQueue(ch, replyQueue)
	})
	if err != nil {
		return nil, err
	}

	gw.bridge = authn.NewBridge(broker.NewDispatcher(pub, replyQueue), cfg.authTimeout)
	gw.server.CredentialChecker = &meteredChecker{next: gw.bridge, metrics: m}

	gw.logger.Info("credential checks enabled",
		slog.String("reply_queue", replyQueue),
		slog.Duration("timeout", gw.bridge.Timeout()))

	return gw, nil
}

// serve runs the SMTP server on ln and the credential reply consumer until
// ctx is done or one of them fails. Open sessions are drained before it
// returns.
func (gw *gateway) serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		gw.logger.InfoContext(ctx, "listening on address", slog.String("address", ln.Addr().String()))

		err := gw.server.Serve(ctx, ln)
		if errors.Is(err, smtpd.ErrServerClosed) || ctx.Err() != nil {
			return nil
		}

		return err
	})

	if gw.replies != nil {
		eg.Go(func() error {
			return broker.ConsumeReplies(ctx, gw.replies, gw.bridge)
		})
	}

	eg.Go(func() error {
		<-ctx.Done()

		gw.logger.Warn("shutting down, waiting for open sessions")

		return gw.server.Shutdown(true)
	})

	return eg.Wait()
}

func (gw *gateway) close() {
	for _, ch := range gw.channels {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			gw.logger.Warn("could not close broker channel", slog.Any("error", err))
		}
	}
}
