// Command authority answers the gateway's credential checks from a bcrypt
// password file. With -hash it prints the hash of a password instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/common/version"
	"github.com/vharitonsky/iniflags"
	"github.com/wildboar/smtpgate/internal/authn"
	"github.com/wildboar/smtpgate/internal/broker"
	"github.com/wildboar/smtpgate/internal/traceutil"
	"golang.org/x/sync/errgroup"
)

const applicationName = "smtpgate-authority"

type config struct {
	passwordFile string
	queueHost    string
	queuePort    int
	queueUser    string
	queuePass    string
	queueVhost   string
	hash         string
	logLevel     string
	versionInfo  bool
}

func registerFlags(f *flag.FlagSet, cfg *config) {
	f.StringVar(&cfg.passwordFile, "password_file", "", "File of 'username bcrypt-hash [identity,...]' lines")
	f.StringVar(&cfg.queueHost, "queue_host", "localhost", "Message broker host")
	f.IntVar(&cfg.queuePort, "queue_port", 5672, "Message broker port")
	f.StringVar(&cfg.queueUser, "queue_user", "guest", "Message broker username")
	f.StringVar(&cfg.queuePass, "queue_pass", "guest", "Message broker password")
	f.StringVar(&cfg.queueVhost, "queue_vhost", "/", "Message broker virtual host")
	f.StringVar(&cfg.hash, "hash", "", "Print the bcrypt hash of this password and exit")
	f.StringVar(&cfg.logLevel, "log_level", "info", "Minimum log level to output")
	f.BoolVar(&cfg.versionInfo, "version", false, "Show version information")
}

func main() {
	cfg := &config{}
	registerFlags(flag.CommandLine, cfg)
	iniflags.Parse()

	switch {
	case cfg.versionInfo:
		fmt.Printf("%s %s\n", applicationName, version.Info())
		return
	case cfg.hash != "":
		hash, err := authn.Hash(cfg.hash)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating hash: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(hash)

		return
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("error running authority", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config) error {
	passwords, err := authn.LoadPasswords(cfg.passwordFile)
	if err != nil {
		return err
	}

	slog.Info("password file loaded",
		slog.String("file", cfg.passwordFile),
		slog.Int("accounts", passwords.Len()))

	closeTracing, err := traceutil.Init(ctx, traceutil.Config{
		ServiceName: applicationName,
		Role:        "authority",
	})
	if err != nil {
		return fmt.Errorf("could not initialize tracing: %w", err)
	}
	defer func() { _ = closeTracing(context.WithoutCancel(ctx)) }()

	conn, err := broker.Dial(broker.URL(cfg.queueHost, cfg.queuePort, cfg.queueUser, cfg.queuePass, cfg.queueVhost))
	if err != nil {
		return err
	}
	defer conn.Close()

	// requests and replies use separate channels so a slow publish never
	// holds up deliveries
	consumeCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer consumeCh.Close()

	publishCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer publishCh.Close()

	requests, err := broker.Subscribe(ctx, consumeCh, broker.QueueAuthn, applicationName, broker.DeclareTopology)
	if err != nil {
		return err
	}

	var current atomic.Pointer[authn.Passwords]
	current.Store(passwords)

	responder := broker.NewResponder(broker.NewPublisher(publishCh, applicationName),
		func(_ context.Context, _ string, req authn.Request) authn.Reply {
			return current.Load().Answer(req)
		})

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return responder.Serve(ctx, requests)
	})
	eg.Go(func() error {
		reloadOnHangup(ctx, cfg.passwordFile, &current)
		return nil
	})

	slog.Info("answering credential requests", slog.String("queue", broker.QueueAuthn))

	return eg.Wait()
}

// reloadOnHangup re-reads the password file on SIGHUP. A file that fails to
// load leaves the previous accounts in place.
func reloadOnHangup(ctx context.Context, file string, current *atomic.Pointer[authn.Passwords]) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			passwords, err := authn.LoadPasswords(file)
			if err != nil {
				slog.Warn("could not reload password file", slog.Any("error", err))
				continue
			}

			current.Store(passwords)
			slog.Info("password file reloaded", slog.Int("accounts", passwords.Len()))
		}
	}
}
