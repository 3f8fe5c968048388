package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vharitonsky/iniflags"
	"github.com/wildboar/smtpgate/internal/broker"
)

//nolint:govet
type config struct {
	logFormat      string
	logLevel       string
	listenAddress  string
	listenPort     int
	domain         string
	hostName       string
	greeting       string
	metricsListen  string
	allowedNetsStr string
	queueHost      string
	queuePort      int
	queueUser      string
	queuePass      string
	queueVhost     string
	authEnabled    bool
	authTimeout    time.Duration
	maxMessageSize int
	maxConnections int
	maxRecipients  int
	readTimeout    time.Duration
	writeTimeout   time.Duration
	dataTimeout    time.Duration
	versionInfo    bool

	rateLimitEnabled              bool
	rateLimitConnectionsPerMinute float64
	rateLimitBurst                int

	allowedNets []*net.IPNet
}

// envFallbacks maps flags to the environment variables consulted when the
// flag was set neither on the command line nor in the config file.
var envFallbacks = map[string]string{
	"listen_address": "SMTP_SERVER_IP_BIND_ADDRESS",
	"listen_port":    "SMTP_SERVER_TCP_LISTENING_PORT",
	"domain":         "SMTP_SERVER_DOMAIN",
	"hostname":       "SMTP_SERVER_HOSTNAME",
	"greeting":       "SMTP_SERVER_GREETING",
	"queue_host":     "QUEUE_SERVER_HOSTNAME",
	"queue_port":     "QUEUE_SERVER_TCP_LISTENING_PORT",
	"queue_user":     "QUEUE_USERNAME",
	"queue_pass":     "QUEUE_PASSWORD",
}

func (c *config) listenAddr() string {
	return net.JoinHostPort(c.listenAddress, strconv.Itoa(c.listenPort))
}

func (c *config) queueURL() string {
	return broker.URL(c.queueHost, c.queuePort, c.queueUser, c.queuePass, c.queueVhost)
}

func setupAllowedNetworks(s string) ([]*net.IPNet, error) {
	nets := []*net.IPNet{}

	for _, netstr := range strings.Fields(s) {
		baseIP, allowedNet, err := net.ParseCIDR(netstr)
		if err != nil {
			return nil, fmt.Errorf("parseCIDR %q: %w", netstr, err)
		}

		// a network with host bits set names a host, not a network
		if !allowedNet.IP.Equal(baseIP) {
			return nil, fmt.Errorf("invalid network (host bits set): %q", netstr)
		}

		nets = append(nets, allowedNet)
	}

	return nets, nil
}

func loadConfig() (*config, error) {
	cfg := config{}
	registerFlags(flag.CommandLine, &cfg)

	iniflags.Parse()

	if err := applyEnv(flag.CommandLine, os.LookupEnv); err != nil {
		return nil, err
	}

	setupLogger(cfg.logFormat, cfg.logLevel)

	if err := cfg.finish(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// finish derives the parsed fields once all sources were applied.
func (c *config) finish() error {
	allowedNets, err := setupAllowedNetworks(c.allowedNetsStr)
	if err != nil {
		return fmt.Errorf("setupAllowedNetworks: %w", err)
	}
	c.allowedNets = allowedNets

	if c.hostName == "" {
		c.hostName = defaultHostname()
	}

	return nil
}

// applyEnv sets every flag of envFallbacks that was not given explicitly from
// its environment variable. Empty variables count as unset.
func applyEnv(f *flag.FlagSet, lookup func(string) (string, bool)) error {
	logger := slog.With(slog.String("component", "config"))

	set := map[string]bool{}
	f.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})

	for name, env := range envFallbacks {
		if set[name] {
			continue
		}

		value, ok := lookup(env)
		if !ok || value == "" {
			continue
		}

		if err := f.Set(name, value); err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}

		logger.Debug("flag set from environment", slog.String("flag", name), slog.String("env", env))
	}

	return nil
}

func defaultHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost.localdomain"
	}

	return name
}

func registerFlags(f *flag.FlagSet, cfg *config) {
	f.StringVar(&cfg.logFormat, "log_format", "json", "Log format - json or logfmt")
	f.StringVar(&cfg.logLevel, "log_level", "info", "Minimum log level to output")
	f.StringVar(&cfg.listenAddress, "listen_address", "127.0.0.1", "IP address to listen for incoming SMTP")
	f.IntVar(&cfg.listenPort, "listen_port", 25, "TCP port to listen for incoming SMTP")
	f.StringVar(&cfg.domain, "domain", "", "Mail domain; recipients in it are routed inbound")
	f.StringVar(&cfg.hostName, "hostname", "", "Server hostname (defaults to the OS hostname)")
	f.StringVar(&cfg.greeting, "greeting", "ESMTP Service ready", "Text following the hostname in the 220 greeting")
	f.StringVar(&cfg.metricsListen, "metrics_listen", ":8080", "Address and port to listen for metrics exposition")
	f.StringVar(&cfg.allowedNetsStr, "allowed_nets", "", "Networks allowed to connect, separated by spaces (leave empty to allow any)")
	f.StringVar(&cfg.queueHost, "queue_host", "localhost", "Message broker host")
	f.IntVar(&cfg.queuePort, "queue_port", 5672, "Message broker port")
	f.StringVar(&cfg.queueUser, "queue_user", "guest", "Message broker username")
	f.StringVar(&cfg.queuePass, "queue_pass", "guest", "Message broker password")
	f.StringVar(&cfg.queueVhost, "queue_vhost", "/", "Message broker virtual host")
	f.BoolVar(&cfg.authEnabled, "auth_enabled", true, "Offer AUTH PLAIN, checked by the credential authority over the broker")
	f.DurationVar(&cfg.authTimeout, "auth_timeout", 10*time.Second, "How long to wait for the credential authority")
	f.IntVar(&cfg.maxMessageSize, "max_message_size", 51200000, "Max message size allowed in bytes")
	f.IntVar(&cfg.maxConnections, "max_connections", 100, "Max number of concurrent connections, use -1 to disable")
	f.IntVar(&cfg.maxRecipients, "max_recipients", 100, "Max number of recipients on an email")
	f.DurationVar(&cfg.readTimeout, "read_timeout", 60*time.Second, "Socket timeout for read operations")
	f.DurationVar(&cfg.writeTimeout, "write_timeout", 60*time.Second, "Socket timeout for write operations")
	f.DurationVar(&cfg.dataTimeout, "data_timeout", 5*time.Minute, "Socket timeout for DATA command")
	f.BoolVar(&cfg.versionInfo, "version", false, "Show version information")
	f.BoolVar(&cfg.rateLimitEnabled, "rate_limit_enabled", false, "Enable per-IP connection rate limiting")
	f.Float64Var(&cfg.rateLimitConnectionsPerMinute, "rate_limit_connections_per_minute", 60, "Maximum new connections per minute per client IP")
	f.IntVar(&cfg.rateLimitBurst, "rate_limit_burst", 10, "Burst capacity for rate limiter")
}
