package smtpd

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/wildboar/smtpgate/internal/traceutil"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (s *session) handleCommand(ctx context.Context, lex Lexeme) {
	cmd, err := parseCommand(lex)
	if err != nil {
		s.logf("< %s", cmd.line)
		s.error(ctx, err)
		return
	}

	if cmd.verb == VerbAUTH {
		// never log the initial response
		mechanism, _, _ := strings.Cut(strings.TrimSpace(cmd.args), " ")
		s.logf("< %s %s", cmd.name, mechanism)
	} else {
		s.logf("< %s", cmd.line)
	}

	ctx, span := tracer.Start(ctx, "session.handle"+cmd.verb.String())
	defer span.End()

	span.SetAttributes(traceutil.SessionID(s.id))

	if s.server.CommandObserver != nil {
		s.server.CommandObserver(ctx, cmd.verb)
	}

	// Handlers write their own reply. A network error while replying is
	// noticed on the next read.
	switch cmd.verb {
	case VerbHELO:
		s.handleHELO(ctx, cmd)
	case VerbEHLO:
		s.handleEHLO(ctx, cmd)
	case VerbMAIL:
		s.handleMAIL(ctx, cmd)
	case VerbRCPT:
		s.handleRCPT(ctx, cmd)
	case VerbDATA:
		s.handleDATA(ctx, cmd)
	case VerbRSET:
		s.handleRSET(ctx, cmd)
	case VerbVRFY:
		s.handleVRFY(ctx, cmd)
	case VerbEXPN:
		s.handleEXPN(ctx, cmd)
	case VerbHELP:
		s.error(ctx, ErrHelpNotSupported)
	case VerbNOOP:
		s.reply(ctx, 250, "OK")
	case VerbQUIT:
		s.handleQUIT(ctx, cmd)
	case VerbAUTH:
		s.handleAUTH(ctx, cmd)
	default:
		s.error(ctx, ErrNotImplemented)
	}
}

// greet records a HELO or EHLO. A greeting resets any transaction in
// progress, exactly like RSET.
func (s *session) greet(cmd command) bool {
	name := strings.TrimSpace(cmd.args)
	if name == "" {
		return false
	}

	s.helloReceived = true
	s.clientName = name
	s.reset()

	return true
}

func (s *session) handleHELO(ctx context.Context, cmd command) {
	if !s.greet(cmd) {
		s.error(ctx, ErrMissingDomain)
		return
	}

	s.reply(ctx, 250, s.server.Settings.Hostname)
}

func (s *session) handleEHLO(ctx context.Context, cmd command) {
	if !s.greet(cmd) {
		s.error(ctx, ErrMissingDomain)
		return
	}

	lines := append([]string{s.server.Settings.Hostname + " greets " + s.clientName}, s.extensions()...)

	s.replyLines(ctx, 250, lines)
}

func (s *session) extensions() []string {
	extensions := []string{"PIPELINING", "8BITMIME"}

	if s.server.CredentialChecker != nil && len(s.server.Mechanisms) > 0 {
		names := make([]string, 0, len(s.server.Mechanisms))
		for name := range s.server.Mechanisms {
			names = append(names, name)
		}
		slices.Sort(names)

		extensions = append(extensions, "AUTH "+strings.Join(names, " "))
	}

	return extensions
}

func (s *session) handleMAIL(ctx context.Context, cmd command) {
	if !s.helloReceived {
		s.error(ctx, ErrNoHELO)
		return
	}

	if strings.TrimSpace(cmd.args) == "" {
		s.error(ctx, ErrMissingParam)
		return
	}

	sender, err := parseReversePath(cmd.args)
	if err != nil {
		s.error(ctx, err)
		return
	}

	s.reset()
	s.tx.Sender = sender

	s.reply(ctx, 250, "MAIL OK")
}

func (s *session) handleRCPT(ctx context.Context, cmd command) {
	if !s.helloReceived {
		s.error(ctx, ErrNoHELO)
		return
	}

	if strings.TrimSpace(cmd.args) == "" {
		s.error(ctx, ErrMissingParam)
		return
	}

	if !s.tx.Started() {
		s.error(ctx, ErrNoMAIL)
		return
	}

	if len(s.tx.Recipients) >= s.server.MaxRecipients {
		s.error(ctx, ErrTooManyRecipients)
		return
	}

	rcpt, err := parseForwardPath(cmd.args)
	if err != nil {
		s.error(ctx, err)
		return
	}

	s.tx.Recipients = append(s.tx.Recipients, rcpt)

	s.reply(ctx, 250, "RCPT OK")
}

func (s *session) handleDATA(ctx context.Context, _ command) {
	s.state = stateAwaitingDataBlock
	s.dataSkipped = 0

	s.reply(ctx, 354, "Start mail input; end with <CRLF>.<CRLF>")
}

// handleDataBlock completes the transaction with the body just received.
// Every recipient gets its own envelope; an oversized body is routed to the
// reject side instead and never stored.
func (s *session) handleDataBlock(ctx context.Context, lex Lexeme) {
	s.state = stateAwaitingCommand

	ctx, span := tracer.Start(ctx, "session.handleDataBlock")
	defer span.End()

	body := Unstuff(lex.Payload)
	oversize := s.dataSkipped > 0 || len(body) > s.server.MaxMessageSize

	span.SetAttributes(
		traceutil.SessionID(s.id),
		traceutil.Sender(s.tx.Sender),
		traceutil.Recipients(s.tx.Mailboxes()),
		traceutil.DataSize(int64(s.dataSkipped+len(body))),
	)

	s.logf("< [%d bytes]", s.dataSkipped+len(body))

	if !oversize {
		s.tx.Body = body
	}

	s.complete(ctx, oversize)
	s.reset()

	if oversize {
		span.SetStatus(codes.Error, ErrTooBig.Error())
		s.error(ctx, ErrTooBig)

		return
	}

	s.reply(ctx, 250, "DATA OK")
}

// complete hands one envelope per recipient, in RCPT order, to the Router.
// Router failures are logged and never reach the client.
func (s *session) complete(ctx context.Context, oversize bool) {
	if s.server.Router == nil {
		return
	}

	router := s.server.Router
	transport := s.transport()

	for _, env := range envelopes(s.info(), transport, s.tx, s.server.Settings.Domain, s.identity) {
		var err error

		switch {
		case oversize && env.Direction == Inbound:
			err = router.RejectInbound(ctx, env)
		case oversize:
			err = router.RejectOutbound(ctx, env)
		case env.Direction == Inbound:
			err = router.AcceptInbound(ctx, env)
		default:
			err = router.AcceptOutbound(ctx, env)
		}

		if err != nil {
			s.logger.ErrorContext(ctx, "envelope routing failed",
				slog.String("email_id", env.Email.ID),
				slog.String("recipient", env.Email.Recipient.Mailbox),
				slog.String("direction", string(env.Direction)),
				slog.Any("error", err))
		}
	}

	s.publish(ctx, TopicTransactionCompleted, EventPayload{
		Session:   s.info(),
		Transport: transport,
		Transaction: &TransactionInfo{
			ID:           s.tx.ID,
			CreationTime: s.tx.CreationTime,
		},
		Recipients: len(s.tx.Recipients),
	})
}

func (s *session) handleRSET(ctx context.Context, cmd command) {
	if strings.TrimSpace(cmd.args) != "" {
		s.error(ctx, ErrUnexpectedParam)
		return
	}

	s.reset()

	s.reply(ctx, 250, "OK")
}

func (s *session) handleVRFY(ctx context.Context, cmd command) {
	if s.server.Directory == nil {
		s.reply(ctx, 252, "Cannot VRFY user, but will accept message and attempt delivery")
		return
	}

	s.lookup(ctx, s.server.Directory.Verify, cmd.args)
}

func (s *session) handleEXPN(ctx context.Context, cmd command) {
	if s.server.Directory == nil {
		s.reply(ctx, 252, "Cannot EXPN list")
		return
	}

	s.lookup(ctx, s.server.Directory.Expand, cmd.args)
}

func (s *session) lookup(ctx context.Context, fn func(context.Context, string) ([]string, error), query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		s.error(ctx, ErrMissingParam)
		return
	}

	lines, err := fn(ctx, query)
	if err != nil {
		s.logger.InfoContext(ctx, "directory lookup failed",
			slog.String("query", query),
			slog.Any("error", err))
		s.error(ctx, ErrMailboxUnavailable)

		return
	}

	if len(lines) == 0 {
		s.error(ctx, ErrMailboxUnavailable)
		return
	}

	s.replyLines(ctx, 250, lines)
}

func (s *session) handleQUIT(ctx context.Context, _ command) {
	s.reply(ctx, 221, s.server.Settings.Hostname+" Service closing transmission channel")
	s.quitting = true
}

func (s *session) handleAUTH(ctx context.Context, cmd command) {
	if s.server.CredentialChecker == nil {
		s.error(ctx, ErrNotImplemented)
		return
	}

	fields := strings.Fields(cmd.args)
	if len(fields) < 1 || len(fields) > 2 {
		s.error(ctx, ErrInvalidAuthSyntax)
		return
	}

	if s.identity != "" {
		s.error(ctx, ErrAlreadyAuth)
		return
	}

	mechanism := strings.ToUpper(fields[0])
	trace.SpanFromContext(ctx).SetAttributes(traceutil.Mechanism(mechanism))

	factory, ok := s.server.Mechanisms[mechanism]
	if !ok {
		s.logger.InfoContext(ctx, "unknown authentication mechanism", slog.String("mechanism", mechanism))
		s.error(ctx, ErrUnknownAuth)

		return
	}

	s.auth = factory(s.server.CredentialChecker)

	if len(fields) == 1 {
		s.challenge(ctx)
		return
	}

	// RFC 4954: "=" is an empty initial response
	response := fields[1]
	if response == "=" {
		response = ""
	}

	s.respond(ctx, response)
}

func (s *session) handleAuthResponse(ctx context.Context, lex Lexeme) {
	s.logf("< [credentials]")

	ctx, span := tracer.Start(ctx, "session.handleAuthResponse")
	defer span.End()

	response := strings.TrimSpace(string(lex.Payload))
	if response == "*" {
		s.endAuth()
		s.error(ctx, ErrAuthCancelled)

		return
	}

	s.respond(ctx, response)
}

// respond feeds one client response to the active mechanism.
func (s *session) respond(ctx context.Context, response string) {
	if err := s.auth.Decode(response); err != nil {
		s.endAuth()
		s.error(ctx, ErrMalformedAuth)

		return
	}

	s.challenge(ctx)
}

// challenge sends the mechanism's next challenge, or resolves the exchange
// once the mechanism has everything it needs.
func (s *session) challenge(ctx context.Context) {
	if challenge, ok := s.auth.Challenge(); ok {
		s.state = stateAwaitingAuthResponse
		s.reply(ctx, 334, challenge)

		return
	}

	auth := s.auth
	s.endAuth()

	identity, err := auth.Resolve(ctx)
	if err != nil {
		if !errors.Is(err, ErrCredentialsRejected) {
			s.logger.WarnContext(ctx, "authentication failed",
				slog.String("mechanism", auth.Mechanism()),
				slog.Any("error", err))
		}

		s.error(ctx, ErrAuthInvalid)

		return
	}

	s.identity = identity

	s.reply(ctx, 235, "Authentication successful, authorized as "+identity)
}

func (s *session) endAuth() {
	s.auth = nil
	s.state = stateAwaitingCommand
}
