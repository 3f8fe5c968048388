package smtpd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"time"

	"github.com/wildboar/smtpgate/internal/traceutil"
	"go.opentelemetry.io/otel/trace"
)

const readBufferSize = 4096

type sessionState int

const (
	stateAwaitingCommand sessionState = iota
	stateAwaitingDataBlock
	stateAwaitingAuthResponse
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingCommand:
		return "AwaitingCommand"
	case stateAwaitingDataBlock:
		return "AwaitingDataBlock"
	case stateAwaitingAuthResponse:
		return "AwaitingAuthResponse"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// scanners selects the tokenizer for the next lexeme by state.
var scanners = [...]func(*Scanner) (Lexeme, error){
	stateAwaitingCommand:      (*Scanner).ScanLine,
	stateAwaitingDataBlock:    (*Scanner).ScanData,
	stateAwaitingAuthResponse: (*Scanner).ScanLine,
}

// handlers consume the lexeme produced by the scanner of the same state.
var handlers = [...]func(*session, context.Context, Lexeme){
	stateAwaitingCommand:      (*session).handleCommand,
	stateAwaitingDataBlock:    (*session).handleDataBlock,
	stateAwaitingAuthResponse: (*session).handleAuthResponse,
}

type session struct {
	server *Server

	id      string
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	conn    net.Conn
	writer  *bufio.Writer
	scanner Scanner
	state   sessionState

	helloReceived bool
	clientName    string

	tx *Transaction

	// raw data bytes dropped because the body already exceeds the limit
	dataSkipped int

	auth     Authenticator
	identity string

	opened   bool
	quitting bool

	logger *slog.Logger
}

func (srv *Server) newSession(ctx context.Context, conn net.Conn) *session {
	id := newURN()

	ctx, cancel := context.WithCancel(withConn(ctx, id, conn))

	return &session{
		server:  srv,
		id:      id,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		conn:    conn,
		writer:  bufio.NewWriter(conn),
		tx:      newTransaction(),
		logger:  slog.With(slog.String("component", "smtpd_session")),
	}
}

func (s *session) info() SessionInfo {
	return SessionInfo{ID: s.id, CreationTime: s.created}
}

func (s *session) transport() TransportInfo {
	return transportInfo(s.conn.RemoteAddr(), s.conn.LocalAddr())
}

// serve runs the session until the client quits, the connection fails or
// the session context ends.
func (s *session) serve() {
	defer s.close()

	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if s.server.ConnectionChecker != nil {
		err := s.server.ConnectionChecker(ctx, Peer{Addr: s.conn.RemoteAddr(), LocalAddr: s.conn.LocalAddr()})
		if err != nil {
			s.error(ctx, err)
			return
		}
	}

	s.welcome(ctx)

	buf := make([]byte, readBufferSize)

	for !s.quitting {
		lex, err := scanners[s.state](&s.scanner)
		if err == nil {
			handlers[s.state](s, ctx, lex)
			continue
		}

		if !errors.Is(err, ErrNeedMore) {
			s.scanFailed(ctx, err)
			continue
		}

		if s.state == stateAwaitingDataBlock {
			s.limitData()
		}

		n, err := s.read(buf)
		if n > 0 {
			s.scanner.Enqueue(buf[:n])
		}

		if err != nil {
			s.readFailed(ctx, err)
			return
		}
	}
}

func (s *session) welcome(ctx context.Context) {
	s.opened = true

	s.publish(ctx, TopicSessionOpened, EventPayload{
		Session:   s.info(),
		Transport: s.transport(),
	})

	s.reply(ctx, 220, s.server.Settings.Hostname+" "+s.server.Settings.Greeting)
}

// reject turns away a connection over the MaxConnections limit.
func (s *session) reject() {
	defer s.closeConn()

	s.error(s.ctx, ErrBusy)
}

func (s *session) read(buf []byte) (int, error) {
	timeout := s.server.ReadTimeout
	if s.state == stateAwaitingDataBlock {
		timeout = s.server.DataTimeout
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))

	// re-check after moving the deadline, which may have undone the one
	// set by a concurrent cancellation
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}

	return s.conn.Read(buf)
}

func (s *session) readFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		s.error(ctx, ErrShuttingDown)
		return
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		s.error(ctx, ErrTimeout)
		return
	}

	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.logger.DebugContext(ctx, "read failed", slog.Any("error", err))
	}
}

// scanFailed answers a lexeme the scanner refused. The session stays usable;
// an interrupted authentication exchange is abandoned.
func (s *session) scanFailed(ctx context.Context, err error) {
	if s.state == stateAwaitingAuthResponse {
		s.endAuth()
	}

	s.error(ctx, err)
}

// limitData stops buffering a body that can no longer be accepted.
func (s *session) limitData() {
	if s.dataSkipped+s.scanner.Buffered() <= s.server.MaxMessageSize {
		return
	}

	s.dataSkipped += s.scanner.SkipData()
}

func (s *session) reset() {
	s.tx = newTransaction()
}

func (s *session) close() {
	s.closeConn()

	if !s.opened {
		return
	}

	s.publish(context.WithoutCancel(s.ctx), TopicSessionClosed, EventPayload{
		Session:   s.info(),
		Transport: s.transport(),
	})
}

func (s *session) closeConn() {
	s.cancel()

	_ = s.writer.Flush()
	_ = s.conn.Close()
}

func (s *session) publish(ctx context.Context, topic string, payload any) {
	if s.server.Router == nil {
		return
	}

	if err := s.server.Router.PublishEvent(ctx, topic, payload); err != nil {
		s.logger.WarnContext(ctx, "event publication failed",
			slog.String("topic", topic),
			slog.Any("error", err))
	}
}

func (s *session) reply(ctx context.Context, code int, message string) {
	s.logf("> %d %s", code, message)
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.flush(ctx, code)
}

// replyLines writes a multi-line reply: every line but the last uses the
// "code-text" continuation form.
func (s *session) replyLines(ctx context.Context, code int, lines []string) {
	if len(lines) == 0 {
		lines = []string{""}
	}

	for _, line := range lines[:len(lines)-1] {
		s.logf("> %d-%s", code, line)
		fmt.Fprintf(s.writer, "%d-%s\r\n", code, line)
	}

	s.reply(ctx, code, lines[len(lines)-1])
}

func (s *session) flush(ctx context.Context, code int) {
	trace.SpanFromContext(ctx).SetAttributes(traceutil.StatusCode(code))

	if s.server.ReplyObserver != nil {
		s.server.ReplyObserver(ctx, code)
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.WriteTimeout))

	if err := s.writer.Flush(); err != nil {
		s.logger.DebugContext(ctx, "write failed", slog.Any("error", err))
	}
}

// error writes err as a reply. Errors that are not protocol replies are
// logged and answered with a generic local failure.
func (s *session) error(ctx context.Context, err error) {
	var tperr *textproto.Error
	if !errors.As(err, &tperr) {
		s.logger.ErrorContext(ctx, "request failed", slog.Any("error", err))
		tperr = ErrLocalFailure
	}

	s.reply(ctx, tperr.Code, tperr.Msg)
}

func (s *session) logf(format string, args ...any) {
	if s.server.ProtocolLogger == nil {
		return
	}

	s.server.ProtocolLogger.Printf("%s %s: "+format, append([]any{s.id, s.conn.RemoteAddr()}, args...)...)
}
