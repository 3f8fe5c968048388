package smtpd_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wildboar/smtpgate/internal/authn"
	"github.com/wildboar/smtpgate/internal/smtpd"
)

func cmd(c *textproto.Conn, expectedCode int, format string, args ...interface{}) error {
	id, err := c.Cmd(format, args...)
	if err != nil {
		return err
	}

	c.StartResponse(id)
	_, _, err = c.ReadResponse(expectedCode)
	c.EndResponse(id)

	return err
}

func runserver(t *testing.T, server *smtpd.Server) (addr string, closer func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.Serve(ctx, ln)
	}()

	go func() {
		<-ctx.Done()

		ln.Close()
	}()

	return ln.Addr().String(), func() {
		cancel()
	}
}

func protocolLogger() *log.Logger {
	return log.New(os.Stdout, "log: ", log.Lshortfile)
}

type routed struct {
	route string
	env   smtpd.Envelope
}

type recordingRouter struct {
	mu     sync.Mutex
	routed []routed
	events []string
	err    error
}

func (r *recordingRouter) record(route string, env smtpd.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routed = append(r.routed, routed{route: route, env: env})

	return r.err
}

func (r *recordingRouter) AcceptInbound(_ context.Context, env smtpd.Envelope) error {
	return r.record("accept-inbound", env)
}

func (r *recordingRouter) AcceptOutbound(_ context.Context, env smtpd.Envelope) error {
	return r.record("accept-outbound", env)
}

func (r *recordingRouter) RejectInbound(_ context.Context, env smtpd.Envelope) error {
	return r.record("reject-inbound", env)
}

func (r *recordingRouter) RejectOutbound(_ context.Context, env smtpd.Envelope) error {
	return r.record("reject-outbound", env)
}

func (r *recordingRouter) PublishEvent(_ context.Context, topic string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, topic)

	return r.err
}

func (r *recordingRouter) Routed() []routed {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]routed(nil), r.routed...)
}

func (r *recordingRouter) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

type checkerFunc func(ctx context.Context, mechanism string, req authn.Request) (bool, error)

func (f checkerFunc) CheckCredentials(ctx context.Context, mechanism string, req authn.Request) (bool, error) {
	return f(ctx, mechanism, req)
}

// passwordChecker accepts user/pass.
var passwordChecker = checkerFunc(func(_ context.Context, _ string, req authn.Request) (bool, error) {
	return req.AuthenticationIdentity == "user" && req.Password == "pass", nil
})

func plainResponse(t *testing.T, identity, username, password string) string {
	t.Helper()

	_, ir, err := sasl.NewPlainClient(identity, username, password).Start()
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(ir)
}

func TestSMTP(t *testing.T) {
	router := &recordingRouter{}

	addr, closer := runserver(t, &smtpd.Server{
		Settings: smtpd.Settings{
			Hostname: "mx.example.org",
			Domain:   "example.org",
		},
		Router:         router,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	err = c.Hello("localhost")
	require.NoError(t, err)

	supported, _ := c.Extension("AUTH")
	require.False(t, supported, "AUTH supported without a credential checker")

	supported, _ = c.Extension("PIPELINING")
	require.True(t, supported, "PIPELINING not supported")

	err = c.Mail("sender@example.org")
	require.NoError(t, err)

	err = c.Rcpt("recipient@example.net")
	require.NoError(t, err)

	err = c.Rcpt("recipient2@example.org")
	require.NoError(t, err)

	wc, err := c.Data()
	require.NoError(t, err)

	_, err = fmt.Fprintf(wc, "This is the email body")
	require.NoError(t, err)

	err = wc.Close()
	require.NoError(t, err)

	err = c.Quit()
	require.NoError(t, err)

	got := router.Routed()
	require.Len(t, got, 2)

	assert.Equal(t, "accept-outbound", got[0].route)
	assert.Equal(t, smtpd.Outbound, got[0].env.Direction)
	assert.Equal(t, "recipient@example.net", got[0].env.Email.Recipient.Mailbox)

	assert.Equal(t, "accept-inbound", got[1].route)
	assert.Equal(t, smtpd.Inbound, got[1].env.Direction)
	assert.Equal(t, "recipient2@example.org", got[1].env.Email.Recipient.Mailbox)

	for _, r := range got {
		assert.Equal(t, "sender@example.org", r.env.Email.From)
		assert.Equal(t, "This is the email body", r.env.Email.Body)
		assert.Equal(t, "127.0.0.1", r.env.Transport.RemoteAddress)
		assert.Equal(t, "127.0.0.1", r.env.Transport.LocalAddress)
		assert.NotZero(t, r.env.Transport.LocalPort)
		assert.Empty(t, r.env.AuthenticatedAs)
	}

	assert.Equal(t, got[0].env.Transaction.ID, got[1].env.Transaction.ID)
	assert.NotEqual(t, got[0].env.Email.ID, got[1].env.Email.ID)
}

func TestPipelinedSession(t *testing.T) {
	router := &recordingRouter{}

	addr, closer := runserver(t, &smtpd.Server{
		Router:         router,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("EHLO a\r\nMAIL FROM:<x@y>\r\nRCPT TO:<a@b>\r\nDATA\r\nhello\r\n.\r\n"))
	require.NoError(t, err)

	r := textproto.NewReader(bufio.NewReader(conn))

	_, _, err = r.ReadResponse(220)
	require.NoError(t, err)

	_, msg, err := r.ReadResponse(250)
	require.NoError(t, err)
	require.Contains(t, msg, "\n", "EHLO reply is not multi-line")

	_, msg, err = r.ReadResponse(250)
	require.NoError(t, err)
	assert.Equal(t, "MAIL OK", msg)

	_, msg, err = r.ReadResponse(250)
	require.NoError(t, err)
	assert.Equal(t, "RCPT OK", msg)

	_, _, err = r.ReadResponse(354)
	require.NoError(t, err)

	_, msg, err = r.ReadResponse(250)
	require.NoError(t, err)
	assert.Equal(t, "DATA OK", msg)

	got := router.Routed()
	require.Len(t, got, 1)
	assert.Equal(t, "x@y", got[0].env.Email.From)
	assert.Equal(t, []string{"a@b"}, got[0].env.Email.To)
	assert.Equal(t, "hello", got[0].env.Email.Body)
}

func TestFanOut(t *testing.T) {
	router := &recordingRouter{}

	addr, closer := runserver(t, &smtpd.Server{
		Settings:       smtpd.Settings{Domain: "example.org"},
		Router:         router,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	recipients := []string{
		"one@example.org",
		"two@example.net",
		"three@EXAMPLE.ORG",
		"one@example.org",
	}

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Mail("sender@example.org"))

	for _, rcpt := range recipients {
		require.NoError(t, c.Rcpt(rcpt))
	}

	wc, err := c.Data()
	require.NoError(t, err)

	_, err = fmt.Fprint(wc, "Subject: ignored\n\nbody\n")
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	require.NoError(t, c.Quit())

	got := router.Routed()
	require.Len(t, got, len(recipients))

	wantRoutes := []string{"accept-inbound", "accept-outbound", "accept-inbound", "accept-inbound"}

	for i, r := range got {
		assert.Equal(t, wantRoutes[i], r.route)
		assert.Equal(t, recipients[i], r.env.Email.Recipient.Mailbox)
		assert.Equal(t, "sender@example.org", r.env.Email.From)
		assert.Equal(t, "Subject: ignored\r\n\r\nbody", r.env.Email.Body)
		assert.Empty(t, r.env.Email.Subject)
	}
}

func TestDotStuffing(t *testing.T) {
	router := &recordingRouter{}

	addr, closer := runserver(t, &smtpd.Server{
		Router:         router,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Mail("sender@example.org"))
	require.NoError(t, c.Rcpt("recipient@example.net"))

	wc, err := c.Data()
	require.NoError(t, err)

	// the client stuffs these lines on the wire
	_, err = fmt.Fprint(wc, ".first\nmiddle\n.\n..two\n")
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	require.NoError(t, c.Quit())

	got := router.Routed()
	require.Len(t, got, 1)
	assert.Equal(t, ".first\r\nmiddle\r\n.\r\n..two", got[0].env.Email.Body)
}

func TestEmptyBody(t *testing.T) {
	router := &recordingRouter{}

	addr, closer := runserver(t, &smtpd.Server{
		Router:         router,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Hello("localhost"))
	require.NoError(t, cmd(c.Text, 250, "MAIL FROM:<>"))
	require.NoError(t, cmd(c.Text, 250, "RCPT TO:<postmaster>"))
	require.NoError(t, cmd(c.Text, 354, "DATA"))
	require.NoError(t, cmd(c.Text, 250, "."))

	require.NoError(t, c.Quit())

	got := router.Routed()
	require.Len(t, got, 1)
	assert.Equal(t, smtpd.NullReversePath, got[0].env.Email.From)
	assert.Empty(t, got[0].env.Email.Body)
}

func TestDATAWithoutRecipients(t *testing.T) {
	router := &recordingRouter{}

	addr, closer := runserver(t, &smtpd.Server{
		Router:         router,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, cmd(c.Text, 354, "DATA"))
	require.NoError(t, cmd(c.Text, 250, "orphan\r\n."))

	require.NoError(t, c.Quit())

	assert.Empty(t, router.Routed())
}

func TestMAILbeforeHELO(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	for _, line := range []string{
		"MAIL FROM:<sender@example.org>",
		"MAIL FROM:sender@example.org",
		"MAIL garbage",
		"MAIL",
		"RCPT TO:<recipient@example.net>",
	} {
		require.NoError(t, cmd(c.Text, 503, "%s", line), line)
	}

	require.NoError(t, c.Quit())
}

func TestRCPTbeforeMAIL(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Hello("localhost"))

	err = c.Rcpt("recipient@example.net")
	require.Error(t, err, "RCPT succeeded despite no MAIL")

	var tperr *textproto.Error
	require.ErrorAs(t, err, &tperr)
	assert.Equal(t, 503, tperr.Code)

	require.NoError(t, c.Quit())
}

func TestMalformedEnvelope(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Hello("localhost"))

	require.NoError(t, cmd(c.Text, 501, "MAIL "))
	require.NoError(t, cmd(c.Text, 500, "MAIL FROM:sender@example.org"))
	require.NoError(t, cmd(c.Text, 500, "MAIL TO:<sender@example.org>"))
	require.NoError(t, cmd(c.Text, 250, "MAIL FROM:<sender@example.org>"))

	require.NoError(t, cmd(c.Text, 501, "RCPT"))
	require.NoError(t, cmd(c.Text, 500, "RCPT TO:recipient@example.net"))
	require.NoError(t, cmd(c.Text, 500, "RCPT TO:<>"))
	require.NoError(t, cmd(c.Text, 250, "RCPT TO:<@relay.example:recipient@example.net>"))

	require.NoError(t, c.Quit())
}

func TestRSET(t *testing.T) {
	router := &recordingRouter{}

	addr, closer := runserver(t, &smtpd.Server{
		Router:         router,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Mail("sender@example.org"))
	require.NoError(t, c.Rcpt("recipient@example.net"))

	// rejected with an argument, and the transaction survives
	require.NoError(t, cmd(c.Text, 501, "RSET now"))
	require.NoError(t, c.Rcpt("recipient2@example.net"))

	require.NoError(t, c.Reset())

	err = c.Rcpt("recipient@example.net")
	require.Error(t, err, "RCPT succeeded after RSET")

	require.NoError(t, cmd(c.Text, 354, "DATA"))
	require.NoError(t, cmd(c.Text, 250, "."))

	require.NoError(t, c.Quit())

	assert.Empty(t, router.Routed())
}

func TestHELOResetsTransaction(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Mail("sender@example.org"))

	require.NoError(t, cmd(c.Text, 250, "HELO localhost"))
	require.NoError(t, cmd(c.Text, 503, "RCPT TO:<recipient@example.net>"))

	require.NoError(t, cmd(c.Text, 501, "HELO"))
	require.NoError(t, cmd(c.Text, 501, "EHLO "))

	require.NoError(t, c.Quit())
}

func TestOtherCommands(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, cmd(c.Text, 250, "NOOP"))
	require.NoError(t, cmd(c.Text, 502, "HELP"))
	require.NoError(t, cmd(c.Text, 502, "HELP MAIL"))
	require.NoError(t, cmd(c.Text, 504, "STARTTLS"))
	require.NoError(t, cmd(c.Text, 504, "BDAT 10 LAST"))
	require.NoError(t, cmd(c.Text, 500, "MA1L FROM:<a@b>"))
	require.NoError(t, cmd(c.Text, 500, "%s", strings.Repeat("X", 40)))
	require.NoError(t, cmd(c.Text, 252, "VRFY postmaster"))
	require.NoError(t, cmd(c.Text, 252, "EXPN staff"))

	require.NoError(t, c.Quit())
}

type staticDirectory map[string][]string

func (d staticDirectory) Verify(_ context.Context, query string) ([]string, error) {
	if lines, ok := d[query]; ok {
		return lines, nil
	}
	return nil, errors.New("not found")
}

func (d staticDirectory) Expand(ctx context.Context, list string) ([]string, error) {
	return d.Verify(ctx, list)
}

func TestDirectory(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		Directory: staticDirectory{
			"bob":   {"Bob Smith <bob@example.org>"},
			"staff": {"Alice <alice@example.org>", "Bob Smith <bob@example.org>"},
			"empty": {},
		},
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	id, err := c.Text.Cmd("EXPN staff")
	require.NoError(t, err)

	c.Text.StartResponse(id)
	_, msg, err := c.Text.ReadResponse(250)
	c.Text.EndResponse(id)
	require.NoError(t, err)
	assert.Equal(t, "Alice <alice@example.org>\nBob Smith <bob@example.org>", msg)

	require.NoError(t, c.Verify("bob"))

	require.NoError(t, cmd(c.Text, 550, "VRFY mallory"))
	require.NoError(t, cmd(c.Text, 550, "EXPN empty"))
	require.NoError(t, cmd(c.Text, 501, "VRFY"))

	require.NoError(t, c.Quit())
}

func TestLongLine(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	err = c.Mail(fmt.Sprintf("%s@example.org", strings.Repeat("x", 65*1024)))
	require.Error(t, err)

	var tperr *textproto.Error
	require.ErrorAs(t, err, &tperr)
	assert.Equal(t, 500, tperr.Code)

	// the session is still usable
	require.NoError(t, c.Mail("sender@example.org"))

	err = c.Quit()
	require.NoError(t, err)
}

func TestMaxRecipients(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		MaxRecipients:  1,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	err = c.Mail("sender@example.org")
	require.NoError(t, err)

	err = c.Rcpt("recipient@example.net")
	require.NoError(t, err)

	err = c.Rcpt("recipient@example.net")
	require.Error(t, err, "RCPT succeeded despite MaxRecipients = 1")

	var tperr *textproto.Error
	require.ErrorAs(t, err, &tperr)
	assert.Equal(t, 452, tperr.Code)

	err = c.Quit()
	require.NoError(t, err)
}

func TestMaxMessageSize(t *testing.T) {
	for _, size := range []int{100, 256 * 1024} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			router := &recordingRouter{}

			addr, closer := runserver(t, &smtpd.Server{
				Settings:       smtpd.Settings{Domain: "example.org"},
				Router:         router,
				MaxMessageSize: 20,
				ProtocolLogger: protocolLogger(),
			})
			defer closer()

			c, err := smtp.Dial(addr)
			require.NoError(t, err)

			require.NoError(t, c.Mail("sender@example.org"))
			require.NoError(t, c.Rcpt("recipient@example.org"))
			require.NoError(t, c.Rcpt("recipient@example.net"))

			wc, err := c.Data()
			require.NoError(t, err)

			_, err = fmt.Fprint(wc, strings.Repeat("0123456789\n", size/11))
			require.NoError(t, err)

			err = wc.Close()
			require.Error(t, err, "Allowed message larger than 20 bytes to pass.")

			var tperr *textproto.Error
			require.ErrorAs(t, err, &tperr)
			assert.Equal(t, 552, tperr.Code)

			got := router.Routed()
			require.Len(t, got, 2)
			assert.Equal(t, "reject-inbound", got[0].route)
			assert.Equal(t, "reject-outbound", got[1].route)
			assert.Empty(t, got[0].env.Email.Body)

			// the transaction was reset, the session continues
			err = c.Rcpt("recipient@example.net")
			require.Error(t, err)

			require.NoError(t, c.Quit())
		})
	}
}

func TestRouterErrorsAreNotReported(t *testing.T) {
	router := &recordingRouter{err: errors.New("queue down")}

	addr, closer := runserver(t, &smtpd.Server{
		Router:         router,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Mail("sender@example.org"))
	require.NoError(t, c.Rcpt("recipient@example.net"))

	wc, err := c.Data()
	require.NoError(t, err)

	_, err = fmt.Fprint(wc, "body")
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	require.NoError(t, c.Quit())

	assert.Len(t, router.Routed(), 1)
}

func TestEvents(t *testing.T) {
	router := &recordingRouter{}

	addr, closer := runserver(t, &smtpd.Server{
		Router:         router,
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Mail("sender@example.org"))
	require.NoError(t, c.Rcpt("recipient@example.net"))

	wc, err := c.Data()
	require.NoError(t, err)

	_, err = fmt.Fprint(wc, "body")
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	require.NoError(t, c.Quit())

	require.Eventually(t, func() bool {
		return len(router.Events()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		smtpd.TopicSessionOpened,
		smtpd.TopicTransactionCompleted,
		smtpd.TopicSessionClosed,
	}, router.Events())
}

func TestAuth(t *testing.T) {
	router := &recordingRouter{}

	addr, closer := runserver(t, &smtpd.Server{
		Router:            router,
		CredentialChecker: passwordChecker,
		ProtocolLogger:    protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, c.Hello("localhost"))

	supported, mechanisms := c.Extension("AUTH")
	require.True(t, supported, "AUTH not advertised")
	assert.Equal(t, "PLAIN", mechanisms)

	err = c.Auth(smtp.PlainAuth("", "user", "pass", "127.0.0.1"))
	require.NoError(t, err)

	// a second AUTH is refused
	require.NoError(t, cmd(c.Text, 503, "AUTH PLAIN %s", plainResponse(t, "", "user", "pass")))

	require.NoError(t, c.Mail("sender@example.org"))
	require.NoError(t, c.Rcpt("recipient@example.net"))

	wc, err := c.Data()
	require.NoError(t, err)

	_, err = fmt.Fprint(wc, "body")
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	require.NoError(t, c.Quit())

	got := router.Routed()
	require.Len(t, got, 1)
	assert.Equal(t, "user", got[0].env.AuthenticatedAs)
}

func TestAuthRejection(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		CredentialChecker: passwordChecker,
		ProtocolLogger:    protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	err = c.Auth(smtp.PlainAuth("", "user", "wrong", "127.0.0.1"))
	require.Error(t, err, "Auth worked despite rejected credentials")

	var tperr *textproto.Error
	require.ErrorAs(t, err, &tperr)
	assert.Equal(t, 535, tperr.Code)
}

func TestAuthChallenge(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		CredentialChecker: passwordChecker,
		ProtocolLogger:    protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	// no EHLO needed before AUTH
	require.NoError(t, cmd(c.Text, 334, "AUTH PLAIN"))
	require.NoError(t, cmd(c.Text, 501, "*"))

	require.NoError(t, cmd(c.Text, 334, "AUTH plain"))
	require.NoError(t, cmd(c.Text, 501, "not base64!"))

	require.NoError(t, cmd(c.Text, 334, "AUTH PLAIN"))
	require.NoError(t, cmd(c.Text, 535, "%s", plainResponse(t, "", "user", "wrong")))

	// back in command mode
	require.NoError(t, cmd(c.Text, 250, "NOOP"))

	require.NoError(t, cmd(c.Text, 334, "AUTH PLAIN"))

	id, err := c.Text.Cmd("%s", plainResponse(t, "user", "user", "pass"))
	require.NoError(t, err)

	c.Text.StartResponse(id)
	_, msg, err := c.Text.ReadResponse(235)
	c.Text.EndResponse(id)
	require.NoError(t, err)
	assert.Equal(t, "Authentication successful, authorized as user", msg)

	require.NoError(t, c.Quit())
}

func TestAuthErrors(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		CredentialChecker: passwordChecker,
		ProtocolLogger:    protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, cmd(c.Text, 501, "AUTH"))
	require.NoError(t, cmd(c.Text, 501, "AUTH PLAIN a b"))
	require.NoError(t, cmd(c.Text, 504, "AUTH CRAM-MD5"))
	require.NoError(t, cmd(c.Text, 501, "AUTH PLAIN foobar"))
	require.NoError(t, cmd(c.Text, 501, "AUTH PLAIN Zm9v"))
	require.NoError(t, cmd(c.Text, 501, "AUTH PLAIN ="))
	require.NoError(t, cmd(c.Text, 235, "AUTH PLAIN dXNlcgBwYXNz"))

	require.NoError(t, c.Quit())
}

func TestAuthNotSupported(t *testing.T) {
	addr, closer := runserver(t, &smtpd.Server{
		ProtocolLogger: protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	require.NoError(t, cmd(c.Text, 504, "AUTH PLAIN %s", plainResponse(t, "", "user", "pass")))

	require.NoError(t, c.Quit())
}

type dispatchFunc func(ctx context.Context, mechanism string, req authn.Request) error

func (f dispatchFunc) Dispatch(ctx context.Context, mechanism string, req authn.Request) error {
	return f(ctx, mechanism, req)
}

func TestAuthBridge(t *testing.T) {
	var bridge *authn.Bridge

	bridge = authn.NewBridge(dispatchFunc(func(_ context.Context, mechanism string, req authn.Request) error {
		assert.Equal(t, "PLAIN", mechanism)

		go bridge.Resolve(authn.Reply{
			ID:       req.ID,
			Accepted: req.AuthenticationIdentity == "user" && req.Password == "pass",
		})

		return nil
	}), time.Second)

	for _, tc := range []struct {
		password string
		code     int
	}{
		{"pass", 235},
		{"wrong", 535},
	} {
		t.Run(tc.password, func(t *testing.T) {
			addr, closer := runserver(t, &smtpd.Server{
				CredentialChecker: bridge,
				ProtocolLogger:    protocolLogger(),
			})
			defer closer()

			c, err := smtp.Dial(addr)
			require.NoError(t, err)

			require.NoError(t, cmd(c.Text, tc.code, "AUTH PLAIN %s", plainResponse(t, "", "user", tc.password)))
			assert.Zero(t, bridge.Pending())

			require.NoError(t, c.Quit())
		})
	}
}

func TestAuthBridgeTimeout(t *testing.T) {
	var dispatched atomic.Int32

	bridge := authn.NewBridge(dispatchFunc(func(context.Context, string, authn.Request) error {
		dispatched.Add(1)
		return nil
	}), 100*time.Millisecond)

	addr, closer := runserver(t, &smtpd.Server{
		CredentialChecker: bridge,
		ProtocolLogger:    protocolLogger(),
	})
	defer closer()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, cmd(c.Text, 535, "AUTH PLAIN %s", plainResponse(t, "", "user", "pass")))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, bridge.Pending())

	// exactly one reply was written for the AUTH command
	require.NoError(t, cmd(c.Text, 250, "NOOP"))
	assert.Equal(t, int32(1), dispatched.Load())

	require.NoError(t, c.Quit())
}
