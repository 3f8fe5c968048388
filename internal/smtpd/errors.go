package smtpd

import (
	"errors"
	"net/textproto"
)

var (
	ErrBusy              = &textproto.Error{Code: 421, Msg: "Too busy. Try again later."}
	ErrTimeout           = &textproto.Error{Code: 421, Msg: "Idle timeout, closing connection."}
	ErrShuttingDown      = &textproto.Error{Code: 421, Msg: "Service not available, closing transmission channel."}
	ErrRateLimitExceeded = &textproto.Error{Code: 421, Msg: "Rate limit exceeded. Try again later."}
	ErrNetworkDenied     = &textproto.Error{Code: 421, Msg: "Denied - IP out of allowed network range"}
	ErrLocalFailure      = &textproto.Error{Code: 451, Msg: "Requested action aborted: local error in processing"}
	ErrTooManyRecipients = &textproto.Error{Code: 452, Msg: "Too many recipients"}

	ErrLineTooLong        = &textproto.Error{Code: 500, Msg: "Line too long. Cannot exceed 512 characters."}
	ErrVerbTooLong        = &textproto.Error{Code: 500, Msg: "Command verb too long. Cannot exceed 32 characters."}
	ErrMalformedCommand   = &textproto.Error{Code: 500, Msg: "Command not recognized."}
	ErrMalformedMAIL      = &textproto.Error{Code: 500, Msg: "Malformed MAIL command."}
	ErrMalformedRCPT      = &textproto.Error{Code: 500, Msg: "Malformed RCPT command."}
	ErrMissingParam       = &textproto.Error{Code: 501, Msg: "Missing parameter."}
	ErrMissingDomain      = &textproto.Error{Code: 501, Msg: "Domain name required."}
	ErrUnexpectedParam    = &textproto.Error{Code: 501, Msg: "No parameters allowed."}
	ErrInvalidAuthSyntax  = &textproto.Error{Code: 501, Msg: "Syntax: AUTH mechanism [initial-response]"}
	ErrMalformedAuth      = &textproto.Error{Code: 501, Msg: "Couldn't decode your credentials."}
	ErrAuthCancelled      = &textproto.Error{Code: 501, Msg: "Authentication cancelled."}
	ErrHelpNotSupported   = &textproto.Error{Code: 502, Msg: "HELP not supported."}
	ErrNoHELO             = &textproto.Error{Code: 503, Msg: "Must use HELO or EHLO command first."}
	ErrNoMAIL             = &textproto.Error{Code: 503, Msg: "Must use MAIL command before RCPT command."}
	ErrAlreadyAuth        = &textproto.Error{Code: 503, Msg: "Already authenticated."}
	ErrNotImplemented     = &textproto.Error{Code: 504, Msg: "Command not implemented."}
	ErrUnknownAuth        = &textproto.Error{Code: 504, Msg: "Unrecognized authentication mechanism."}
	ErrAuthInvalid        = &textproto.Error{Code: 535, Msg: "Authentication credentials invalid"}
	ErrMailboxUnavailable = &textproto.Error{Code: 550, Msg: "No such user here."}
	ErrTooBig             = &textproto.Error{Code: 552, Msg: "Message exceeded maximum size"}
	ErrRecipientParse     = &textproto.Error{Code: 554, Msg: "Server failure when trying to dissect RCPT TO argument."}
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("smtp: server closed")
