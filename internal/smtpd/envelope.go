package smtpd

import (
	"context"
	"net"
	"strings"
	"time"
)

// Direction is the routing classification of one envelope.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Router receives completed transactions, one Envelope per recipient. All
// operations are fire-and-forget from the session's point of view: errors
// are logged but never reach the client.
type Router interface {
	AcceptInbound(ctx context.Context, env Envelope) error
	AcceptOutbound(ctx context.Context, env Envelope) error
	RejectInbound(ctx context.Context, env Envelope) error
	RejectOutbound(ctx context.Context, env Envelope) error
	PublishEvent(ctx context.Context, topic string, payload any) error
}

// Event topics published by sessions.
const (
	TopicSessionOpened        = "session.opened"
	TopicSessionClosed        = "session.closed"
	TopicTransactionCompleted = "transaction.completed"
)

// Envelope is the read-only snapshot handed to the Router for a single
// recipient of a completed transaction.
type Envelope struct {
	Direction       Direction       `json:"direction"`
	AuthenticatedAs string          `json:"authenticatedAs,omitempty"`
	Session         SessionInfo     `json:"session"`
	Transport       TransportInfo   `json:"transport"`
	Transaction     TransactionInfo `json:"transaction"`
	Email           Email           `json:"email"`
}

type SessionInfo struct {
	ID           string    `json:"id"`
	CreationTime time.Time `json:"creationTime"`
}

type TransportInfo struct {
	RemoteAddress string `json:"remoteAddress"`
	RemotePort    int    `json:"remotePort"`
	LocalAddress  string `json:"localAddress"`
	LocalPort     int    `json:"localPort"`
}

type TransactionInfo struct {
	ID           string    `json:"id"`
	CreationTime time.Time `json:"creationTime"`
}

// Email is the mail object synthesized from a transaction.
type Email struct {
	ID           string    `json:"id"`
	CreationTime time.Time `json:"creationTime"`
	From         string    `json:"from"`
	To           []string  `json:"to"`
	Recipient    Recipient `json:"recipient"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
}

// EventPayload is published with the session and transaction topics.
type EventPayload struct {
	Session     SessionInfo      `json:"session"`
	Transport   TransportInfo    `json:"transport"`
	Transaction *TransactionInfo `json:"transaction,omitempty"`
	Recipients  int              `json:"recipients,omitempty"`
}

// Classify returns Inbound when mailbox belongs to domain.
func Classify(mailbox, domain string) Direction {
	if domain == "" {
		return Outbound
	}

	if strings.HasSuffix(strings.ToLower(mailbox), "@"+strings.ToLower(domain)) {
		return Inbound
	}

	return Outbound
}

func transportInfo(remote, local net.Addr) TransportInfo {
	var info TransportInfo

	if addr, ok := remote.(*net.TCPAddr); ok {
		info.RemoteAddress = addr.IP.String()
		info.RemotePort = addr.Port
	} else if remote != nil {
		info.RemoteAddress = remote.String()
	}

	if addr, ok := local.(*net.TCPAddr); ok {
		info.LocalAddress = addr.IP.String()
		info.LocalPort = addr.Port
	} else if local != nil {
		info.LocalAddress = local.String()
	}

	return info
}

// envelopes fans a completed transaction out into one Envelope per
// recipient, in RCPT order. Every envelope carries the same sender and body.
func envelopes(sess SessionInfo, transport TransportInfo, tx *Transaction, domain, identity string) []Envelope {
	out := make([]Envelope, 0, len(tx.Recipients))
	body := string(tx.Body)

	for _, rcpt := range tx.Recipients {
		out = append(out, Envelope{
			Direction:       Classify(rcpt.Mailbox, domain),
			AuthenticatedAs: identity,
			Session:         sess,
			Transport:       transport,
			Transaction: TransactionInfo{
				ID:           tx.ID,
				CreationTime: tx.CreationTime,
			},
			Email: Email{
				ID:           newURN(),
				CreationTime: time.Now(),
				From:         tx.Sender,
				To:           []string{rcpt.Mailbox},
				Recipient:    rcpt,
				Body:         body,
			},
		})
	}

	return out
}
