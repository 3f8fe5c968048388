package smtpd

import (
	"time"
)

// Transaction accumulates one mail exchange. Sender and Recipients are both
// empty exactly when no MAIL command has succeeded since the last reset.
type Transaction struct {
	ID           string
	CreationTime time.Time

	Sender     string
	Recipients []Recipient
	Body       []byte
}

func newTransaction() *Transaction {
	return &Transaction{
		ID:           newURN(),
		CreationTime: time.Now(),
	}
}

// Started reports whether MAIL has succeeded in this transaction.
func (t *Transaction) Started() bool {
	return t.Sender != ""
}

// Mailboxes returns the destination mailboxes in RCPT order.
func (t *Transaction) Mailboxes() []string {
	out := make([]string, 0, len(t.Recipients))
	for _, r := range t.Recipients {
		out = append(out, r.Mailbox)
	}
	return out
}
