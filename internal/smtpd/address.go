package smtpd

import (
	"regexp"
	"strings"
)

// NullReversePath is the sender recorded for MAIL FROM:<>, used by bounces.
const NullReversePath = "<>"

var (
	reversePathRE = regexp.MustCompile(`^(?i:FROM):\s?<(?:(?P<routes>@[^:<>\s]+):)?(?P<mailbox>[^<>\s]*)>`)
	forwardPathRE = regexp.MustCompile(`^(?i:TO):\s?<(?:(?P<routes>@[^:<>\s]+):)?(?P<mailbox>[^<>\s]+)>`)
)

// Recipient is one forward-path from a RCPT command. Source routes are
// obsolete; they are kept but never followed.
type Recipient struct {
	SourceRoutes []string `json:"sourceRoutes"`
	Mailbox      string   `json:"destinationMailbox"`
}

func (r Recipient) String() string {
	return r.Mailbox
}

// parseReversePath extracts the sender from a MAIL argument such as
// "FROM:<alice@example.org> BODY=8BITMIME".
func parseReversePath(args string) (string, error) {
	m := reversePathRE.FindStringSubmatch(args)
	if m == nil {
		return "", ErrMalformedMAIL
	}

	idx := reversePathRE.SubexpIndex("mailbox")
	if idx < 0 {
		return "", ErrLocalFailure
	}

	mailbox := m[idx]
	if mailbox == "" {
		return NullReversePath, nil
	}

	if !validMailbox(mailbox) {
		return "", ErrMalformedMAIL
	}

	return mailbox, nil
}

// parseForwardPath extracts a Recipient from a RCPT argument such as
// "TO:<@relay.example,@other.example:bob@example.net>".
func parseForwardPath(args string) (Recipient, error) {
	m := forwardPathRE.FindStringSubmatch(args)
	if m == nil {
		return Recipient{}, ErrMalformedRCPT
	}

	routesIdx := forwardPathRE.SubexpIndex("routes")
	mailboxIdx := forwardPathRE.SubexpIndex("mailbox")
	if routesIdx < 0 || mailboxIdx < 0 {
		return Recipient{}, ErrRecipientParse
	}

	mailbox := m[mailboxIdx]
	if !validMailbox(mailbox) {
		return Recipient{}, ErrMalformedRCPT
	}

	rcpt := Recipient{
		SourceRoutes: []string{},
		Mailbox:      mailbox,
	}

	if routes := m[routesIdx]; routes != "" {
		for _, route := range strings.Split(routes, ",") {
			route = strings.TrimPrefix(strings.TrimSpace(route), "@")
			if route == "" {
				return Recipient{}, ErrMalformedRCPT
			}
			rcpt.SourceRoutes = append(rcpt.SourceRoutes, route)
		}
	}

	return rcpt, nil
}

// validMailbox accepts "local@domain" and bare local parts such as
// "postmaster".
func validMailbox(mailbox string) bool {
	local, domain, found := strings.Cut(mailbox, "@")
	if local == "" {
		return false
	}

	if !found {
		return true
	}

	return domain != "" && !strings.Contains(domain, "@")
}
