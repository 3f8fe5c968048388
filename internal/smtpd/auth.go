package smtpd

import (
	"context"
	"errors"

	"github.com/wildboar/smtpgate/internal/authn"
)

// ErrCredentialsRejected is returned by Authenticator.Resolve when the
// authority turned the credentials down.
var ErrCredentialsRejected = errors.New("smtp: credentials rejected")

// CredentialChecker decides whether a complete credential is valid.
// authn.Bridge is the production implementation.
type CredentialChecker interface {
	CheckCredentials(ctx context.Context, mechanism string, req authn.Request) (bool, error)
}

// An Authenticator runs one SASL exchange. The session feeds it client
// responses with Decode and relays its challenges until Challenge reports
// that nothing more is needed, then calls Resolve once.
type Authenticator interface {
	Mechanism() string

	// Decode consumes one base64 client response.
	Decode(response string) error

	// Challenge returns the next base64 challenge. ok is false once the
	// exchange has everything it needs.
	Challenge() (challenge string, ok bool)

	// Resolve returns the authorized identity.
	Resolve(ctx context.Context) (string, error)
}

// MechanismFactory starts a new exchange for one AUTH command.
type MechanismFactory func(checker CredentialChecker) Authenticator

// DefaultMechanisms is used when Server.Mechanisms is nil.
var DefaultMechanisms = map[string]MechanismFactory{
	MechanismPlain: NewPlain,
}
