package smtpd

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/wildboar/smtpgate/internal/authn"
)

// MechanismPlain is the RFC 4616 mechanism name.
const MechanismPlain = "PLAIN"

type plainAuthenticator struct {
	checker CredentialChecker
	req     authn.Request
	decoded bool
}

// NewPlain returns an Authenticator for SASL PLAIN. All fields arrive in a
// single response, so the only challenge it ever issues is the empty one
// that asks for that response.
func NewPlain(checker CredentialChecker) Authenticator {
	return &plainAuthenticator{checker: checker}
}

func (a *plainAuthenticator) Mechanism() string {
	return MechanismPlain
}

// Decode accepts "authzid\x00authcid\x00passwd" and the shorter
// "authcid\x00passwd", where the authcid doubles as the authzid.
func (a *plainAuthenticator) Decode(response string) error {
	raw, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return ErrMalformedAuth
	}

	fields := bytes.Split(raw, []byte{0})

	var req authn.Request

	switch len(fields) {
	case 2:
		req.AuthorizationIdentity = string(fields[0])
		req.AuthenticationIdentity = string(fields[0])
		req.Password = string(fields[1])
	case 3:
		req.AuthorizationIdentity = string(fields[0])
		req.AuthenticationIdentity = string(fields[1])
		req.Password = string(fields[2])
	default:
		return ErrMalformedAuth
	}

	if req.AuthenticationIdentity == "" || req.Password == "" {
		return ErrMalformedAuth
	}

	if req.AuthorizationIdentity == "" {
		req.AuthorizationIdentity = req.AuthenticationIdentity
	}

	a.req = req
	a.decoded = true

	return nil
}

func (a *plainAuthenticator) Challenge() (string, bool) {
	return "", !a.decoded
}

func (a *plainAuthenticator) Resolve(ctx context.Context) (string, error) {
	if !a.decoded {
		return "", ErrMalformedAuth
	}

	if a.checker == nil {
		return "", fmt.Errorf("%s: no credential checker configured", MechanismPlain)
	}

	ok, err := a.checker.CheckCredentials(ctx, MechanismPlain, a.req)
	if err != nil {
		return "", fmt.Errorf("check %s credentials: %w", MechanismPlain, err)
	}

	if !ok {
		return "", ErrCredentialsRejected
	}

	return a.req.AuthorizationIdentity, nil
}
