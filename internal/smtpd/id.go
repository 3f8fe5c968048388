package smtpd

import "github.com/google/uuid"

// newURN returns a random identifier in urn:uuid: form.
func newURN() string {
	return uuid.New().URN()
}
