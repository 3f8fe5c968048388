package traceutil

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	sessionIDKey  = attribute.Key("smtp.session.id")
	senderKey     = attribute.Key("smtp.sender")
	recipientsKey = attribute.Key("smtp.recipients")
	datasizeKey   = attribute.Key("smtp.data.size")
	statusCodeKey = attribute.Key("smtp.response.status_code")
	mechanismKey  = attribute.Key("sasl.mechanism")
	directionKey  = attribute.Key("smtp.route.direction")
)

// SessionID identifies the SMTP session.
//
// Type: string
// Examples: "urn:uuid:0b6c5e3c-61c4-4b8e-9a54-91f3a3b7e0c2"
func SessionID(id string) attribute.KeyValue {
	return sessionIDKey.String(id)
}

// The sender address (from the 'MAIL FROM' SMTP command).
//
// Type: string
// Required: Yes
// Examples: "bob@example.com", "<>"
func Sender(name string) attribute.KeyValue {
	return senderKey.String(name)
}

// The recipient mailboxes (from the 'RCPT TO' SMTP commands).
//
// Type: []string
// Required: Yes
// Examples: ["alice@example", "bob@example"]
func Recipients(names []string) attribute.KeyValue {
	return recipientsKey.StringSlice(names)
}

// The size of the message data after dot-unstuffing.
//
// Type: int64
// Examples: 1024
func DataSize(size int64) attribute.KeyValue {
	return datasizeKey.Int64(size)
}

// The SMTP response status code.
//
// Type: int
// Examples: 250
func StatusCode(code int) attribute.KeyValue {
	return statusCodeKey.Int(code)
}

// The SASL mechanism named in the AUTH command.
//
// Type: string
// Examples: "PLAIN"
func Mechanism(name string) attribute.KeyValue {
	return mechanismKey.String(name)
}

// Direction is the routing classification of an envelope.
//
// Type: string
// Examples: "inbound", "outbound"
func Direction(d string) attribute.KeyValue {
	return directionKey.String(d)
}
