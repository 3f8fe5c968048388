package traceutil

import (
	"github.com/streadway/amqp"
)

// AMQPTableCarrier adapts amqp.Table message headers to satisfy the
// TextMapCarrier interface.
type AMQPTableCarrier amqp.Table

// Get returns the value associated with the passed key. Non-string header
// values are ignored.
func (c AMQPTableCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

// Set stores the key-value pair.
func (c AMQPTableCarrier) Set(key string, value string) {
	c[key] = value
}

// Keys lists the keys stored in this carrier.
func (c AMQPTableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
