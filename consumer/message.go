// Copyright (c) Genji Parkour
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Message is a single delivery from the broker. It embeds the raw delivery so
// handlers keep access to headers, correlation and message identifiers.
type Message struct {
	amqp091.Delivery
}

// HeaderFlag reports whether the named header is set to a true value.
// Publishers are not consistent about header typing, so both native booleans
// and the string "true" count.
func (m *Message) HeaderFlag(name string) bool {
	if m.Headers == nil {
		return false
	}
	switch v := m.Headers[name].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}
