// Package events publishes service lifecycle transitions to NATS so external
// monitors can follow the stack without polling the API. Publishing is
// best-effort: a broker outage never blocks or fails a lifecycle operation.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// StateChange is the payload published on every runtime state transition.
type StateChange struct {
	Service string    `json:"service"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	At      time.Time `json:"at"`
}

// Publisher wraps a NATS connection. The zero value (nil) is a valid no-op
// publisher so callers never need to branch on whether events are configured.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the broker. prefix defaults to "stack.events".
func Connect(url, prefix string) (*Publisher, error) {
	if prefix == "" {
		prefix = "stack.events"
	}
	nc, err := nats.Connect(url,
		nats.Name("bitcoin-stack"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{nc: nc, prefix: prefix}, nil
}

// ServiceState publishes a state transition on <prefix>.<service>.state.
func (p *Publisher) ServiceState(service, from, to string) {
	if p == nil || p.nc == nil {
		return
	}
	b, err := json.Marshal(StateChange{Service: service, From: from, To: to, At: time.Now().UTC()})
	if err != nil {
		return
	}
	subject := fmt.Sprintf("%s.%s.state", p.prefix, service)
	if err := p.nc.Publish(subject, b); err != nil {
		log.Debug().Str("subject", subject).Err(err).Msg("event publish dropped")
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	_ = p.nc.Drain()
}
