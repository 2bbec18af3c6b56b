// Copyright 2025 James Ross
package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSMirror is an optional additive sink: it republishes bus events onto
// an external NATS subject for out-of-process observers. It never sits on
// the required in-process delivery path — the bounded channel broadcaster
// above remains the only path a subscriber must use to see events; this is
// purely an embedder opt-in for cross-process visibility.
type NATSMirror struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

func NewNATSMirror(url, subject string, log *zap.Logger) (*NATSMirror, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return &NATSMirror{conn: conn, subject: subject, log: log}, nil
}

// Run mirrors every event on ch to the configured subject until ch closes.
func (m *NATSMirror) Run(ch <-chan Event) {
	for e := range ch {
		payload, err := json.Marshal(mirrorEnvelope{Kind: string(e.Kind), Timestamp: e.Timestamp, Payload: e.Payload})
		if err != nil {
			m.log.Warn("nats mirror marshal failed", zap.String("kind", string(e.Kind)), zap.Error(err))
			continue
		}
		if err := m.conn.Publish(m.subject, payload); err != nil {
			m.log.Warn("nats mirror publish failed", zap.Error(err))
		}
	}
}

func (m *NATSMirror) Close() {
	m.conn.Close()
}

type mirrorEnvelope struct {
	Kind      string `json:"kind"`
	Timestamp any    `json:"timestamp"`
	Payload   any    `json:"payload"`
}
