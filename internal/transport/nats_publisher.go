// Package transport carries fused alert events from the Session
// Supervisor (C9) out to downstream consumers: the live websocket push
// to the embedding exam UI and any external SIEM/export subscriber.
// Adapted from the teacher's internal/nvr.NATSPublisher, generalized
// from a VmsEvent payload to model.Event; retries keep a linear backoff
// with no jitter.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/proctorkernel/internal/model"
)

type EventPublisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewEventPublisher(conn *nats.Conn, subject string, maxRetries int) *EventPublisher {
	return &EventPublisher{conn: conn, subject: subject, maxRetries: maxRetries}
}

// Publish sends one fused event, retrying with linear backoff on
// transient publish errors: after failed attempt i (0-based) it sleeps
// i*100ms, so a publish that fails every attempt sleeps
// 100ms*maxRetries*(maxRetries+1)/2 in total (600ms for maxRetries=3).
// The Supervisor calls it inline from its alert path.
func (p *EventPublisher) Publish(evt model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := p.subject + "." + evt.SessionID

	var lastErr error
	for i := 0; i <= p.maxRetries; i++ {
		if lastErr = p.conn.Publish(subject, data); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, lastErr)
}

// EventSubscriber subscribes to a session's fused-event subject, used by
// the websocket boundary to push warnings to the exam UI as they fire.
type EventSubscriber struct {
	conn    *nats.Conn
	subject string
}

func NewEventSubscriber(conn *nats.Conn, subject string) *EventSubscriber {
	return &EventSubscriber{conn: conn, subject: subject}
}

func (s *EventSubscriber) SubscribeSession(sessionID string, handler func(model.Event)) (*nats.Subscription, error) {
	subject := s.subject + "." + sessionID
	return s.conn.Subscribe(subject, func(msg *nats.Msg) {
		var evt model.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		handler(evt)
	})
}
