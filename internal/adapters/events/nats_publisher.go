package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

const defaultSubjectPrefix = "revaudit."

// natsConn captures the subset of *nats.Conn the publisher uses.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher publishes revision events to subject prefix+topic. The event
// id travels in the Nats-Msg-Id header so JetStream streams deduplicate
// redeliveries from the outbox.
type NATSPublisher struct {
	conn     natsConn
	ownsConn bool
	prefix   string
}

func NewNATSPublisher(url, subjectPrefix string) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats url not configured")
	}
	conn, err := nats.Connect(url, nats.Name("revaudit"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := newNATSPublisher(conn, subjectPrefix)
	p.ownsConn = true
	return p, nil
}

func newNATSPublisher(conn natsConn, subjectPrefix string) *NATSPublisher {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: subjectPrefix}
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event domain.RevisionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(p.prefix + topic)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, event.EventID)
	msg.Header.Set("Revaudit-Event-Type", event.EventType)
	msg.Header.Set("Revaudit-Revision", strconv.FormatInt(event.Revision, 10))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.ownsConn {
		p.conn.Close()
	}
	return nil
}
