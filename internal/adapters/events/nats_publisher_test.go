package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

type fakeNATSConn struct {
	msgs       []*nats.Msg
	publishErr error
	flushes    int
	closed     bool
}

func (f *fakeNATSConn) PublishMsg(m *nats.Msg) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeNATSConn) FlushWithContext(context.Context) error {
	f.flushes++
	return nil
}

func (f *fakeNATSConn) Close() { f.closed = true }

func TestNATSPublisherSetsSubjectAndHeaders(t *testing.T) {
	conn := &fakeNATSConn{}
	pub := newNATSPublisher(conn, "")
	event := domain.RevisionEvent{EventID: "evt-9", EventType: domain.EventRevisionCommitted, SchemaVersion: 1, Revision: 9}

	if err := pub.Publish(context.Background(), "revisions.committed", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(conn.msgs) != 1 || conn.flushes != 1 {
		t.Fatalf("expected one flushed message, got %d msgs %d flushes", len(conn.msgs), conn.flushes)
	}
	msg := conn.msgs[0]
	if msg.Subject != "revaudit.revisions.committed" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if got := msg.Header.Get(nats.MsgIdHdr); got != "evt-9" {
		t.Fatalf("unexpected msg id header %q", got)
	}
	if got := msg.Header.Get("Revaudit-Revision"); got != "9" {
		t.Fatalf("unexpected revision header %q", got)
	}
	var decoded domain.RevisionEvent
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Revision != 9 {
		t.Fatalf("unexpected payload revision %d", decoded.Revision)
	}

	if err := pub.Close(); err != nil || conn.closed {
		t.Fatalf("borrowed connection must stay open: closed=%v err=%v", conn.closed, err)
	}
}

func TestNATSPublisherWrapsPublishError(t *testing.T) {
	boom := errors.New("nats: connection closed")
	pub := newNATSPublisher(&fakeNATSConn{publishErr: boom}, "audit.")
	err := pub.Publish(context.Background(), "revisions.committed", domain.RevisionEvent{EventID: "e"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}

type recordingPublisher struct {
	topics []string
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, _ domain.RevisionEvent) error {
	r.topics = append(r.topics, topic)
	return r.err
}

func TestMultiPublisherDeliversToAll(t *testing.T) {
	boom := errors.New("down")
	first := &recordingPublisher{err: boom}
	second := &recordingPublisher{}
	multi := NewMultiPublisher(first, second, NewLogPublisher(nil))

	err := multi.Publish(context.Background(), "revisions.committed", domain.RevisionEvent{EventID: "e", Revision: 1})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(first.topics) != 1 || len(second.topics) != 1 {
		t.Fatalf("expected delivery to every publisher: %v %v", first.topics, second.topics)
	}
}
