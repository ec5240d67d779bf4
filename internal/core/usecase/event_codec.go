package usecase

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

type Upcaster interface {
	FromVersion() int
	ToVersion() int
	Upcast(payload json.RawMessage) (json.RawMessage, error)
}

// EventCodec encodes revision events and decodes stored payloads of older
// schema versions through a chain of upcasters.
type EventCodec struct {
	upcasters map[int]Upcaster
}

func NewEventCodec(upcasters ...Upcaster) *EventCodec {
	m := make(map[int]Upcaster, len(upcasters))
	for _, up := range upcasters {
		m[up.FromVersion()] = up
	}
	return &EventCodec{upcasters: m}
}

// NewRevisionEvent summarises a written revision.
func NewRevisionEvent(rev domain.Revision, rows []domain.AuditRow) domain.RevisionEvent {
	changes := make([]domain.EntityChange, len(rows))
	for n, row := range rows {
		changes[n] = domain.EntityChange{Entity: row.Entity, ID: row.ID, Type: row.Type, Modified: row.Modified}
	}
	return domain.RevisionEvent{
		EventID:       RevisionEventID(rev.ID),
		EventType:     domain.EventRevisionCommitted,
		SchemaVersion: domain.CurrentEventSchemaVersion,
		Revision:      rev.ID,
		Timestamp:     rev.Timestamp,
		Metadata:      rev.Metadata,
		Changes:       changes,
	}
}

// RevisionEventID derives the event id of a revision, so an event replayed
// from the audit tables carries the id it was first published with.
func RevisionEventID(rev int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("revision:"+strconv.FormatInt(rev, 10))).String()
}

func (c *EventCodec) Encode(event domain.RevisionEvent) (json.RawMessage, error) {
	if event.SchemaVersion == 0 {
		event.SchemaVersion = domain.CurrentEventSchemaVersion
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode revision event: %w", err)
	}
	return payload, nil
}

func (c *EventCodec) Decode(payload json.RawMessage) (domain.RevisionEvent, error) {
	var head struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return domain.RevisionEvent{}, fmt.Errorf("decode event header: %w", err)
	}
	v := head.SchemaVersion
	for v < domain.CurrentEventSchemaVersion {
		up, ok := c.upcasters[v]
		if !ok {
			return domain.RevisionEvent{}, fmt.Errorf("missing upcaster from version %d", v)
		}
		next, err := up.Upcast(payload)
		if err != nil {
			return domain.RevisionEvent{}, fmt.Errorf("upcast %d->%d: %w", up.FromVersion(), up.ToVersion(), err)
		}
		payload = next
		v = up.ToVersion()
	}

	var event domain.RevisionEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.RevisionEvent{}, fmt.Errorf("decode revision event: %w", err)
	}
	event.SchemaVersion = v
	return event, nil
}
