package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

type cacheKey struct {
	root     domain.EntityName
	key      domain.CanonicalKey
	revision int64
}

// Reader is a historical read session. Within one session, lookups of the
// same entity at the same revision return the same *Snapshot. A Reader must
// not be shared between goroutines.
type Reader struct {
	meta    ports.Metadata
	codec   *domain.IdentifierCodec
	planner *RevisionQueryPlanner
	query   ports.RowQuerier
	metrics ports.Metrics
	cfg     domain.AuditConfig

	cache  map[cacheKey]*Snapshot
	closed bool
}

func newReader(e *Engine) *Reader {
	return &Reader{
		meta:    e.meta,
		codec:   e.codec,
		planner: e.planner,
		query:   e.query,
		metrics: e.metrics,
		cfg:     e.cfg,
		cache:   make(map[cacheKey]*Snapshot),
	}
}

// Close ends the session and drops its cache.
func (r *Reader) Close() {
	r.cache = nil
	r.closed = true
}

// Find returns entity id as it existed at revision rev, or nil if it had no
// history yet or had been deleted by then.
func (r *Reader) Find(ctx context.Context, entity domain.EntityName, id domain.Identifier, rev int64) (*Snapshot, error) {
	if err := r.check(entity, rev); err != nil {
		return nil, err
	}
	norm, err := r.codec.Normalize(entity, id)
	if err != nil {
		return nil, err
	}
	key, err := r.codec.Encode(entity, norm)
	if err != nil {
		return nil, err
	}
	if cached, ok := r.cache[cacheKey{root: r.meta.Root(entity), key: key, revision: rev}]; ok {
		r.metrics.CacheLookup(true)
		return r.narrow(cached, entity), nil
	}
	r.metrics.CacheLookup(false)

	q, err := r.planner.Plan(Criteria{Entity: entity, AtRevision: rev, IncludeDeleted: true, ID: &norm, AnyVariant: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	rows, err := r.query.QueryRows(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	snap, err := r.materialize(rows[0], rev)
	if err != nil {
		return nil, err
	}
	if snap.Deleted() {
		return nil, nil
	}
	return r.narrow(snap, entity), nil
}

// Revisions lists, ascending, every revision that wrote a row for id.
func (r *Reader) Revisions(ctx context.Context, entity domain.EntityName, id domain.Identifier) ([]int64, error) {
	if err := r.check(entity, 1); err != nil {
		return nil, err
	}
	q, err := r.planner.Plan(Criteria{Entity: entity, ID: &id})
	if err != nil {
		return nil, err
	}
	rows, err := r.query.QueryRows(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(rows))
	for _, row := range rows {
		rev, err := rowInt64(row[domain.ColumnRevision])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", domain.ColumnRevision, err)
		}
		out = append(out, rev)
	}
	return out, nil
}

// FindRevision loads the revision row of rev.
func (r *Reader) FindRevision(ctx context.Context, rev int64) (domain.Revision, error) {
	if err := r.check("", rev); err != nil {
		return domain.Revision{}, err
	}
	rows, err := r.query.QueryRows(ctx, domain.RowQuery{
		Table: r.cfg.RevisionTable,
		Where: []domain.Predicate{{Column: domain.ColumnRevisionID, Op: domain.OpEq, Value: rev}},
		Limit: 1,
	})
	if err != nil {
		return domain.Revision{}, err
	}
	if len(rows) == 0 {
		return domain.Revision{}, fmt.Errorf("revision %d: %w", rev, domain.ErrRevisionNotFound)
	}
	return decodeRevision(rows[0])
}

func (r *Reader) RevisionDate(ctx context.Context, rev int64) (time.Time, error) {
	info, err := r.FindRevision(ctx, rev)
	if err != nil {
		return time.Time{}, err
	}
	return info.Timestamp, nil
}

// RevisionForDate returns the greatest revision committed at or before at.
func (r *Reader) RevisionForDate(ctx context.Context, at time.Time) (int64, error) {
	if r.closed {
		return 0, domain.NewAuditError("read history", "reader session is closed")
	}
	rows, err := r.query.QueryRows(ctx, domain.RowQuery{
		Table: r.cfg.RevisionTable,
		Where: []domain.Predicate{{Column: domain.ColumnRevisionTimestamp, Op: domain.OpLe, Value: at.UnixMilli()}},
		OrderBy: []domain.OrderBy{
			{Column: domain.ColumnRevisionTimestamp, Desc: true},
			{Column: domain.ColumnRevisionID, Desc: true},
		},
		Limit: 1,
	})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("no revision at or before %s: %w", at.UTC().Format(time.RFC3339), domain.ErrRevisionNotFound)
	}
	return rowInt64(rows[0][domain.ColumnRevisionID])
}

// EntityTypesChangedAt lists the entity types that got a row in rev.
func (r *Reader) EntityTypesChangedAt(ctx context.Context, rev int64) ([]domain.EntityName, error) {
	if err := r.check("", rev); err != nil {
		return nil, err
	}
	if !r.cfg.TrackEntityChanges {
		return nil, domain.NewAuditError("entity types changed", "entity change tracking is disabled")
	}
	rows, err := r.query.QueryRows(ctx, domain.RowQuery{
		Table:   r.cfg.ChangesTable,
		Where:   []domain.Predicate{{Column: domain.ColumnRevision, Op: domain.OpEq, Value: rev}},
		OrderBy: []domain.OrderBy{{Column: domain.ColumnEntityName}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.EntityName, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.EntityName(rowString(row[domain.ColumnEntityName])))
	}
	return out, nil
}

// EntitiesAtRevision starts a query over entity as of rev: for each
// identifier, its latest row not above rev.
func (r *Reader) EntitiesAtRevision(entity domain.EntityName, rev int64) *AuditQuery {
	q := &AuditQuery{reader: r, criteria: Criteria{Entity: entity, AtRevision: rev}}
	q.err = r.check(entity, rev)
	return q
}

// RevisionsOfEntity starts a query over every row of entity, oldest first.
func (r *Reader) RevisionsOfEntity(entity domain.EntityName) *AuditQuery {
	q := &AuditQuery{reader: r, criteria: Criteria{Entity: entity, WithTime: true}}
	q.err = r.check(entity, 1)
	return q
}

func (r *Reader) check(entity domain.EntityName, rev int64) error {
	if r.closed {
		return domain.NewAuditError("read history", "reader session is closed")
	}
	if rev <= 0 {
		return domain.NewAuditError("read history", "revision must be positive, got %d", rev)
	}
	if entity != "" && !r.meta.IsTracked(entity) {
		return domain.NewMappingError(entity, "", "entity is not tracked")
	}
	return nil
}

func (r *Reader) narrow(s *Snapshot, entity domain.EntityName) *Snapshot {
	if !r.meta.IsA(s.Entity, entity) {
		return nil
	}
	return s
}

// materialize builds the snapshot of row requested at rev, reusing the
// session's node for that key. DEL rows are never cached.
func (r *Reader) materialize(row map[string]any, rev int64) (*Snapshot, error) {
	entity := domain.EntityName(rowString(row[domain.ColumnEntityName]))
	if !r.meta.IsTracked(entity) {
		return nil, domain.NewMappingError(entity, "", "audit row of untracked entity")
	}
	id, present, err := r.codec.FromColumns(entity, "", row)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, domain.NewMappingError(entity, "", "audit row without identifier")
	}
	key, err := r.codec.Encode(entity, id)
	if err != nil {
		return nil, err
	}
	rowRev, err := rowInt64(row[domain.ColumnRevision])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", domain.ColumnRevision, err)
	}
	rawType, err := rowInt64(row[domain.ColumnRevisionType])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", domain.ColumnRevisionType, err)
	}
	typ := domain.RevisionType(rawType)

	ck := cacheKey{root: r.meta.Root(entity), key: key, revision: rev}
	if typ != domain.RevisionDel {
		if cached, ok := r.cache[ck]; ok {
			return cached, nil
		}
	}

	snap := &Snapshot{
		reader:      r,
		Entity:      entity,
		ID:          id,
		Revision:    rev,
		RowRevision: rowRev,
		Type:        typ,
		values:      make(map[string]any),
		refs:        make(map[string]domain.Ref),
	}
	if raw := rowString(row[domain.ColumnModified]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &snap.Modified); err != nil {
			return nil, fmt.Errorf("decode %s: %w", domain.ColumnModified, err)
		}
	}

	props, err := r.meta.TrackedProperties(entity)
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		switch p.Kind {
		case domain.PropertyBasic:
			v, err := domain.CoerceValue(p.Type, row[p.Column])
			if err != nil {
				return nil, domain.NewMappingError(entity, p.Name, "%v", err)
			}
			snap.values[p.Name] = v
		case domain.PropertyToOne:
			target, ok, err := r.codec.FromColumns(p.Target, p.Column, row)
			if err != nil {
				return nil, err
			}
			if ok {
				snap.refs[p.Name] = domain.Ref{Entity: p.Target, ID: target, Placeholder: true}
			}
		}
	}

	if typ != domain.RevisionDel {
		r.cache[ck] = snap
	}
	return snap, nil
}

// HistoryEntry is one row returned by an audit query.
type HistoryEntry struct {
	Snapshot  *Snapshot
	Revision  int64
	Timestamp time.Time
	Type      domain.RevisionType
}

// AuditQuery is a range query built from a Reader. Methods chain; the first
// invalid argument is reported by Results.
type AuditQuery struct {
	reader   *Reader
	criteria Criteria
	err      error
}

// IncludeDeleted keeps identifiers whose latest row is a DEL row.
func (q *AuditQuery) IncludeDeleted() *AuditQuery {
	q.criteria.IncludeDeleted = true
	return q
}

func (q *AuditQuery) ID(id domain.Identifier) *AuditQuery {
	q.criteria.ID = &id
	return q
}

// Between restricts rows to revisions from..to inclusive; zero leaves a side
// open.
func (q *AuditQuery) Between(from, to int64) *AuditQuery {
	if from < 0 || to < 0 || (to > 0 && from > to) {
		q.fail(domain.NewAuditError("audit query", "invalid revision range %d..%d", from, to))
	}
	q.criteria.FromRevision = from
	q.criteria.ToRevision = to
	return q
}

func (q *AuditQuery) Types(types ...domain.RevisionType) *AuditQuery {
	q.criteria.Types = append(q.criteria.Types, types...)
	return q
}

// Where matches a property value; a to-one property takes a domain.Ref.
func (q *AuditQuery) Where(property string, value any) *AuditQuery {
	q.criteria.Equals = append(q.criteria.Equals, PropertyFilter{Property: property, Value: value})
	return q
}

// Changed keeps rows whose revision modified property.
func (q *AuditQuery) Changed(property string) *AuditQuery {
	q.criteria.Changed = append(q.criteria.Changed, property)
	return q
}

func (q *AuditQuery) Descending() *AuditQuery {
	q.criteria.Descending = true
	return q
}

func (q *AuditQuery) Limit(n int) *AuditQuery {
	if n < 0 {
		q.fail(domain.NewAuditError("audit query", "negative limit %d", n))
	}
	q.criteria.Limit = n
	return q
}

func (q *AuditQuery) Offset(n int) *AuditQuery {
	if n < 0 {
		q.fail(domain.NewAuditError("audit query", "negative offset %d", n))
	}
	q.criteria.Offset = n
	return q
}

func (q *AuditQuery) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

func (q *AuditQuery) Results(ctx context.Context) ([]HistoryEntry, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.criteria.ID != nil {
		norm, err := q.reader.codec.Normalize(q.criteria.Entity, *q.criteria.ID)
		if err != nil {
			return nil, err
		}
		q.criteria.ID = &norm
	}
	plan, err := q.reader.planner.Plan(q.criteria)
	if err != nil {
		return nil, err
	}
	rows, err := q.reader.query.QueryRows(ctx, plan)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		rowRev, err := rowInt64(row[domain.ColumnRevision])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", domain.ColumnRevision, err)
		}
		requested := q.criteria.AtRevision
		if requested == 0 {
			requested = rowRev
		}
		snap, err := q.reader.materialize(row, requested)
		if err != nil {
			return nil, err
		}
		entry := HistoryEntry{Snapshot: snap, Revision: rowRev, Type: snap.Type}
		if stamp, ok := row[domain.ColumnRevisionJoinStamp]; ok && stamp != nil {
			ms, err := rowInt64(stamp)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", domain.ColumnRevisionJoinStamp, err)
			}
			entry.Timestamp = time.UnixMilli(ms).UTC()
		}
		out = append(out, entry)
	}
	return out, nil
}

// Snapshots returns only the reconstructed entities of Results.
func (q *AuditQuery) Snapshots(ctx context.Context) ([]*Snapshot, error) {
	entries, err := q.Results(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, len(entries))
	for n, e := range entries {
		out[n] = e.Snapshot
	}
	return out, nil
}

func decodeRevision(row map[string]any) (domain.Revision, error) {
	id, err := rowInt64(row[domain.ColumnRevisionID])
	if err != nil {
		return domain.Revision{}, fmt.Errorf("read revision id: %w", err)
	}
	ms, err := rowInt64(row[domain.ColumnRevisionTimestamp])
	if err != nil {
		return domain.Revision{}, fmt.Errorf("read revision timestamp: %w", err)
	}
	rev := domain.Revision{ID: id, Timestamp: time.UnixMilli(ms).UTC()}
	if raw := rowString(row[domain.ColumnRevisionMetadata]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rev.Metadata); err != nil {
			return domain.Revision{}, fmt.Errorf("decode revision metadata: %w", err)
		}
	}
	return rev, nil
}

func rowInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case nil:
		return 0, fmt.Errorf("unexpected NULL")
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}

func rowString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
