package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/mapping"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
	"github.com/atvirokodosprendimai/revaudit/internal/core/revision"
)

// memTx is an in-memory host transaction. Audit rows are staged and become
// visible to queries only on commit.
type memTx struct {
	id     string
	active bool
	before []func(ctx context.Context) error
	after  []func(committed bool)
	staged []memRow
}

type memRow struct {
	table  string
	values map[string]any
}

func (t *memTx) ID() string   { return t.id }
func (t *memTx) Active() bool { return t.active }

func (t *memTx) BeforeCommit(fn func(ctx context.Context) error) {
	t.before = append(t.before, fn)
}

func (t *memTx) AfterCompletion(fn func(committed bool)) {
	t.after = append(t.after, fn)
}

type hostEntity struct {
	entity domain.EntityName
	state  domain.State
}

// memHost plays the host persistence runtime: current entity state, audit
// tables and the revision table, all in memory.
type memHost struct {
	meta  *mapping.Registry
	codec *domain.IdentifierCodec

	mu       sync.Mutex
	nextTx   int
	tables   map[string][]map[string]any
	entities map[string]hostEntity
	failOn   string
}

func newMemHost(meta *mapping.Registry) *memHost {
	return &memHost{
		meta:     meta,
		codec:    domain.NewIdentifierCodec(meta),
		tables:   make(map[string][]map[string]any),
		entities: make(map[string]hostEntity),
	}
}

func (h *memHost) begin() *memTx {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextTx++
	return &memTx{id: "tx-" + strconv.Itoa(h.nextTx), active: true}
}

func (h *memHost) commit(ctx context.Context, tx *memTx) error {
	for n := 0; n < len(tx.before); n++ {
		if err := tx.before[n](ctx); err != nil {
			h.rollback(tx)
			return err
		}
	}
	h.mu.Lock()
	for _, row := range tx.staged {
		h.tables[row.table] = append(h.tables[row.table], row.values)
	}
	h.mu.Unlock()
	tx.staged = nil
	tx.active = false
	for _, fn := range tx.after {
		fn(true)
	}
	return nil
}

func (h *memHost) rollback(tx *memTx) {
	tx.staged = nil
	tx.active = false
	for _, fn := range tx.after {
		fn(false)
	}
}

func (h *memHost) entityKey(entity domain.EntityName, id domain.Identifier) string {
	key, err := h.codec.Encode(entity, id)
	if err != nil {
		panic(err)
	}
	return string(h.meta.Root(entity)) + "/" + string(key)
}

func (h *memHost) put(entity domain.EntityName, id domain.Identifier, state domain.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entities[h.entityKey(entity, id)] = hostEntity{entity: entity, state: state.Clone()}
}

func (h *memHost) remove(entity domain.EntityName, id domain.Identifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entities, h.entityKey(entity, id))
}

func (h *memHost) rows(table string) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.tables[table])
}

func (h *memHost) InsertRow(_ context.Context, tx ports.Transaction, table string, values map[string]any) error {
	mtx, ok := tx.(*memTx)
	if !ok {
		return fmt.Errorf("foreign transaction %T", tx)
	}
	if h.failOn != "" && table == h.failOn {
		return errors.New("forced insert failure")
	}
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	mtx.staged = append(mtx.staged, memRow{table: table, values: cp})
	return nil
}

func (h *memHost) LoadState(_ context.Context, _ ports.Transaction, entity domain.EntityName, id domain.Identifier) (domain.State, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entities[h.entityKey(entity, id)]
	if !ok {
		return nil, false, nil
	}
	return e.state.Clone(), true, nil
}

func (h *memHost) ResolveEntity(_ context.Context, _ ports.Transaction, ref domain.Ref) (domain.EntityName, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entities[h.entityKey(ref.Entity, ref.ID)]; ok {
		return e.entity, nil
	}
	return ref.Entity, nil
}

func (h *memHost) MaxRevision(context.Context) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var max int64
	for _, row := range h.tables[h.meta.Config().RevisionTable] {
		if id := row[domain.ColumnRevisionID].(int64); id > max {
			max = id
		}
	}
	return max, nil
}

func (h *memHost) QueryRows(_ context.Context, q domain.RowQuery) ([]map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	table := h.tables[q.Table]
	var out []map[string]any
	for _, row := range table {
		ok, err := matches(row, q.Where)
		if err != nil {
			return nil, err
		}
		if !ok || (q.Latest != nil && !isLatest(table, row, q.Latest)) {
			continue
		}
		cp := make(map[string]any, len(row)+1)
		for k, v := range row {
			cp[k] = v
		}
		if j := q.Join; j != nil {
			for _, rev := range h.tables[j.Table] {
				if compare(rev[j.IDColumn], row[domain.ColumnRevision]) == 0 {
					cp[j.As] = rev[j.TimestampColumn]
				}
			}
		}
		out = append(out, cp)
	}

	sort.SliceStable(out, func(a, b int) bool {
		for _, o := range q.OrderBy {
			c := compare(out[a][o.Column], out[b][o.Column])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(row map[string]any, preds []domain.Predicate) (bool, error) {
	for _, p := range preds {
		v := row[p.Column]
		switch p.Op {
		case domain.OpIsNull:
			if v != nil {
				return false, nil
			}
		case domain.OpIn:
			values, ok := p.Value.([]any)
			if !ok {
				return false, fmt.Errorf("IN expects []any, got %T", p.Value)
			}
			if !slices.ContainsFunc(values, func(x any) bool { return v != nil && compare(v, x) == 0 }) {
				return false, nil
			}
		case domain.OpContains:
			var names []string
			if s, ok := v.(string); ok && s != "" {
				if err := json.Unmarshal([]byte(s), &names); err != nil {
					return false, err
				}
			}
			if !slices.Contains(names, fmt.Sprint(p.Value)) {
				return false, nil
			}
		default:
			if v == nil {
				return false, nil
			}
			c := compare(v, p.Value)
			var ok bool
			switch p.Op {
			case domain.OpEq:
				ok = c == 0
			case domain.OpNe:
				ok = c != 0
			case domain.OpLt:
				ok = c < 0
			case domain.OpLe:
				ok = c <= 0
			case domain.OpGt:
				ok = c > 0
			case domain.OpGe:
				ok = c >= 0
			default:
				return false, fmt.Errorf("unsupported operator %q", p.Op)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func isLatest(table []map[string]any, row map[string]any, l *domain.LatestPerKey) bool {
	var max int64
	for _, other := range table {
		same := true
		for _, col := range l.KeyColumns {
			if compare(other[col], row[col]) != 0 {
				same = false
				break
			}
		}
		if !same {
			continue
		}
		if rev := other[l.RevisionColumn].(int64); rev <= l.MaxRevision && rev > max {
			max = rev
		}
	}
	return max != 0 && row[l.RevisionColumn].(int64) == max
}

func compare(a, b any) int {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case nil:
		if b == nil {
			return 0
		}
		return -1
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type countingMetrics struct {
	mu        sync.Mutex
	allocated int
	abandoned int
	rows      map[domain.RevisionType]int
	hits      int
	misses    int
}

func (m *countingMetrics) RevisionAllocated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocated++
}

func (m *countingMetrics) RevisionAbandoned() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned++
}

func (m *countingMetrics) RowWritten(_ domain.EntityName, t domain.RevisionType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[domain.RevisionType]int)
	}
	m.rows[t]++
}

func (m *countingMetrics) CacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

// libraryMeta registers the entities the engine tests work with.
func libraryMeta(t *testing.T, cfg domain.AuditConfig) *mapping.Registry {
	t.Helper()
	r := mapping.NewRegistry(cfg)
	for _, m := range []domain.EntityMeta{
		{
			Name:       "E",
			ID:         []domain.IDComponent{{Name: "id", Kind: domain.IDKindInt}},
			Properties: []domain.PropertyMeta{{Name: "value"}},
		},
		{
			Name: "Author",
			ID:   []domain.IDComponent{{Name: "id", Kind: domain.IDKindInt}},
			Properties: []domain.PropertyMeta{
				{Name: "name"},
				{Name: "books", Kind: domain.PropertyToMany, Target: "Book", MappedBy: "author"},
			},
		},
		{
			Name: "Book",
			ID:   []domain.IDComponent{{Name: "id", Kind: domain.IDKindInt}},
			Properties: []domain.PropertyMeta{
				{Name: "title"},
				{Name: "author", Kind: domain.PropertyToOne, Target: "Author", Inverse: "books"},
			},
		},
		{
			Name:       "Ebook",
			Parent:     "Book",
			Properties: []domain.PropertyMeta{{Name: "size", Type: domain.TypeInt}},
		},
		{
			Name:       "Paperback",
			Parent:     "Book",
			Properties: []domain.PropertyMeta{{Name: "pages", Type: domain.TypeInt}},
		},
		{
			Name: "OrderLine",
			ID: []domain.IDComponent{
				{Name: "order_id", Kind: domain.IDKindInt},
				{Name: "line_no", Kind: domain.IDKindInt},
			},
			Properties: []domain.PropertyMeta{{Name: "sku"}, {Name: "qty", Type: domain.TypeInt}},
		},
	} {
		require.NoError(t, r.Register(m))
	}
	require.NoError(t, r.Validate())
	return r
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	meta    *mapping.Registry
	host    *memHost
	engine  *Engine
	metrics *countingMetrics
	events  []domain.Revision
}

func newHarness(t *testing.T, tune ...func(*domain.AuditConfig)) *harness {
	t.Helper()
	cfg := domain.DefaultAuditConfig()
	for _, fn := range tune {
		fn(&cfg)
	}
	meta := libraryMeta(t, cfg)
	host := newMemHost(meta)
	h := &harness{t: t, ctx: context.Background(), meta: meta, host: host, metrics: &countingMetrics{}}
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	engine, err := NewEngine(EngineDeps{
		Metadata:  meta,
		Config:    cfg,
		Rows:      host,
		Query:     host,
		States:    host,
		Resolver:  host,
		Allocator: revision.NewAllocator(revision.NewIncrement(host)),
		Listener:  ActorListener(),
		Observers: []ports.RevisionObserver{observerFunc(func(rev domain.Revision) { h.events = append(h.events, rev) })},
		Metrics:   h.metrics,
		Logger:    log,
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

type observerFunc func(rev domain.Revision)

func (f observerFunc) RevisionWritten(_ context.Context, _ ports.Transaction, rev domain.Revision, _ []domain.AuditRow) error {
	f(rev)
	return nil
}

// inTx runs fn in a fresh transaction and commits it.
func (h *harness) inTx(fn func(tx *memTx)) {
	h.t.Helper()
	tx := h.host.begin()
	fn(tx)
	require.NoError(h.t, h.host.commit(h.ctx, tx))
}

func (h *harness) insert(tx *memTx, entity domain.EntityName, id any, state domain.State) {
	h.t.Helper()
	ident := asID(id)
	h.host.put(entity, ident, state)
	require.NoError(h.t, h.engine.OnInsert(h.ctx, tx, entity, ident, state))
}

func (h *harness) update(tx *memTx, entity domain.EntityName, id any, state domain.State) {
	h.t.Helper()
	ident := asID(id)
	old, _, err := h.host.LoadState(h.ctx, tx, entity, ident)
	require.NoError(h.t, err)
	h.host.put(entity, ident, state)
	require.NoError(h.t, h.engine.OnUpdate(h.ctx, tx, entity, ident, old, state))
}

func (h *harness) delete(tx *memTx, entity domain.EntityName, id any) {
	h.t.Helper()
	ident := asID(id)
	old, _, err := h.host.LoadState(h.ctx, tx, entity, ident)
	require.NoError(h.t, err)
	h.host.remove(entity, ident)
	require.NoError(h.t, h.engine.OnDelete(h.ctx, tx, entity, ident, old))
}

func asID(id any) domain.Identifier {
	if ident, ok := id.(domain.Identifier); ok {
		return ident
	}
	return domain.ID(id)
}
