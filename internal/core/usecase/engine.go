package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
	"github.com/atvirokodosprendimai/revaudit/internal/core/revision"
	"github.com/atvirokodosprendimai/revaudit/internal/core/workunit"
)

// EngineDeps wires the engine to the host runtime. Metadata, Rows, Query,
// States and Allocator are required.
type EngineDeps struct {
	Metadata  ports.Metadata
	Config    domain.AuditConfig
	Rows      ports.RowWriter
	Query     ports.RowQuerier
	States    ports.StateLoader
	Resolver  ports.ReferenceResolver
	Allocator *revision.Allocator
	Listener  ports.RevisionListener
	Observers []ports.RevisionObserver
	Metrics   ports.Metrics
	Logger    logrus.FieldLogger
	Clock     func() time.Time
}

// Engine receives lifecycle notifications from the host and records them as
// revisions. It keeps one coordinator per active transaction.
type Engine struct {
	meta      ports.Metadata
	cfg       domain.AuditConfig
	codec     *domain.IdentifierCodec
	states    ports.StateLoader
	query     ports.RowQuerier
	allocator *revision.Allocator
	listener  ports.RevisionListener
	observers []ports.RevisionObserver
	metrics   ports.Metrics
	log       logrus.FieldLogger
	clock     func() time.Time

	tracker *RelationshipTracker
	writer  *AuditWriter
	planner *RevisionQueryPlanner

	coordinators sync.Map
}

var _ ports.LifecycleListener = (*Engine)(nil)

func NewEngine(deps EngineDeps) (*Engine, error) {
	switch {
	case deps.Metadata == nil:
		return nil, fmt.Errorf("engine: metadata is required")
	case deps.Rows == nil:
		return nil, fmt.Errorf("engine: row writer is required")
	case deps.Query == nil:
		return nil, fmt.Errorf("engine: row querier is required")
	case deps.States == nil:
		return nil, fmt.Errorf("engine: state loader is required")
	case deps.Allocator == nil:
		return nil, fmt.Errorf("engine: revision allocator is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	cfg := deps.Config.Normalize()
	codec := domain.NewIdentifierCodec(deps.Metadata)

	return &Engine{
		meta:      deps.Metadata,
		cfg:       cfg,
		codec:     codec,
		states:    deps.States,
		query:     deps.Query,
		allocator: deps.Allocator,
		listener:  deps.Listener,
		observers: deps.Observers,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		clock:     deps.Clock,
		tracker:   NewRelationshipTracker(deps.Metadata, deps.Resolver),
		writer:    NewAuditWriter(deps.Metadata, cfg, deps.Rows, deps.Metrics),
		planner:   NewRevisionQueryPlanner(deps.Metadata, cfg),
	}, nil
}

func (e *Engine) Config() domain.AuditConfig {
	return e.cfg
}

func (e *Engine) Metadata() ports.Metadata {
	return e.meta
}

func (e *Engine) OnInsert(ctx context.Context, tx ports.Transaction, entity domain.EntityName, id domain.Identifier, state domain.State) error {
	if !e.meta.IsTracked(entity) {
		return nil
	}
	at, err := newTarget(e.meta, e.codec, entity, id)
	if err != nil {
		return err
	}
	c, err := e.coordinatorFor(tx)
	if err != nil {
		return err
	}
	changes, err := e.tracker.Inserted(ctx, tx, at, state)
	if err != nil {
		return err
	}
	return c.enqueue(workunit.Insert{At: at, State: state.Clone()}, changes)
}

func (e *Engine) OnUpdate(ctx context.Context, tx ports.Transaction, entity domain.EntityName, id domain.Identifier, oldState, newState domain.State) error {
	if !e.meta.IsTracked(entity) {
		return nil
	}
	at, err := newTarget(e.meta, e.codec, entity, id)
	if err != nil {
		return err
	}
	c, err := e.coordinatorFor(tx)
	if err != nil {
		return err
	}
	changes, err := e.tracker.Updated(ctx, tx, at, oldState, newState)
	if err != nil {
		return err
	}
	return c.enqueue(workunit.Update{At: at, OldState: oldState.Clone(), NewState: newState.Clone()}, changes)
}

func (e *Engine) OnDelete(ctx context.Context, tx ports.Transaction, entity domain.EntityName, id domain.Identifier, lastState domain.State) error {
	if !e.meta.IsTracked(entity) {
		return nil
	}
	at, err := newTarget(e.meta, e.codec, entity, id)
	if err != nil {
		return err
	}
	c, err := e.coordinatorFor(tx)
	if err != nil {
		return err
	}
	changes, err := e.tracker.Deleted(ctx, tx, at, lastState)
	if err != nil {
		return err
	}
	return c.enqueue(workunit.Delete{At: at, LastState: lastState.Clone()}, changes)
}

// CurrentRevision allocates the revision of tx ahead of commit, so callers can
// read its number or attach metadata through the returned pointer. With
// persist set the revision row is written even if tx changes nothing.
func (e *Engine) CurrentRevision(ctx context.Context, tx ports.Transaction, persist bool) (*domain.Revision, error) {
	c, err := e.coordinatorFor(tx)
	if err != nil {
		return nil, err
	}
	return c.current(ctx, persist)
}

// NewReader opens a historical read session. Sessions are single-owner.
func (e *Engine) NewReader() *Reader {
	return newReader(e)
}

func (e *Engine) coordinatorFor(tx ports.Transaction) (*Coordinator, error) {
	if tx == nil || !tx.Active() {
		return nil, &domain.AuditError{Op: "track change", Err: domain.ErrTransactionInactive}
	}
	if existing, ok := e.coordinators.Load(tx.ID()); ok {
		return existing.(*Coordinator), nil
	}
	c := newCoordinator(e, tx)
	actual, loaded := e.coordinators.LoadOrStore(tx.ID(), c)
	if loaded {
		return actual.(*Coordinator), nil
	}
	tx.BeforeCommit(c.beforeCommit)
	tx.AfterCompletion(func(committed bool) {
		e.coordinators.Delete(tx.ID())
		c.completed(committed)
	})
	return c, nil
}

// activeCoordinators counts transactions with pending audit work.
func (e *Engine) activeCoordinators() int {
	n := 0
	e.coordinators.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func newTarget(meta ports.Metadata, codec *domain.IdentifierCodec, entity domain.EntityName, id domain.Identifier) (workunit.Target, error) {
	norm, err := codec.Normalize(entity, id)
	if err != nil {
		return workunit.Target{}, err
	}
	key, err := codec.Encode(entity, norm)
	if err != nil {
		return workunit.Target{}, err
	}
	return workunit.Target{Entity: entity, Root: meta.Root(entity), ID: norm, Key: key}, nil
}
