package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
	"github.com/atvirokodosprendimai/revaudit/internal/core/workunit"
)

type coordinatorState int

const (
	stateIdle coordinatorState = iota
	stateCollecting
	stateAllocated
	stateFlushing
	stateDone
)

func (s coordinatorState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateCollecting:
		return "COLLECTING"
	case stateAllocated:
		return "REVISION_ALLOCATED"
	case stateFlushing:
		return "FLUSHING"
	case stateDone:
		return "DONE"
	default:
		return fmt.Sprintf("coordinatorState(%d)", int(s))
	}
}

// Coordinator collects the audit work of one host transaction and writes it
// as a single revision right before the transaction commits.
type Coordinator struct {
	engine *Engine
	tx     ports.Transaction
	log    logrus.FieldLogger

	mu           sync.Mutex
	state        coordinatorState
	queue        *workunit.Queue
	rev          *domain.Revision
	persistEmpty bool
}

func newCoordinator(e *Engine, tx ports.Transaction) *Coordinator {
	return &Coordinator{
		engine: e,
		tx:     tx,
		log:    e.log.WithField("tx", tx.ID()),
		queue:  workunit.NewQueue(e.cfg.Resurrection),
	}
}

func (c *Coordinator) enqueue(direct workunit.Unit, changes []workunit.CollectionChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= stateFlushing {
		return domain.NewAuditError("track change", "%s changed after the revision was flushed", direct.Target())
	}
	if err := c.queue.Add(direct); err != nil {
		return err
	}
	for _, cc := range changes {
		if err := c.queue.Add(cc); err != nil {
			return err
		}
	}
	if c.state == stateIdle {
		c.state = stateCollecting
	}
	c.log.WithFields(logrus.Fields{
		"entity":  direct.Target().String(),
		"unit":    fmt.Sprintf("%T", direct),
		"inverse": len(changes),
	}).Debug("audit change queued")
	return nil
}

func (c *Coordinator) current(ctx context.Context, persist bool) (*domain.Revision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state >= stateFlushing {
		return nil, domain.NewAuditError("current revision", "revision already flushed")
	}
	if persist {
		c.persistEmpty = true
	}
	if err := c.allocate(ctx); err != nil {
		return nil, err
	}
	return c.rev, nil
}

// allocate must be called with mu held.
func (c *Coordinator) allocate(ctx context.Context) error {
	if c.rev != nil {
		return nil
	}
	if !c.tx.Active() {
		return &domain.AuditError{Op: "allocate revision", Err: domain.ErrTransactionInactive}
	}
	id, err := c.engine.allocator.Next(ctx)
	if err != nil {
		return err
	}
	rev := &domain.Revision{ID: id, Timestamp: c.engine.clock().UTC().Truncate(time.Millisecond)}
	if c.engine.listener != nil {
		c.engine.listener.NewRevision(ctx, c.tx, rev)
	}
	c.rev = rev
	c.state = stateAllocated
	c.engine.metrics.RevisionAllocated()
	c.log = c.log.WithField("revision", id)
	return nil
}

// beforeCommit runs inside the host transaction. Any error aborts the commit.
func (c *Coordinator) beforeCommit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateDone {
		return nil
	}
	if !c.tx.Active() {
		return &domain.AuditError{Op: "flush revision", Err: domain.ErrTransactionInactive}
	}

	rows, err := c.prepare(ctx, c.queue.Drain())
	if err != nil {
		return err
	}
	if len(rows) == 0 && !c.persistEmpty {
		c.state = stateDone
		return nil
	}
	if err := c.allocate(ctx); err != nil {
		return err
	}
	for n := range rows {
		rows[n].Revision = c.rev.ID
	}

	c.state = stateFlushing
	if err := c.engine.writer.Write(ctx, c.tx, *c.rev, rows); err != nil {
		return err
	}
	for _, obs := range c.engine.observers {
		if err := obs.RevisionWritten(ctx, c.tx, *c.rev, rows); err != nil {
			return err
		}
	}
	c.state = stateDone
	c.log.WithField("rows", len(rows)).Info("revision flushed")
	return nil
}

func (c *Coordinator) completed(committed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !committed && c.rev != nil {
		c.engine.metrics.RevisionAbandoned()
		c.log.Warn("revision abandoned by rollback")
	}
	c.queue.Drain()
	c.state = stateDone
}

// prepare turns effective units into audit rows, loading the current state of
// entities touched only through collection changes.
func (c *Coordinator) prepare(ctx context.Context, effective []workunit.Effective) ([]domain.AuditRow, error) {
	build := newRowBuilder(c.engine.meta, c.engine.codec, c.engine.cfg)
	rows := make([]domain.AuditRow, 0, len(effective))
	for _, eff := range effective {
		var loaded domain.State
		if eff.Unit == nil {
			state, found, err := c.engine.states.LoadState(ctx, c.tx, eff.Target.Entity, eff.Target.ID)
			if err != nil {
				return nil, err
			}
			if !found {
				c.log.WithField("entity", eff.Target.String()).Debug("collection change target no longer exists")
				continue
			}
			loaded = state
		}
		row, keep, err := build.row(eff, loaded)
		if err != nil {
			return nil, err
		}
		if keep {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
