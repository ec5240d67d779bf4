// Package revision hands out revision numbers. The Allocator is the only
// state shared between concurrent transactions; the numbering policy is an
// injected Strategy.
package revision

import (
	"context"
	"fmt"
	"sync"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

// Strategy produces candidate revision ids. Implementations are called with
// the allocator lock held and need no synchronisation of their own.
type Strategy interface {
	Name() string
	Next(ctx context.Context) (int64, error)
}

// Allocator serialises revision allocation and rejects any id that is not
// greater than the last one issued.
type Allocator struct {
	mu       sync.Mutex
	strategy Strategy
	last     int64
}

func NewAllocator(strategy Strategy) *Allocator {
	return &Allocator{strategy: strategy}
}

func (a *Allocator) Strategy() string {
	return a.strategy.Name()
}

// Next returns a fresh revision id. Ids are never reused; failed
// transactions leave gaps.
func (a *Allocator) Next(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.strategy.Next(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate revision (%s): %w", a.strategy.Name(), err)
	}
	if id <= 0 || id <= a.last {
		return 0, domain.NewAuditError("allocate revision", "%s strategy returned %d after %d", a.strategy.Name(), id, a.last)
	}
	a.last = id
	return id, nil
}

// Increment counts up from the highest persisted revision. The high water
// mark is read once, on first use. With a reserve, every id is also claimed
// from a durable sequence outside the host transaction, so an id handed to a
// transaction that rolls back is not issued again after a restart.
type Increment struct {
	source  ports.RevisionHighWater
	reserve ports.SequenceSource
	seeded  bool
	cur     int64
}

func NewIncrement(source ports.RevisionHighWater) *Increment {
	return &Increment{source: source}
}

// NewReservedIncrement is an Increment whose ids are claimed from reserve.
func NewReservedIncrement(source ports.RevisionHighWater, reserve ports.SequenceSource) *Increment {
	return &Increment{source: source, reserve: reserve}
}

func (s *Increment) Name() string { return "increment" }

func (s *Increment) Next(ctx context.Context) (int64, error) {
	if !s.seeded {
		if s.source != nil {
			max, err := s.source.MaxRevision(ctx)
			if err != nil {
				return 0, fmt.Errorf("read revision high water: %w", err)
			}
			s.cur = max
		}
		s.seeded = true
	}
	if s.reserve == nil {
		s.cur++
		return s.cur, nil
	}

	id, err := s.reserve.NextBlock(ctx, 1)
	if err != nil {
		return 0, fmt.Errorf("reserve revision: %w", err)
	}
	if id <= s.cur {
		// The reserve is behind the persisted revisions; skip it past them.
		size := s.cur - id + 1
		first, err := s.reserve.NextBlock(ctx, size)
		if err != nil {
			return 0, fmt.Errorf("reserve revision: %w", err)
		}
		id = first + size - 1
	}
	s.cur = id
	return id, nil
}

// Pooled reserves blocks of ids from a sequence and serves them from memory
// (hi-lo). Unused ids of a block are lost on restart.
type Pooled struct {
	source    ports.SequenceSource
	blockSize int64
	next      int64
	limit     int64
}

func NewPooled(source ports.SequenceSource, blockSize int64) *Pooled {
	if blockSize < 1 {
		blockSize = 1
	}
	return &Pooled{source: source, blockSize: blockSize}
}

func (s *Pooled) Name() string { return "pooled" }

func (s *Pooled) Next(ctx context.Context) (int64, error) {
	if s.next == 0 || s.next > s.limit {
		first, err := s.source.NextBlock(ctx, s.blockSize)
		if err != nil {
			return 0, err
		}
		s.next = first
		s.limit = first + s.blockSize - 1
	}
	id := s.next
	s.next++
	return id, nil
}

// Sequence asks an external sequence for every id.
type Sequence struct {
	source ports.SequenceSource
}

func NewSequence(source ports.SequenceSource) *Sequence {
	return &Sequence{source: source}
}

func (s *Sequence) Name() string { return "sequence" }

func (s *Sequence) Next(ctx context.Context) (int64, error) {
	return s.source.NextBlock(ctx, 1)
}

// Strategy names accepted by NewStrategy.
const (
	StrategyIncrement = "increment"
	StrategyPooled    = "pooled"
	StrategySequence  = "sequence"
)

// NewStrategy builds a strategy by name. Pooled and sequence strategies need
// a sequence source; increment claims its ids from one when given.
func NewStrategy(name string, high ports.RevisionHighWater, seq ports.SequenceSource, blockSize int64) (Strategy, error) {
	switch name {
	case "", StrategyIncrement:
		if seq != nil {
			return NewReservedIncrement(high, seq), nil
		}
		return NewIncrement(high), nil
	case StrategyPooled:
		if seq == nil {
			return nil, fmt.Errorf("pooled allocator needs a sequence source")
		}
		return NewPooled(seq, blockSize), nil
	case StrategySequence:
		if seq == nil {
			return nil, fmt.Errorf("sequence allocator needs a sequence source")
		}
		return NewSequence(seq), nil
	default:
		return nil, fmt.Errorf("unknown allocator strategy %q", name)
	}
}
