package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

// DispatcherOptions tunes an OutboxDispatcher. Zero values take defaults.
type DispatcherOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// Ordered holds back every event behind the oldest pending one until it
	// is delivered or dead-lettered.
	Ordered bool
	Codec   *EventCodec
	Backoff func(attempt int) time.Duration
	Clock   func() time.Time
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Codec == nil {
		o.Codec = NewEventCodec()
	}
	if o.Backoff == nil {
		o.Backoff = backoffDuration
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// OutboxDispatcher publishes the revision events recorded in the outbox in
// revision order. Publish failures are retried with backoff until the
// attempt budget is spent. Undecodable payloads and events the receiver
// rejects with domain.ErrEventRejected are dead-lettered at once.
type OutboxDispatcher struct {
	repo      ports.OutboxRepository
	publisher ports.EventPublisher
	log       logrus.FieldLogger
	opts      DispatcherOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dispatched atomic.Int64
	failed     atomic.Int64
	dead       atomic.Int64
}

type OutboxDispatcherMetrics struct {
	DispatchSuccessTotal int64
	DispatchFailureTotal int64
	DispatchDeadTotal    int64
}

func NewOutboxDispatcher(repo ports.OutboxRepository, publisher ports.EventPublisher, log logrus.FieldLogger, opts DispatcherOptions) *OutboxDispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &OutboxDispatcher{
		repo:      repo,
		publisher: publisher,
		log:       log.WithField("component", "outbox"),
		opts:      opts.withDefaults(),
	}
}

func (d *OutboxDispatcher) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx)
}

// Close stops the loop and waits for the batch in flight.
func (d *OutboxDispatcher) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.WithError(err).Error("outbox dispatch batch failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce publishes one batch of due events and reports how many were
// delivered. An error means the outbox itself could not be updated.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.opts.Ordered {
		head, ok, err := d.repo.OldestPending(ctx)
		if err != nil {
			return 0, fmt.Errorf("find oldest pending: %w", err)
		}
		if ok && head.NextAttemptAt.After(d.opts.Clock()) {
			return 0, nil
		}
	}

	events, err := d.repo.FetchPending(ctx, d.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}

	sent := 0
	for _, event := range events {
		revEvent, err := d.opts.Codec.Decode(event.PayloadJSON)
		if err != nil {
			if err := d.markDead(ctx, event, event.Attempts+1, fmt.Sprintf("decode payload: %v", err)); err != nil {
				return sent, err
			}
			continue
		}

		log := d.log.WithFields(logrus.Fields{"event": event.EventID, "revision": revEvent.Revision})
		if err := d.publisher.Publish(ctx, event.Topic, revEvent); err != nil {
			log.WithError(err).Warn("publish revision event")
			if errors.Is(err, domain.ErrEventRejected) {
				if err := d.markDead(ctx, event, event.Attempts+1, err.Error()); err != nil {
					return sent, err
				}
				continue
			}
			if err := d.markFailure(ctx, event, err.Error()); err != nil {
				return sent, err
			}
			if d.opts.Ordered {
				return sent, nil
			}
			continue
		}

		if err := d.repo.MarkDispatched(ctx, event.ID); err != nil {
			return sent, fmt.Errorf("mark event %d dispatched: %w", event.ID, err)
		}
		d.dispatched.Add(1)
		sent++
		log.Debug("revision event published")
	}
	return sent, nil
}

func (d *OutboxDispatcher) markFailure(ctx context.Context, event domain.OutboxEvent, errMsg string) error {
	attempts := event.Attempts + 1
	if attempts >= d.opts.MaxAttempts {
		return d.markDead(ctx, event, attempts, errMsg)
	}
	next := d.opts.Clock().UTC().Add(d.opts.Backoff(attempts)).Format(time.RFC3339Nano)
	if err := d.repo.MarkFailed(ctx, event.ID, attempts, next, errMsg); err != nil {
		return fmt.Errorf("mark event %d failed: %w", event.ID, err)
	}
	d.failed.Add(1)
	return nil
}

func (d *OutboxDispatcher) markDead(ctx context.Context, event domain.OutboxEvent, attempts int, errMsg string) error {
	if err := d.repo.MarkDead(ctx, event.ID, attempts, errMsg); err != nil {
		return fmt.Errorf("mark event %d dead: %w", event.ID, err)
	}
	d.dead.Add(1)
	d.log.WithFields(logrus.Fields{"event": event.EventID, "attempts": attempts}).Warn("outbox event dead-lettered")
	return nil
}

func (d *OutboxDispatcher) Metrics() OutboxDispatcherMetrics {
	return OutboxDispatcherMetrics{
		DispatchSuccessTotal: d.dispatched.Load(),
		DispatchFailureTotal: d.failed.Load(),
		DispatchDeadTotal:    d.dead.Load(),
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return time.Second
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
