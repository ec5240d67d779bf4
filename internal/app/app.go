package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/atvirokodosprendimai/revaudit/internal/adapters/events"
	"github.com/atvirokodosprendimai/revaudit/internal/adapters/httpapi"
	"github.com/atvirokodosprendimai/revaudit/internal/adapters/promstats"
	"github.com/atvirokodosprendimai/revaudit/internal/adapters/redisseq"
	sqliteadapter "github.com/atvirokodosprendimai/revaudit/internal/adapters/sqlite"
	"github.com/atvirokodosprendimai/revaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/revaudit/internal/config"
	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/mapping"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
	"github.com/atvirokodosprendimai/revaudit/internal/core/revision"
	"github.com/atvirokodosprendimai/revaudit/internal/core/usecase"
	"github.com/atvirokodosprendimai/revaudit/migrations"
)

type Config struct {
	Addr        string
	DBPath      string
	MappingPath string
	// Allocator overrides the strategy named in the mapping document.
	Allocator      string
	SequenceDBPath string
	RedisAddr      string
	WebhookURL     string
	WebhookSecret  string
	NATSURL        string
	Logger         *logrus.Logger
}

type resourceCloser struct {
	closers []io.Closer
}

func (r resourceCloser) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Runtime is the assembled audit engine over the SQLite host store.
type Runtime struct {
	Registry  *mapping.Registry
	Engine    *usecase.Engine
	Entities  *usecase.EntityService
	Outbox    *sqliteadapter.OutboxRepository
	Publisher ports.EventPublisher
	Metrics   *prometheus.Registry

	log     logrus.FieldLogger
	closers resourceCloser
}

// Open loads the mapping, migrates the database and builds the engine. The
// caller owns the returned runtime and must Close it.
func Open(ctx context.Context, cfg Config) (*Runtime, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	doc, err := config.Load(cfg.MappingPath)
	if err != nil {
		return nil, err
	}
	meta, err := doc.Registry()
	if err != nil {
		return nil, fmt.Errorf("build mapping: %w", err)
	}

	db, err := gormsqlite.Open(cfg.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("open cqrs sqlite: %w", err)
	}
	rt := &Runtime{Registry: meta, log: log}
	fail := func(err error) (*Runtime, error) {
		_ = rt.closers.Close()
		_ = db.Close()
		return nil, err
	}

	writeSQLDB, err := db.WriteSQLDB()
	if err != nil {
		return fail(fmt.Errorf("resolve writer sql db: %w", err))
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	schemaVersion, err := migrations.Apply(setupCtx, writeSQLDB, log)
	if err != nil {
		return fail(err)
	}
	if err := sqliteadapter.EnsureAuditTables(setupCtx, db, meta); err != nil {
		return fail(err)
	}

	audit := sqliteadapter.NewAuditStore(db, meta.Config())
	store := sqliteadapter.NewEntityStore(db, meta)
	rt.Outbox = sqliteadapter.NewOutboxRepository(db)

	allocSettings := doc.Allocator()
	if cfg.Allocator != "" {
		allocSettings.Strategy = cfg.Allocator
	}
	seq, seqCloser, err := sequenceSource(setupCtx, cfg, allocSettings, log)
	if err != nil {
		return fail(err)
	}
	rt.closers.closers = append(rt.closers.closers, seqCloser)
	strategy, err := revision.NewStrategy(allocSettings.Strategy, audit, seq, allocSettings.BlockSize)
	if err != nil {
		return fail(err)
	}

	rt.Metrics = prometheus.NewRegistry()
	rt.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt.Entities = usecase.NewEntityService(store)
	rt.Engine, err = usecase.NewEngine(usecase.EngineDeps{
		Metadata:  meta,
		Config:    meta.Config(),
		Rows:      audit,
		Query:     audit,
		States:    store,
		Resolver:  store,
		Allocator: revision.NewAllocator(strategy),
		Listener:  usecase.ActorListener(),
		Observers: []ports.RevisionObserver{sqliteadapter.NewOutboxWriter(nil), rt.Entities},
		Metrics:   promstats.New(rt.Metrics),
		Logger:    log,
	})
	if err != nil {
		return fail(err)
	}
	store.SetListener(rt.Engine)

	publisher, pubClosers, err := newPublisher(cfg, log)
	if err != nil {
		return fail(err)
	}
	rt.Publisher = publisher
	rt.closers.closers = append(rt.closers.closers, pubClosers...)
	rt.closers.closers = append(rt.closers.closers, db)

	log.WithFields(logrus.Fields{
		"entities":       len(meta.Entities()),
		"allocator":      strategy.Name(),
		"schema_version": schemaVersion,
	}).Info("audit engine ready")
	return rt, nil
}

func (rt *Runtime) Close() error {
	return rt.closers.Close()
}

func NewServer(ctx context.Context, cfg Config) (*http.Server, io.Closer, error) {
	rt, err := Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	dispatcher := usecase.NewOutboxDispatcher(rt.Outbox, rt.Publisher, rt.log, usecase.DispatcherOptions{
		Interval:  2 * time.Second,
		BatchSize: 100,
		Ordered:   true,
	})
	promstats.RegisterDispatcher(rt.Metrics, dispatcher)
	dispatcher.Start(context.Background())

	handler := httpapi.NewHandler(rt.Entities, rt.Engine, rt.Registry, promhttp.HandlerFor(rt.Metrics, promhttp.HandlerOpts{}), rt.log)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server, resourceCloser{closers: []io.Closer{dispatcher, rt}}, nil
}

// Replay republishes the events of every revision after afterRevision to the
// configured publishers and returns how many were sent. Event ids are
// derived from the revision, so receivers can drop duplicates.
func Replay(ctx context.Context, cfg Config, afterRevision int64) (int, error) {
	rt, err := Open(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer rt.Close()

	reader := rt.Engine.NewReader()
	defer reader.Close()

	sent := 0
	err = usecase.ReplayRevisions(ctx, reader, afterRevision, 100, func(event domain.RevisionEvent) error {
		if err := rt.Publisher.Publish(ctx, sqliteadapter.TopicRevisionCommitted, event); err != nil {
			return err
		}
		sent++
		return nil
	})
	rt.log.WithFields(logrus.Fields{"after": afterRevision, "sent": sent}).Info("replay finished")
	return sent, err
}

// sequenceSource opens the external sequence every strategy draws from:
// Redis when an address is configured, otherwise a separate SQLite file next
// to the main database. It commits apart from the host transaction.
func sequenceSource(ctx context.Context, cfg Config, alloc config.AllocatorSection, log logrus.FieldLogger) (ports.SequenceSource, io.Closer, error) {
	if cfg.RedisAddr != "" {
		seq, err := redisseq.New(redisseq.Config{Addr: cfg.RedisAddr, Key: alloc.RedisKey})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis sequence: %w", err)
		}
		return seq, seq, nil
	}

	path := cfg.SequenceDBPath
	if path == "" {
		path = cfg.DBPath + ".seq"
	}
	seqDB, err := gormsqlite.Open(path, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open sequence sqlite: %w", err)
	}
	seq := sqliteadapter.NewSequenceStore(seqDB, "")
	if err := seq.EnsureSchema(ctx); err != nil {
		_ = seqDB.Close()
		return nil, nil, err
	}
	return seq, seqDB, nil
}

func newPublisher(cfg Config, log logrus.FieldLogger) (ports.EventPublisher, []io.Closer, error) {
	var publishers []ports.EventPublisher
	var closers []io.Closer
	if cfg.WebhookURL != "" {
		publishers = append(publishers, events.NewWebhookPublisher(events.WebhookConfig{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}))
	}
	if cfg.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATSURL, "")
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		publishers = append(publishers, nats)
		closers = append(closers, nats)
	}
	switch len(publishers) {
	case 0:
		return events.NewLogPublisher(log), nil, nil
	case 1:
		return publishers[0], closers, nil
	default:
		return events.NewMultiPublisher(publishers...), closers, nil
	}
}
