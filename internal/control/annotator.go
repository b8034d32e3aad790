// Package control wires the annotation pipeline and manages its lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/vietddude/annotator/internal/annotating/health"
	"github.com/vietddude/annotator/internal/annotating/worker"
	"github.com/vietddude/annotator/internal/core/config"
	"github.com/vietddude/annotator/internal/infra/classifier"
	redisclient "github.com/vietddude/annotator/internal/infra/redis"
	"github.com/vietddude/annotator/internal/infra/storage"
	"github.com/vietddude/annotator/internal/infra/storage/memory"
	"github.com/vietddude/annotator/internal/infra/storage/postgres"
)

// Annotator is the main application struct that manages the worker lifecycle.
type Annotator struct {
	cfg          *config.AppConfig
	workerID     string
	store        storage.DocumentStore
	sinkDB       *postgres.DB
	classifier   classifier.Classifier
	worker       *worker.Worker
	redisClient  *redisclient.Client
	healthServer *health.Server
	mem          *memory.MemoryStorage
	log          *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// NewAnnotator creates a new Annotator with all dependencies initialized.
func NewAnnotator(ctx context.Context, cfg *config.AppConfig) (_ *Annotator, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Annotator{
		cfg:      cfg,
		workerID: uuid.NewString(),
		done:     make(chan struct{}),
		log:      slog.Default(),
	}
	defer func() {
		if err != nil {
			a.closeAll(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Store.Driver == config.DriverMemory || cfg.Sink.Driver == config.DriverMemory {
		a.mem = memory.NewMemoryStorage()
	}

	// 1. Document store
	a.store, err = OpenStore(ctx, cfg.Store, a.mem)
	if err != nil {
		return nil, err
	}

	// 2. Sink
	sink, sinkDB, err := OpenSink(ctx, cfg.Sink, cfg.Worker.Upsert, a.mem)
	if err != nil {
		return nil, err
	}
	a.sinkDB = sinkDB

	// 3. Classifier and label rules
	a.classifier, err = classifier.New(ctx, cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("failed to init classifier: %w", err)
	}

	mapper, err := cfg.Labels.Mapper()
	if err != nil {
		return nil, err
	}

	// 4. Optional quarantine ledger
	var ledger worker.Ledger
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.log.Warn("Failed to connect to Redis, quarantine ledger disabled", "error", err)
		} else {
			a.redisClient = client
			ledger = redisclient.NewQuarantineLedger(client, cfg.Redis.TTL)
			a.log.Info("Quarantine ledger enabled")
		}
	}

	a.worker = worker.NewWorker(cfg.Worker, a.store, a.workerID, a.classifier, mapper, sink, ledger)

	// 5. Health
	if cfg.Server.Port > 0 {
		var deps []health.Dependency
		if a.sinkDB != nil {
			deps = append(deps, health.Dependency{Name: "sink", Pinger: a.sinkDB, Critical: true})
		}
		if a.redisClient != nil {
			deps = append(deps, health.Dependency{Name: "redis", Pinger: a.redisClient})
		}
		monitor := health.NewMonitor(a.store, a.worker, deps...)
		a.healthServer = health.NewServer(monitor, cfg.Server.Port)
	}

	a.log.Info("Annotator initialized", "worker_id", a.workerID)
	return a, nil
}

// WorkerID returns the id stamped on every lock taken by this process.
func (a *Annotator) WorkerID() string {
	return a.workerID
}

// Worker returns the annotation worker.
func (a *Annotator) Worker() *worker.Worker {
	return a.worker
}

// Start starts the worker and the health server. It does not block.
func (a *Annotator) Start(ctx context.Context) error {
	if a.cancel != nil {
		return errors.New("annotator already started")
	}

	// Start Health Server
	if a.healthServer != nil {
		go func() {
			if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Health server failed", "error", err)
			}
		}()
	}

	// Start DB Metrics Collector
	if a.sinkDB != nil {
		a.sinkDB.StartMetricsCollector(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go func() {
		defer close(a.done)
		a.runErr = a.worker.Run(runCtx)
	}()

	return nil
}

// Done is closed once the worker loop has returned, either because the
// target was reached or because Stop was called.
func (a *Annotator) Done() <-chan struct{} {
	return a.done
}

// Err returns the worker loop result once Done is closed.
func (a *Annotator) Err() error {
	select {
	case <-a.done:
		return a.runErr
	default:
		return nil
	}
}

// Stop asks the worker to stop at its next idle point, waits for the batch
// in flight and releases every connection.
func (a *Annotator) Stop(ctx context.Context) error {
	a.log.Info("Stopping Annotator...")

	var err error
	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			err = fmt.Errorf("worker did not finish its batch: %w", ctx.Err())
		}
	}

	return errors.Join(err, a.closeAll(ctx))
}

func (a *Annotator) closeAll(ctx context.Context) error {
	var errs []error

	if a.healthServer != nil {
		if err := a.healthServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	if a.classifier != nil {
		if err := a.classifier.Close(); err != nil {
			a.log.Warn("Failed to close classifier", "error", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.sinkDB != nil {
		if err := a.sinkDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink db: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
