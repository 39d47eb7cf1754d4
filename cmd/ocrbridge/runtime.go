package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mattjoyce/ocrbridge/internal/capability"
	"github.com/mattjoyce/ocrbridge/internal/config"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/events"
	"github.com/mattjoyce/ocrbridge/internal/journal"
	"github.com/mattjoyce/ocrbridge/internal/lock"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/scheduler"
	"github.com/mattjoyce/ocrbridge/internal/storage"
	"github.com/mattjoyce/ocrbridge/internal/worker"
	"github.com/mattjoyce/ocrbridge/internal/workspace"
)

// loadConfig loads path, or the discovered config when path is empty, or
// the defaults when nothing is found.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return config.Defaults(), "", nil
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// workerFlags are command-line overrides of the worker section.
type workerFlags struct {
	langs string
	mode  string
}

func (f workerFlags) apply(cfg *config.Config) error {
	if f.langs != "" {
		cfg.Worker.Languages = engine.ParseLanguages(f.langs)
	}
	if f.mode != "" {
		if _, err := engine.ParseMode(f.mode); err != nil {
			return err
		}
		cfg.Worker.Mode = f.mode
	}
	return nil
}

// runtime is one worker with its storage, journal and event hub.
type runtime struct {
	cfg     *config.Config
	worker  *worker.Worker
	hub     *events.Hub
	journal *journal.Journal
	cache   scheduler.Pruner
	logger  *slog.Logger

	closers []func() error
}

func (r *runtime) Close() error {
	var errs []error
	if r.worker != nil {
		if err := r.worker.Terminate(); err != nil && !errors.Is(err, worker.ErrTerminated) {
			errs = append(errs, err)
		}
	}
	if r.hub != nil {
		r.hub.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startRuntime locks the sandbox directory and spawns a worker. The caller
// owns the returned runtime and must Close it.
func startRuntime(ctx context.Context, cfg *config.Config, configPath string) (_ *runtime, err error) {
	r := &runtime{
		cfg:    cfg,
		hub:    events.NewHub(256),
		logger: log.WithComponent("main"),
	}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	dirLock, err := lock.Acquire(cfg.Sandbox.Dir)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, dirLock.Release)

	dbs := map[string]*sql.DB{}
	openDB := func(path string) (*sql.DB, error) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		if db, ok := dbs[abs]; ok {
			return db, nil
		}
		db, err := storage.OpenSQLite(ctx, abs)
		if err != nil {
			return nil, err
		}
		dbs[abs] = db
		r.closers = append(r.closers, db.Close)
		return db, nil
	}

	var (
		store   capability.FS
		baseDir string
	)
	switch cfg.Sandbox.Backend {
	case config.BackendSQLite:
		db, err := openDB(cfg.Sandbox.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		blobs := storage.NewBlobStore(db)
		store = blobs
		r.cache = blobPruner(blobs)
	default:
		mgr, err := workspace.NewFSManager(cfg.Sandbox.Dir)
		if err != nil {
			return nil, err
		}
		ws, err := mgr.Create(ctx, cacheWorkspace)
		if err != nil {
			return nil, err
		}
		store = workspace.NewStore(ws)
		baseDir = ws.Dir
		r.cache = fsPruner(mgr)
	}

	if cfg.Journal.Enabled {
		db, err := openDB(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		r.journal = journal.New(db)
		if n, err := r.journal.MarkAbandoned(ctx); err != nil {
			r.logger.Warn("failed to settle abandoned jobs", "error", err)
		} else if n > 0 {
			r.logger.Info("settled abandoned jobs from a previous run", "count", n)
		}
	}

	mode, err := cfg.Worker.EngineMode()
	if err != nil {
		return nil, err
	}

	workerID, jobIDs := cfg.Worker.IDSources()
	opts := worker.Options{
		ID:         workerID,
		JobIDs:     jobIDs,
		Langs:      cfg.Worker.Languages,
		Mode:       mode,
		Config:     engine.Settings(cfg.Worker.EngineConfig),
		LegacyCore: cfg.Worker.LegacyCore,
		LegacyLang: cfg.Worker.LegacyLang,
		Core:       engine.CoreOptions{CorePath: cfg.Worker.CorePath},
		Language:   cfg.Worker.LanguageOptions(),
		Spawner:    spawner(cfg, configPath),
		Fetcher:    capability.NewHTTPFetcher(cfg.Network.Timeout, cfg.Network.MaxBytes),
		Storage:    store,
		BaseDir:    baseDir,
		Events:     r.hub,
		ErrorSink: func(err error) {
			r.logger.Error("worker error", "error", err)
		},
	}
	if r.journal != nil {
		opts.Observer = r.journal
	}

	r.worker, err = worker.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

const cacheWorkspace = "cache"

func blobPruner(b *storage.BlobStore) scheduler.Pruner {
	return scheduler.PrunerFunc(func(ctx context.Context, olderThan time.Duration) (scheduler.Report, error) {
		n, freed, err := b.Prune(ctx, olderThan)
		return scheduler.Report{Removed: int64(n), FreedBytes: freed}, err
	})
}

func fsPruner(m *workspace.FSManager) scheduler.Pruner {
	return scheduler.PrunerFunc(func(ctx context.Context, olderThan time.Duration) (scheduler.Report, error) {
		report, err := m.Cleanup(ctx, olderThan)
		return scheduler.Report{Removed: int64(report.DeletedFiles), FreedBytes: report.FreedBytes}, err
	})
}

func journalPruner(j *journal.Journal) scheduler.Pruner {
	return scheduler.PrunerFunc(func(ctx context.Context, olderThan time.Duration) (scheduler.Report, error) {
		n, err := j.Prune(ctx, olderThan)
		return scheduler.Report{Removed: n}, err
	})
}

// maintenanceTasks lists what the scheduler prunes for r.
func (r *runtime) maintenanceTasks() []scheduler.Task {
	m := r.cfg.Maintenance
	tasks := []scheduler.Task{{Name: "cache", Pruner: r.cache, Retention: m.CacheRetention}}
	if r.journal != nil {
		tasks = append(tasks, scheduler.Task{Name: "journal", Pruner: journalPruner(r.journal), Retention: m.JournalRetention})
	}
	return tasks
}

func spawner(cfg *config.Config, configPath string) worker.Spawner {
	if cfg.Worker.Spawn == config.SpawnSubprocess {
		args := []string{"sandbox"}
		if configPath != "" {
			args = append(args, "-config", configPath)
		}
		return worker.Subprocess{Path: cfg.Worker.WorkerPath, Args: args}
	}
	return worker.InProcess{Mirrors: cfg.Network.Mirrors}
}
