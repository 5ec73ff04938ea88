// Package lake wires the components of the Memory Lake over one data
// directory and implements the operations spanning several of them.
package lake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maruel/memlake/internal/adapter"
	"github.com/maruel/memlake/internal/artifact"
	"github.com/maruel/memlake/internal/bus"
	"github.com/maruel/memlake/internal/coldstore"
	"github.com/maruel/memlake/internal/config"
	"github.com/maruel/memlake/internal/guardian"
	"github.com/maruel/memlake/internal/rag"
)

// Files and directories of a data directory.
const (
	ArtifactsFile = "artifacts.jsonl"
	ArchivesFile  = "archives.jsonl"
	EventsFile    = "events.db"
	VectorsFile   = "vectors.db"
	VectorsDir    = "vectors"
	BusDir        = "bus"
)

// Lake holds one handle per component. Build it with [Open].
type Lake struct {
	DataDir  string
	Config   *config.Config
	Bus      bus.Bus
	Store    *artifact.Store
	Cold     *coldstore.Link
	RAG      *rag.Index
	Guardian *guardian.Guardian
	Adapter  *adapter.Adapter

	events  *adapter.EventLog
	closers []func() error
	logger  *slog.Logger
}

// Open builds every component over dataDir. A nil cfg uses
// [config.Default].
func Open(ctx context.Context, dataDir string, cfg *config.Config, logger *slog.Logger) (_ *Lake, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	l := &Lake{DataDir: dataDir, Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = errors.Join(err, l.Close())
		}
	}()

	if l.Bus, err = l.openBus(ctx); err != nil {
		return nil, err
	}
	l.closers = append(l.closers, l.Bus.Close)

	if l.Store, err = artifact.Open(filepath.Join(dataDir, ArtifactsFile), l.Bus, logger); err != nil {
		return nil, err
	}

	backendCfg, err := cfg.Cold.BackendConfig(dataDir)
	if err != nil {
		return nil, err
	}
	backend, err := coldstore.NewBackend(ctx, backendCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open cold storage: %w", err)
	}
	if l.Cold, err = coldstore.OpenLink(filepath.Join(dataDir, ArchivesFile), backend, l.Bus, logger); err != nil {
		return nil, err
	}

	var embedder rag.Embedder
	if cfg.RAG.EmbedderURL != "" {
		embedder = rag.NewOpenAIEmbedder(cfg.RAG.EmbedderURL, cfg.RAG.APIKey(), cfg.RAG.Model)
	}
	dbCfg := rag.DBConfig{Engine: rag.Engine(cfg.RAG.Store), Path: filepath.Join(dataDir, VectorsFile), Logger: logger}
	if dbCfg.Engine == rag.EngineBadger {
		dbCfg.Path = filepath.Join(dataDir, VectorsDir)
		dbCfg.SyncWrites = cfg.RAG.SyncWrites
	}
	l.RAG, err = rag.Open(dbCfg,
		&rag.Options{
			Embedder:  embedder,
			Model:     cfg.RAG.Model,
			Store:     l.Store,
			Bus:       l.Bus,
			Logger:    logger,
			Workers:   cfg.RAG.Workers,
			RateLimit: cfg.RAG.RateLimit,
		})
	if err != nil {
		return nil, err
	}
	l.closers = append(l.closers, l.RAG.Close)

	var policy guardian.Policy = cfg.Guardian.Policy()
	if len(cfg.Guardian.Rules) > 0 {
		cel, err := guardian.NewCELPolicy(cfg.Guardian.Rules, logger)
		if err != nil {
			return nil, err
		}
		policy = guardian.Chain(policy, cel)
	}
	l.Guardian = guardian.New(l.Store, policy, l.RAG, l.Bus, logger)

	if l.events, err = adapter.OpenEventLog(ctx, filepath.Join(dataDir, EventsFile)); err != nil {
		return nil, err
	}
	l.closers = append(l.closers, l.events.Close)
	l.Adapter = adapter.New(l.Store, l.events, l.RAG, l.Bus, logger)
	l.RAG.SetAuditor(l.Adapter)
	return l, nil
}

func (l *Lake) openBus(ctx context.Context) (bus.Bus, error) {
	c := &l.Config.Bus
	switch c.Type {
	case "memory":
		return bus.NewMemory(c.Topic, l.logger), nil
	case "file":
		return bus.NewFile(filepath.Join(l.DataDir, BusDir), c.Topic, l.logger)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword()})
		b, err := bus.NewRedis(ctx, client, c.Topic, l.logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		l.closers = append(l.closers, client.Close)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bus type %q", c.Type)
	}
}

// Close releases every component in reverse opening order.
func (l *Lake) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		errs = append(errs, l.closers[i]())
	}
	l.closers = nil
	return errors.Join(errs...)
}

// Refresh picks up the table records written by other processes.
func (l *Lake) Refresh(ctx context.Context) error {
	if _, err := l.Store.Refresh(ctx); err != nil {
		return err
	}
	_, err := l.Cold.Refresh(ctx)
	return err
}

// Compact rewrites the artifact and archive tables.
func (l *Lake) Compact(ctx context.Context) error {
	if err := l.Store.Compact(ctx); err != nil {
		return err
	}
	if err := l.Cold.Table().Compact(); err != nil {
		return fmt.Errorf("failed to compact archive table: %w", err)
	}
	return nil
}

func (l *Lake) now() time.Time {
	return time.Now().UTC()
}
