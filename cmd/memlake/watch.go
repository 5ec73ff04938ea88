package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maruel/memlake/internal/bus"
	"github.com/maruel/memlake/internal/lake"
	"github.com/maruel/memlake/internal/metrics"
)

func (a *app) watchCmd() *cobra.Command {
	var addr string
	var noRecover bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow lake changes and keep the index fresh",
		Long: `Logs every change published on the bus, reloads the tables when
another process writes them, rebuilds the vector index periodically and
serves prometheus metrics when an address is configured. Pending offloads
are recovered at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				if addr == "" {
					addr = l.Config.Metrics.Addr
				}
				if !noRecover {
					stats, err := l.RecoverOffloads(cmd.Context())
					if err != nil {
						return err
					}
					a.logger.InfoContext(cmd.Context(), "recovered offloads", "committed", stats.Committed, "resumed", stats.Resumed, "removed", stats.Removed)
				}
				return a.watch(cmd.Context(), l, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "metrics-addr", "", "Serve /metrics on this address, from the config by default")
	cmd.Flags().BoolVar(&noRecover, "no-recover", false, "Skip offload recovery at startup")
	return cmd
}

func (a *app) watch(ctx context.Context, l *lake.Lake, addr string) error {
	unsubscribe := l.Bus.Subscribe(func(m bus.Message) {
		a.logger.InfoContext(ctx, "change", "type", m.Change.Type(), "origin", m.Origin, "change", m.Change)
	})
	defer unsubscribe()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(l.DataDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.DataDir, err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.refreshOnWrite(ctx, l, w)
	})
	if interval := l.Config.RAG.RebuildInterval; interval > 0 {
		eg.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					stats, err := l.RAG.RebuildFromLake(ctx)
					if err != nil {
						a.logger.WarnContext(ctx, "rebuild failed", "err", err)
						continue
					}
					a.logger.InfoContext(ctx, "rebuilt index", "files", stats.Files, "vectors", stats.Vectors, "pruned", stats.PrunedRefs, "removed", stats.RemovedRows)
				}
			}
		})
	}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		eg.Go(func() error {
			a.logger.InfoContext(ctx, "serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	a.logger.InfoContext(ctx, "watching", "dir", l.DataDir)
	err = eg.Wait()
	a.logger.InfoContext(context.Background(), "stopped watching")
	return err
}

// refreshOnWrite reloads the tables shortly after another process appends
// to them. Bursts of writes are coalesced.
func (a *app) refreshOnWrite(ctx context.Context, l *lake.Lake, w *fsnotify.Watcher) error {
	const delay = 200 * time.Millisecond
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			switch filepath.Base(event.Name) {
			case lake.ArtifactsFile, lake.ArchivesFile:
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					timer.Reset(delay)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.logger.WarnContext(ctx, "watcher error", "err", err)
		case <-timer.C:
			if err := l.Refresh(ctx); err != nil {
				a.logger.WarnContext(ctx, "refresh failed", "err", err)
			}
		}
	}
}
