// Package main is the memlake command line tool.
//
// memlake operates on one data directory holding the artifact table, the
// archive table, the vector index and the event log of a Memory Lake.
// Configuration is read from memlake.yaml in that directory and secrets from
// the environment variables it names.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/maruel/memlake/internal/config"
	"github.com/maruel/memlake/internal/lake"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "memlake: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	a := &app{}
	root := a.rootCmd()
	root.SilenceUsage = true
	root.SilenceErrors = true
	return root.ExecuteContext(ctx)
}

// app carries the global flags to every command.
type app struct {
	dataDir string
	verbose bool
	logger  *slog.Logger
}

func (a *app) rootCmd() *cobra.Command {
	home, _ := os.UserHomeDir()
	root := &cobra.Command{
		Use:   "memlake",
		Short: "Local content addressed artifact store",
		Long: `memlake manages a Memory Lake: an addressable, deduplicated artifact
store with corruption quarantine, cold storage offload and a semantic
vector index.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logger = newLogger(cmd.ErrOrStderr(), a.verbose)
			slog.SetDefault(a.logger)
		},
	}
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", filepath.Join(home, ".memlake"), "Data directory")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logs")
	root.AddCommand(
		a.putCmd(), a.getCmd(), a.catCmd(), a.lsCmd(), a.rmCmd(), a.purgePrefixCmd(), a.eventsCmd(),
		a.addCmd(), a.copyCmd(), a.linkSegmentCmd(), a.usageCmd(),
		a.scanCmd(), a.purgeSignatureCmd(), a.purgeFileCmd(),
		a.offloadCmd(), a.rehydrateCmd(), a.recoverCmd(), a.archivesCmd(),
		a.ragCmd(),
		a.watchCmd(), a.snapshotCmd(), a.schemaCmd(), a.compactCmd(), a.configCmd(),
		versionCmd(),
	)
	return root
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case uint64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// withLake opens the lake, runs fn and closes the lake.
func (a *app) withLake(ctx context.Context, fn func(l *lake.Lake) error) error {
	cfg, err := config.Load(a.dataDir)
	if err != nil {
		return err
	}
	l, err := lake.Open(ctx, a.dataDir, cfg, a.logger)
	if err != nil {
		return err
	}
	err = fn(l)
	if err2 := l.Close(); err == nil {
		err = err2
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func versionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, ok := debug.ReadBuildInfo()
			b := parseBuildInfo(info, ok)
			w := cmd.OutOrStdout()
			if asJSON {
				return printJSON(w, b)
			}
			fmt.Fprintf(w, "memlake %s\n", b.Version)
			fmt.Fprintf(w, "  Go version: %s\n", b.GoVersion)
			fmt.Fprintf(w, "  Revision:   %s\n", b.Revision)
			if !b.Committed.IsZero() {
				fmt.Fprintf(w, "  Committed:  %s\n", b.Committed.Format(time.RFC3339))
			}
			if b.Modified {
				fmt.Fprintf(w, "  Modified:   true\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

// buildInfo describes the running binary.
type buildInfo struct {
	Version   string    `json:"version"`
	GoVersion string    `json:"goVersion"`
	Revision  string    `json:"revision"`
	Committed time.Time `json:"committed,omitzero"`
	Modified  bool      `json:"modified,omitempty"`
}

func parseBuildInfo(info *debug.BuildInfo, ok bool) buildInfo {
	b := buildInfo{Version: "unknown", GoVersion: "unknown", Revision: "unknown"}
	if !ok || info == nil {
		return b
	}
	b.Version = info.Main.Version
	if b.Version == "" || b.Version == "(devel)" {
		b.Version = "dev"
	}
	b.GoVersion = info.GoVersion
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.time":
			b.Committed, _ = time.Parse(time.RFC3339, s.Value)
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}
