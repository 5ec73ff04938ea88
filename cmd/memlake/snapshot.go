package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maruel/memlake/internal/config"
	"github.com/maruel/memlake/internal/lake"
	"github.com/maruel/memlake/internal/snapshot"
)

func (a *app) openSnapshots() (*snapshot.Repo, *config.Config, error) {
	cfg, err := config.Load(a.dataDir)
	if err != nil {
		return nil, nil, err
	}
	r, err := snapshot.Open(a.dataDir, "memlake", "memlake@localhost")
	if err != nil {
		return nil, nil, err
	}
	return r, cfg, nil
}

func (a *app) snapshotCmd() *cobra.Command {
	var msg string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the durable tables in the data directory git history",
		Long: `Commits the artifact and archive tables, the configuration and the
payloads of the fs cold storage backend. The vector index is derived and
is rebuilt with "memlake rag rebuild" after restoring a snapshot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, cfg, err := a.openSnapshots()
			if err != nil {
				return err
			}
			paths := []string{lake.ArtifactsFile, lake.ArchivesFile, config.FileName}
			if cfg.Cold.Backend == "fs" && !filepath.IsAbs(cfg.Cold.Dir) {
				paths = append(paths, cfg.Cold.Dir)
			}
			if msg == "" {
				msg = "snapshot " + time.Now().UTC().Format(time.RFC3339)
			}
			h, err := r.Take(cmd.Context(), msg, paths...)
			if err != nil {
				return err
			}
			if h == "" {
				a.logger.InfoContext(cmd.Context(), "nothing changed")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.Flags().StringVarP(&msg, "message", "m", "", "Snapshot message")

	var n int
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, _, err := a.openSnapshots()
			if err != nil {
				return err
			}
			history, err := r.History(cmd.Context(), n)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, c := range history {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Hash[:min(12, len(c.Hash))], c.When.Format("2006-01-02 15:04:05"), c.Message)
			}
			return w.Flush()
		},
	}
	logCmd.Flags().IntVarP(&n, "limit", "n", 20, "Number of snapshots")

	cmd.AddCommand(logCmd, &cobra.Command{
		Use:   "show <hash|HEAD> <path>",
		Short: "Print a file as recorded by a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, _, err := a.openSnapshots()
			if err != nil {
				return err
			}
			data, err := r.FileAt(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}
