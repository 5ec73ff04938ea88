package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/guardian"
	"github.com/maruel/memlake/internal/lake"
)

func (a *app) scanCmd() *cobra.Command {
	var scope guardian.Scope
	var drive string
	var quarantine, asJSON bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the lake for corrupt artifacts",
		Long: `Evaluates the corruption policy on every artifact in scope and prints
the findings. With --quarantine, flagged artifacts are marked suspect or
corrupt; nothing is deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if drive != "" {
				var err error
				if scope.DriveID, err = address.ParseDrive(drive); err != nil {
					return err
				}
			}
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				findings := l.Guardian.ScanLake(cmd.Context(), scope)
				if quarantine {
					n, err := l.Guardian.Quarantine(cmd.Context(), findings)
					if err != nil {
						return err
					}
					a.logger.InfoContext(cmd.Context(), "quarantined", "count", n)
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), findings)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tADDR\tVERDICT\tREASON\tPATH")
				for _, f := range findings {
					fmt.Fprintf(w, "%s\t%s%d\t%s\t%s\t%s%s\n", f.File.ID, f.File.DriveID, f.File.SlotID, f.Label(), f.Reason, f.File.Path, f.File.Name)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&drive, "drive", "", "Restrict to a drive")
	cmd.Flags().IntVar(&scope.SlotID, "slot", 0, "Restrict to a slot")
	cmd.Flags().StringVar(&scope.PathPrefix, "prefix", "", "Restrict to a logical path prefix")
	cmd.Flags().StringVar(&scope.Glob, "glob", "", "Restrict to paths matching a glob, e.g. src/**.ts")
	cmd.Flags().BoolVar(&quarantine, "quarantine", false, "Mark findings suspect or corrupt")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func (a *app) purgeSignatureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-signature <signature>",
		Short: "Delete every copy of a content and its vector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				ids, err := l.Guardian.PurgeSignature(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": ids})
			})
		},
	}
}

func (a *app) purgeFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-file <id>",
		Short: "Delete one artifact and detach it from the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				return l.Guardian.PurgeFile(cmd.Context(), args[0])
			})
		},
	}
}
