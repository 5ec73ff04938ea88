package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/maruel/memlake/internal/lake"
)

func (a *app) ragCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rag",
		Short: "Query and maintain the vector index",
	}
	var topK int
	var asJSON bool
	search := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search artifacts by meaning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				hits := l.RAG.Search(cmd.Context(), strings.Join(args, " "), topK)
				if asJSON {
					return printJSON(cmd.OutOrStdout(), hits)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SCORE\tREFS\tSIGNATURE\tPREVIEW")
				for _, h := range hits {
					p := strings.Join(strings.Fields(h.Preview), " ")
					if len(p) > 60 {
						p = p[:60] + "..."
					}
					fmt.Fprintf(w, "%.3f\t%d\t%s\t%s\n", h.Score, len(h.Refs), h.Signature[:min(12, len(h.Signature))], p)
				}
				return w.Flush()
			})
		},
	}
	search.Flags().IntVarP(&topK, "top", "k", 5, "Number of results")
	search.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	cmd.AddCommand(search, &cobra.Command{
		Use:   "get <signature>",
		Short: "Print a vector row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				row, err := l.RAG.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), row)
			})
		},
	}, &cobra.Command{
		Use:   "rebuild",
		Short: "Re-index the whole lake and prune stale references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				stats, err := l.RAG.RebuildFromLake(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}, &cobra.Command{
		Use:   "rm <signature>",
		Short: "Delete one vector row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				ok, err := l.RAG.DeleteSignature(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no vector for %s", args[0])
				}
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "purge",
		Short: "Delete every vector row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				n, err := l.RAG.PurgeAll(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"deleted": n})
			})
		},
	})
	return cmd
}
