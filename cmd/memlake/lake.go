package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maruel/memlake/internal/adapter"
	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/artifact"
	"github.com/maruel/memlake/internal/coldstore"
	"github.com/maruel/memlake/internal/config"
	"github.com/maruel/memlake/internal/lake"
	"github.com/maruel/memlake/internal/rag"
)

func parseAddr(drive string, slot int) (address.DriveID, error) {
	d, err := address.ParseDrive(drive)
	if err != nil {
		return "", err
	}
	return d, address.Validate(d, slot)
}

func (a *app) addCmd() *cobra.Command {
	var req lake.CreateRequest
	var kind, category, status, file string
	cmd := &cobra.Command{
		Use:   "add <drive> <slot> <name>",
		Short: "Create an artifact at an address",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var slot int
			if _, err := fmt.Sscan(args[1], &slot); err != nil {
				return fmt.Errorf("invalid slot %q", args[1])
			}
			drive, err := parseAddr(args[0], slot)
			if err != nil {
				return err
			}
			if file != "" {
				if req.Content, err = readInput(cmd, file); err != nil {
					return err
				}
			}
			req.DriveID = drive
			req.SlotID = slot
			req.Name = args[2]
			req.Kind = artifact.Kind(kind)
			req.Category = artifact.Category(category)
			req.Status = artifact.Status(status)
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				f, err := l.CreateArtifact(cmd.Context(), &req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summarize(f))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Content file, - for stdin; no content when empty")
	cmd.Flags().StringVar(&req.Path, "path", "", "Logical path")
	cmd.Flags().StringVar(&req.MimeType, "mime", "", "Mime type")
	cmd.Flags().StringVar(&kind, "kind", "", "Kind (email, note, research, ...)")
	cmd.Flags().StringVar(&category, "category", string(artifact.CategoryData), "Category")
	cmd.Flags().StringVar(&status, "status", "", "Initial status, safe by default")
	cmd.Flags().StringVar(&req.Signature, "signature", "", "Signature, computed from the content by default")
	cmd.Flags().StringSliceVar(&req.Tags, "tag", nil, "Tag, repeatable")
	cmd.Flags().StringToStringVar(&req.Meta, "meta", nil, "key=value metadata")
	return cmd
}

func (a *app) copyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "copy <id> <drive> <slot>",
		Short: "Copy an artifact to another address",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var slot int
			if _, err := fmt.Sscan(args[2], &slot); err != nil {
				return fmt.Errorf("invalid slot %q", args[2])
			}
			drive, err := parseAddr(args[1], slot)
			if err != nil {
				return err
			}
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				f, err := l.CopyToDrive(cmd.Context(), args[0], drive, slot)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summarize(f))
			})
		},
	}
}

func (a *app) linkSegmentCmd() *cobra.Command {
	var s lake.SegmentLink
	var drive string
	cmd := &cobra.Command{
		Use:   "link-segment <display-name> <external-path>",
		Short: "Register a link to a memory segment kept outside the lake",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if s.DriveID, err = parseAddr(drive, s.SlotID); err != nil {
				return err
			}
			s.DisplayName = args[0]
			s.ExternalPath = args[1]
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				f, err := l.RegisterSegmentLink(cmd.Context(), &s)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summarize(f))
			})
		},
	}
	cmd.Flags().StringVar(&drive, "drive", string(address.DriveD), "Drive")
	cmd.Flags().IntVar(&s.SlotID, "slot", address.MinSlot, "Slot")
	cmd.Flags().StringVar(&s.SignatureKey, "key", "", "Key grouping links to the same segment")
	return cmd
}

func (a *app) usageCmd() *cobra.Command {
	var asJSON, all bool
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show slot occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				usage := l.SlotUsage(cmd.Context())
				if asJSON {
					return printJSON(cmd.OutOrStdout(), usage)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
				fmt.Fprintln(w, "ADDR\tFILES\tBYTES\tUSED\t")
				for _, u := range usage {
					if u.Count == 0 && !all {
						continue
					}
					fmt.Fprintf(w, "%s%d\t%d\t%d\t%.2f%%\t\n", u.DriveID, u.SlotID, u.Count, u.Bytes, 100*u.Ratio())
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include empty slots")
	return cmd
}

func (a *app) offloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offload <id>...",
		Short: "Move inline content to cold storage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				out := make([]*lake.OffloadResult, 0, len(args))
				for _, id := range args {
					r, err := l.OffloadToColdStore(cmd.Context(), id)
					if err != nil {
						return err
					}
					out = append(out, r)
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func (a *app) rehydrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rehydrate <id>...",
		Short: "Bring offloaded content back inline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				for _, id := range args {
					f, err := l.Rehydrate(cmd.Context(), id)
					if err != nil {
						return err
					}
					if err := printJSON(cmd.OutOrStdout(), summarize(f)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resolve archives left pending by an interrupted offload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				stats, err := l.RecoverOffloads(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func (a *app) archivesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Inspect cold storage archives",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List archive entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATE\tSIZE\tCREATED\tPATH")
				for _, e := range l.Cold.ListArchives(cmd.Context()) {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.ID, e.State, e.SizeBytes, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Path)
				}
				return w.Flush()
			})
		},
	}, &cobra.Command{
		Use:   "get <id>",
		Short: "Write the payload of an archive to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				data, err := l.Cold.GetArchiveBlob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if data == nil {
					return fmt.Errorf("archive %s has no payload", args[0])
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}, &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an archive and its payload",
		Long: `Deletes an archive. An artifact still referencing it becomes
unreadable; prefer rehydrate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				return l.Cold.RemoveArchive(cmd.Context(), args[0])
			})
		},
	})
	return cmd
}

func (a *app) compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the tables without superseded records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				return l.Compact(cmd.Context())
			})
		},
	}
}

func (a *app) schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema <artifact|archive|vector|event>",
		Short:     "Print the JSON schema of a record type",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"artifact", "archive", "vector", "event"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var v any
			switch args[0] {
			case "artifact":
				v = &artifact.Artifact{}
			case "archive":
				v = &coldstore.Entry{}
			case "vector":
				v = &rag.VectorRow{}
			case "event":
				v = &adapter.Event{}
			default:
				return fmt.Errorf("unknown record type %q", args[0])
			}
			r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
			return printJSON(cmd.OutOrStdout(), r.Reflect(v))
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or check the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.dataDir)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a configuration file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Parse(data)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"ok": true, "version": cfg.Version})
		},
	})
	return cmd
}
