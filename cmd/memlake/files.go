package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/maruel/memlake/internal/adapter"
	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/artifact"
	"github.com/maruel/memlake/internal/lake"
)

// readInput returns the content of file, or of stdin when file is "-".
func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return data, nil
}

func (a *app) putCmd() *cobra.Command {
	var opts adapter.PutOptions
	var drive, category, file string
	var tags []string
	var meta map[string]string
	cmd := &cobra.Command{
		Use:   "put <path> <name>",
		Short: "Store a file under a logical path",
		Long: `Stores the content of --file (stdin by default) under path and name.
Valid JSON is stored canonicalized; anything else is stored as text.
Writing the same path, name and content again updates the same row.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			var content any = string(data)
			if json.Valid(data) {
				content = json.RawMessage(data)
			}
			if drive != "" {
				if opts.DriveID, err = address.ParseDrive(drive); err != nil {
					return err
				}
			}
			opts.Category = artifact.Category(category)
			opts.Tags = tags
			opts.Meta = meta
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				f, err := l.Adapter.PutFile(cmd.Context(), args[0], args[1], content, &opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summarize(f))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Input file, - for stdin")
	cmd.Flags().StringVar(&opts.MimeType, "mime", "", "Mime type")
	cmd.Flags().BoolVar(&opts.NoCompress, "no-compress", false, "Never gzip the content")
	cmd.Flags().StringVar(&drive, "drive", "", "Drive, LEE by default")
	cmd.Flags().IntVar(&opts.SlotID, "slot", 0, "Slot, derived from path and name by default")
	cmd.Flags().StringVar(&category, "category", "", "Category, data by default")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag, repeatable")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "key=value metadata")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print an artifact as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				f, err := l.Store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}
}

func (a *app) catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <id>",
		Short: "Print the decoded text of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				s, err := l.Adapter.ReadFileText(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), s)
				return err
			})
		},
	}
}

func (a *app) lsCmd() *cobra.Command {
	var limit int
	var asJSON bool
	var drive string
	var slot int
	cmd := &cobra.Command{
		Use:   "ls [path-prefix]",
		Short: "List artifacts, newest first",
		Long: `Lists the artifacts under a logical path prefix, newest first.
With --drive, lists the artifacts of a drive or of one of its slots instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				var files []*artifact.Artifact
				switch {
				case drive == "":
					if limit == 0 {
						limit = l.Config.Adapter.ListLimit
					}
					files = l.Adapter.ListByPathPrefix(cmd.Context(), prefix, limit)
				case slot == 0:
					var err error
					if files, err = l.Store.GetFilesByDrive(cmd.Context(), address.DriveID(drive)); err != nil {
						return err
					}
				default:
					var err error
					if files, err = l.Store.GetFiles(cmd.Context(), address.DriveID(drive), slot); err != nil {
						return err
					}
				}
				if asJSON {
					out := make([]fileSummary, 0, len(files))
					for _, f := range files {
						out = append(out, summarize(f))
					}
					return printJSON(cmd.OutOrStdout(), out)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tADDR\tSTATUS\tSIZE\tMODIFIED\tPATH")
				for _, f := range files {
					fmt.Fprintf(w, "%s\t%s%d\t%s\t%d\t%s\t%s%s\n", f.ID, f.DriveID, f.SlotID, f.Status, f.SizeBytes, f.LastModified.Format("2006-01-02 15:04:05"), f.Path, f.Name)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of entries, from the config by default")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().StringVar(&drive, "drive", "", "List a drive instead of a path prefix")
	cmd.Flags().IntVar(&slot, "slot", 0, "With --drive, restrict to one slot")
	return cmd
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				ok, err := l.Adapter.DeleteFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s not found", args[0])
				}
				return nil
			})
		},
	}
}

func (a *app) purgePrefixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-prefix <path-prefix>",
		Short: "Delete every artifact under a path prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				n, err := l.Adapter.PurgePathPrefix(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"deleted": n})
			})
		},
	}
}

func (a *app) eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events [path-prefix]",
		Short: "List or append events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				if limit == 0 {
					limit = l.Config.Adapter.ListLimit
				}
				events, err := l.Adapter.ListEvents(cmd.Context(), prefix, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), events)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of events, from the config by default")
	var file string
	add := &cobra.Command{
		Use:   "add <path> <name>",
		Short: "Append an event with a JSON payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			if !json.Valid(data) {
				return fmt.Errorf("event payload must be JSON")
			}
			return a.withLake(cmd.Context(), func(l *lake.Lake) error {
				e, err := l.Adapter.PutEvent(cmd.Context(), args[0], args[1], json.RawMessage(data))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
	add.Flags().StringVarP(&file, "file", "f", "-", "Payload file, - for stdin")
	cmd.AddCommand(add)
	return cmd
}

// fileSummary is an artifact without its content and vector.
type fileSummary struct {
	ID        string          `json:"id"`
	DriveID   address.DriveID `json:"driveId"`
	SlotID    int             `json:"slotId"`
	Path      string          `json:"path,omitempty"`
	Name      string          `json:"name"`
	Status    artifact.Status `json:"status"`
	SizeBytes int64           `json:"sizeBytes"`
	Encoding  string          `json:"encoding,omitempty"`
	Signature string          `json:"signature"`
	Content   string          `json:"content"`
}

func summarize(f *artifact.Artifact) fileSummary {
	return fileSummary{
		ID:        f.ID,
		DriveID:   f.DriveID,
		SlotID:    f.SlotID,
		Path:      f.Path,
		Name:      f.Name,
		Status:    f.Status,
		SizeBytes: f.SizeBytes,
		Encoding:  string(f.Encoding),
		Signature: f.Signature,
		Content:   f.Content.Kind().String(),
	}
}
