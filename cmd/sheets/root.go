package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sheetcore/internal/config"
	sheeterr "sheetcore/internal/errors"
	"sheetcore/internal/export"
	"sheetcore/internal/session"
)

type rootOptions struct {
	configFile string
	envFile    string
	owner      string
	stats      bool
	// title is set by export --title.
	title string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "sheets",
		Short:         "Manage and export process diagrams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")
	root.PersistentFlags().StringVar(&opts.owner, "owner", "", "session owner (overrides session.owner)")
	root.PersistentFlags().BoolVar(&opts.stats, "stats", false, "print operation totals to stderr on exit")

	root.AddCommand(
		listCmd(opts),
		createCmd(opts),
		editCmd(opts),
		renameCmd(opts),
		deleteCmd(opts),
		exportCmd(opts),
	)
	return root
}

// withApp opens the session, runs fn and tears the session down again.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := loadEnv(opts.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	if opts.owner != "" {
		cfg.Session.Owner = opts.owner
	}
	if opts.title != "" {
		cfg.Export.Title = opts.title
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if opts.stats {
			enc := json.NewEncoder(cmd.ErrOrStderr())
			enc.SetIndent("", "  ")
			_ = enc.Encode(a.stats.Snapshot())
			if families, gerr := a.registry.Gather(); gerr == nil {
				for _, mf := range families {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s\t%d series\n", mf.GetName(), len(mf.GetMetric()))
				}
			}
		}
		if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

// resolve accepts a diagram id or an exact name.
func resolve(a *app, ref string) (string, error) {
	views := a.session.Diagrams()
	for _, v := range views {
		if v.ID == ref {
			return v.ID, nil
		}
	}
	var match string
	for _, v := range views {
		if v.Name == ref {
			if match != "" {
				return "", fmt.Errorf("name %q is ambiguous, use the id", ref)
			}
			match = v.ID
		}
	}
	if match == "" {
		return "", sheeterr.NewValidationError("resolve", "diagram", sheeterr.ErrNotFound)
	}
	return match, nil
}

func listCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List diagrams in display order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				return printViews(cmd.OutOrStdout(), a.session.Diagrams(), asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func printViews(w io.Writer, views []session.View, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTIVE\tID\tNAME\tUPDATED")
	for _, v := range views {
		marker := ""
		if v.Active {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, v.ID, v.Name, v.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func readContent(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func createCmd(opts *rootOptions) *cobra.Command {
	var file string
	var activate bool
	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a diagram",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(file)
			if err != nil {
				return err
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				d, err := a.session.CreateDiagram(ctx, session.NewDiagram{Name: name, XMLContent: content, Activate: activate})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", d.ID, d.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "diagram XML to start from (- for stdin)")
	cmd.Flags().BoolVar(&activate, "activate", false, "make the new diagram active")
	return cmd
}

func editCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "edit <diagram> --file content.xml",
		Short: "Replace a diagram's content as an editor session would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(file)
			if err != nil {
				return err
			}
			if content == "" {
				return errors.New("edit requires --file")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				id, err := resolve(a, args[0])
				if err != nil {
					return err
				}
				if err := a.session.SwitchActive(ctx, id); err != nil {
					return err
				}
				// The edit is saved by autosave and flushed at teardown.
				return a.surface.Edit(content)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "diagram XML (- for stdin)")
	return cmd
}

func renameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <diagram> <name>",
		Short: "Rename a diagram",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				id, err := resolve(a, args[0])
				if err != nil {
					return err
				}
				return a.session.RenameDiagram(ctx, id, args[1])
			})
		},
	}
}

func deleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <diagram>",
		Short: "Delete a diagram; the last one cannot be deleted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				id, err := resolve(a, args[0])
				if err != nil {
					return err
				}
				return a.session.DeleteDiagram(ctx, id)
			})
		},
	}
}

func exportCmd(opts *rootOptions) *cobra.Command {
	var (
		out     string
		all     bool
		publish bool
		name    string
	)
	cmd := &cobra.Command{
		Use:   "export [diagram...]",
		Short: "Export diagrams to PDF",
		Long: `Export the active diagram, the named diagrams or, with --all, every diagram
in display order. Diagrams that fail to render are reported and left out of
the document.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" && !publish {
				return errors.New("export needs --out or --publish")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				pipeline := a.pipeline
				var res *export.Result
				var err error
				switch {
				case all:
					res, err = pipeline.ExportBatch(ctx, a.session.Order())
				case len(args) > 0:
					ids := make([]string, 0, len(args))
					for _, ref := range args {
						id, rerr := resolve(a, ref)
						if rerr != nil {
							// Unknown diagrams are reported as failed pages.
							id = ref
						}
						ids = append(ids, id)
					}
					res, err = pipeline.ExportBatch(ctx, ids)
				default:
					res, err = pipeline.ExportSingle(ctx)
				}
				if res != nil {
					for _, p := range res.Pages {
						if p.Status == export.StatusFailed {
							fmt.Fprintf(cmd.ErrOrStderr(), "failed\t%s\t%v\n", p.DiagramID, p.Err)
						}
					}
				}
				if err != nil {
					return err
				}
				if out != "" {
					if err := os.WriteFile(out, res.PDF, 0o644); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d pages)\n", out, res.Succeeded())
				}
				if publish {
					pub, err := a.publisher(ctx)
					if err != nil {
						return err
					}
					docName := name
					if docName == "" {
						docName = exportName(a, res)
					}
					info, err := pub.Publish(ctx, docName, res)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "published %s %s\n", info.Key, info.URL)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the PDF to this path")
	cmd.Flags().BoolVar(&all, "all", false, "export every diagram in display order")
	cmd.Flags().BoolVar(&publish, "publish", false, "store the PDF in the artifact store")
	cmd.Flags().StringVar(&opts.title, "title", "", "document title printed in page headers")
	cmd.Flags().StringVar(&name, "name", "", "artifact name when publishing")
	return cmd
}

func exportName(a *app, res *export.Result) string {
	if a.cfg.Export.Title != "" {
		return a.cfg.Export.Title
	}
	if len(res.Pages) == 1 {
		return res.Pages[0].Name
	}
	return "diagrams"
}
