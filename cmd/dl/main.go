package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealline/internal/app"
	"dealline/internal/db"
	"dealline/internal/domain"
	"dealline/internal/engine"
	"dealline/internal/migrate"
	"dealline/internal/repo"
	"dealline/internal/server"
	"dealline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dealline CLI",
	Long: `Dealline tracks commercial deals through a fixed pipeline and keeps the
follow-up machine honest.
- Workspace: your .dealline directory with the database; dealline.yml tunes
  owners, staleness, and intent phrases.
- Deals: commercial projects moving negotiation -> quote_sent -> accepted ->
  po_received -> invoice_sent -> development_active -> delivered, with
  payment_received and closed as terminal stages.
- Classify: feed it chat text ("si, aceptaron", "oc recibida") and the deal
  advances one stage, deadline included.
- Sweep: the daily pass that recomputes expected value, queues follow-ups,
  derives finance/ops tasks, and flags silent deals.
- Event log: every mutation is recorded with before/after snapshots; view
  with 'dl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEALLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("source", "roadmap", "mutation source channel (roadmap or dm)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("source", rootCmd.PersistentFlags().Lookup("source"))
}

func registerCommands() {
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(followupCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func dealCmd() *cobra.Command {
	deal := &cobra.Command{Use: "deal", Short: "Manage deals"}
	deal.AddCommand(dealCreateCmd())
	deal.AddCommand(dealListCmd())
	deal.AddCommand(dealShowCmd())
	deal.AddCommand(dealSetStageCmd())
	deal.AddCommand(dealImportCmd())
	deal.AddCommand(dealExportCmd())
	return deal
}

func dealCreateCmd() *cobra.Command {
	var opts engine.CreateDealOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Source = viper.GetString("source")
				d, err := e.CreateDeal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "id", "", "project id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "commercial owner")
	cmd.Flags().StringVar(&opts.Stage, "stage", string(stage.Negotiation), "initial stage")
	cmd.Flags().Float64Var(&opts.Amount, "amount", 0, "deal amount")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency code")
	cmd.Flags().StringVar(&opts.FollowupAt, "followup", "", "next follow-up date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "initial note")
	return cmd
}

func dealListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				deals, err := r.ListDeals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Customer", "Stage", "Amount", "EV", "Next follow-up", "Stale"})
				for _, d := range deals {
					staleMark := ""
					if d.IsStale {
						staleMark = "yes"
					}
					tw.AppendRow(table.Row{d.ProjectID, d.Customer, d.Stage, d.Amount, d.ExpectedValue, d.NextFollowupAt, staleMark})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func dealShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show one deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func dealSetStageCmd() *cobra.Command {
	var stg, deadline, note string
	cmd := &cobra.Command{
		Use:   "set-stage <project-id>",
		Short: "Move a deal to a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, _, err := e.ApplyTransition(ctx, engine.TransitionOptions{
					ProjectID: args[0],
					Stage:     stg,
					Deadline:  deadline,
					Note:      note,
					Source:    viper.GetString("source"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&stg, "stage", "", "target stage")
	cmd.Flags().StringVar(&deadline, "deadline", "", "next follow-up date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&note, "note", "", "note recorded on the deal and its event")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func dealImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import deals from a JSON array file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				var deals []domain.Deal
				if err := json.Unmarshal(data, &deals); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
				n, err := e.ImportDeals(ctx, deals)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"ok": true, "imported": n})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to JSON array of deals")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func dealExportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all deals as a JSON array",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				deals, err := r.ListDeals(ctx)
				if err != nil {
					return err
				}
				if deals == nil {
					deals = []domain.Deal{}
				}
				data, err := json.MarshalIndent(deals, "", "  ")
				if err != nil {
					return err
				}
				data = append(data, '\n')
				if file == "" {
					fmt.Print(string(data))
					return nil
				}
				if err := writeFileAtomic(file, data); err != nil {
					return err
				}
				fmt.Printf("wrote %d deals to %s\n", len(deals), file)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "output path; stdout when omitted")
	return cmd
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <project-id> <text>",
		Short: "Advance a deal from chat text",
		Long:  "Matches the text against the intent phrases for the deal's current stage and, on a hit, applies the transition with a resolved deadline.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				text := strings.Join(args[1:], " ")
				res, err := e.ClassifyIntent(ctx, args[0], text, viper.GetString("source"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the daily scheduler pass",
		Long:  "Recomputes valuation for every deal, seeds missing follow-up dates, emits the day's follow-up queue, derives stage tasks, and flags stale deals.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					report domain.SweepReport
					err    error
				)
				if dryRun {
					report, err = e.PreviewSweep(ctx)
				} else {
					report, err = e.RunSweep(ctx)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the report without persisting")
	return cmd
}

func followupCmd() *cobra.Command {
	followup := &cobra.Command{Use: "followup", Short: "Follow-up queue"}
	followup.AddCommand(&cobra.Command{
		Use:   "due",
		Short: "Show deals due for outreach today",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.PreviewSweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report.DueFollowups)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Stage", "Owner", "Question", "Stale"})
				for _, f := range report.DueFollowups {
					staleMark := ""
					if f.IsStaleAlert {
						staleMark = "yes"
					}
					tw.AppendRow(table.Row{f.ProjectID, f.Stage, f.Owner, f.Question, staleMark})
				}
				tw.Render()
				return nil
			})
		},
	})
	return followup
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Derived tasks"}
	var project string
	list := &cobra.Command{
		Use:   "list",
		Short: "List derived tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					tasks []domain.Task
					err   error
				)
				if project != "" {
					tasks, err = r.ListTasksByProject(ctx, project)
				} else {
					tasks, err = r.ListTasks(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Area", "Title", "Owner", "Due", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Area, t.Title, t.Owner, t.DueDate, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&project, "project", "", "filter by linked project id")
	task.AddCommand(list)
	return task
}

func quoteCmd() *cobra.Command {
	quote := &cobra.Command{Use: "quote", Short: "Quote reference records"}
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import quotes from a JSON array file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				var quotes []domain.Quote
				if err := json.Unmarshal(data, &quotes); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
				n, err := e.ImportQuotes(ctx, quotes)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"ok": true, "imported": n})
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "path to JSON array of quotes")
	_ = imp.MarkFlagRequired("file")
	quote.AddCommand(imp)
	quote.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List quotes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				quotes, err := r.ListQuotes(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(quotes)
			})
		},
	})
	return quote
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default dealline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.WriteDefaultConfig(viper.GetString("workspace"))
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("%s already exists", path)
			}
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	var limit int
	var project string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent mutation events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					evts []domain.Event
					err  error
				)
				if project != "" {
					evts, err = r.EventsForEntity(ctx, project)
				} else {
					evts, err = r.LatestEvents(ctx, limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				for _, e := range evts {
					from, to := "-", "-"
					if e.Before != nil {
						from = e.Before.Stage
					}
					if e.After != nil {
						to = e.After.Stage
					}
					fmt.Printf("%s %s %s %s -> %s [%s/%s]\n", e.TS, e.EventID, e.EntityID, from, to, e.Source, e.Channel)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "number of events")
	tail.Flags().StringVar(&project, "project", "", "show the full history of one project")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("DEALLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DEALLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Dealline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "base path prefix for all routes")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeFileAtomic writes via a temp file in the target directory and
// renames it into place, so readers never see a half-written export.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dealline-export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
