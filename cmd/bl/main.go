package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"briefline/internal/app"
	"briefline/internal/config"
	"briefline/internal/db"
	"briefline/internal/engine"
	"briefline/internal/engine/auth"
	"briefline/internal/lifecycle"
	"briefline/internal/repo"
	"briefline/internal/server"
	"briefline/internal/workflow"
	briefsdk "briefline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Briefline CLI",
	Long: `Briefline runs a brief through generation stages handled by external agents.
- Project: a brief owned by one user; its status tracks which stage it has reached.
- Stages: persona -> competitor detection -> (selection) -> competitor analysis -> strategy -> assets.
- Tasks: one dispatch of a stage to its agent; agents report started, progress, completed or failed.
- Saga: completed results are persisted and advance the status; failures revert it.
- Event log: audit trail of every transition, view with 'bl log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("BRIEFLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("user-id", 1, "acting user id")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API and agent tokens")
	rootCmd.PersistentFlags().String("nats-url", "", "NATS server URL (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "user-id", "jwt-secret", "nats-url", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(competitorsCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default briefline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectEnrichCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, sector, brief string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseBrief(brief)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
					Name:    name,
					Sector:  sector,
					Brief:   fields,
					OwnerID: viper.GetInt64("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&sector, "sector", "", "business sector")
	cmd.Flags().StringVar(&brief, "brief", "", "brief as a JSON object, or @file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, viper.GetInt64("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Sector", "Status", "Active task", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Sector, p.Status, p.ActiveTaskID, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	var results bool
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				userID := viper.GetInt64("user-id")
				if results {
					res, err := a.Engine.Results(ctx, id, userID)
					if err != nil {
						return err
					}
					return printJSONOrTable(res)
				}
				p, err := a.Engine.Project(ctx, id, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&results, "results", false, "show stage results instead of the project")
	return cmd
}

func projectEnrichCmd() *cobra.Command {
	var name, sector, brief string
	cmd := &cobra.Command{
		Use:   "enrich <project-id>",
		Short: "Merge fields into the project brief",
		Long:  "Brief keys are merged into the stored brief; a null value removes the key. A draft project becomes enriched.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			fields, err := parseBrief(brief)
			if err != nil {
				return err
			}
			opts := engine.EnrichOptions{ProjectID: id, UserID: viper.GetInt64("user-id"), Brief: fields}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("sector") {
				opts.Sector = &sector
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.EnrichProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&sector, "sector", "", "new sector")
	cmd.Flags().StringVar(&brief, "brief", "", "brief fields as a JSON object, or @file")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteProject(ctx, id, viper.GetInt64("user-id"))
			})
		},
	}
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{Use: "stage", Short: "Run generation stages"}
	st.AddCommand(stageStartCmd())
	return st
}

func stageStartCmd() *cobra.Command {
	var brief, extra string
	cmd := &cobra.Command{
		Use:       "start <project-id> <stage>",
		Short:     "Dispatch a stage to its agent",
		Long:      "Stages: persona, competitor_detection, competitor_analysis, strategy, assets. Returns once the agent accepted the task.",
		Args:      cobra.ExactArgs(2),
		ValidArgs: stageNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			overrides, err := parseBrief(brief)
			if err != nil {
				return err
			}
			extras, err := parseBrief(extra)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				started, err := a.Engine.StartStage(ctx, engine.StageStartOptions{
					ProjectID: id,
					UserID:    viper.GetInt64("user-id"),
					Stage:     workflow.Stage(args[1]),
					Brief:     overrides,
					Extra:     extras,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(started)
				}
				fmt.Printf("Dispatched %s as task %s\n", started.Stage, started.TaskID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&brief, "brief", "", "brief overrides for this dispatch, JSON object or @file")
	cmd.Flags().StringVar(&extra, "extra", "", "extra context echoed back by the agent, JSON object")
	return cmd
}

func competitorsCmd() *cobra.Command {
	c := &cobra.Command{Use: "competitors", Short: "Competitor selection"}
	c.AddCommand(competitorsSelectCmd())
	return c
}

func competitorsSelectCmd() *cobra.Command {
	var ids []int64
	cmd := &cobra.Command{
		Use:   "select <project-id>",
		Short: "Validate the competitors to analyze",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.SelectCompetitors(ctx, id, viper.GetInt64("user-id"), ids)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "competitor id (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Inspect dispatched tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var stage string
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List tasks of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			f.ProjectID = id
			f.Stage = workflow.Stage(stage)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, viper.GetInt64("user-id"), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Stage", "Status", "Agent", "Tokens", "Chained from", "Created"})
				for _, t := range tasks {
					chained := ""
					if t.ChainedFrom != nil {
						chained = *t.ChainedFrom
					}
					tw.AppendRow(table.Row{t.UUID, t.Stage, t.Status, t.AgentID, t.TokensTotal, chained, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Task(ctx, args[0], viper.GetInt64("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func eventCmd() *cobra.Command {
	e := &cobra.Command{Use: "event", Short: "Lifecycle events"}
	e.AddCommand(eventReportCmd())
	return e
}

// eventReportCmd feeds a lifecycle event into the pipeline as an agent
// would, for local runs without a live agent.
func eventReportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report a lifecycle event read from a JSON file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file == "" || file == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			evt, err := lifecycle.Decode(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evt, err := a.Engine.BindAgentEvent(ctx, evt.TaskID, evt)
				if err != nil {
					return err
				}
				if err := a.Sink.Enqueue(ctx, evt); err != nil {
					return err
				}
				fmt.Printf("Reported %s for task %s\n", evt.Kind, evt.TaskID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "event JSON file (default stdin)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show project status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Status(ctx, id, viper.GetInt64("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Project %d: %s\n", r.ProjectID, r.Status)
				if r.ActiveTaskID != "" {
					fmt.Printf("Active task: %s\n", r.ActiveTaskID)
				}
				fmt.Printf("  personas: %v\n  competitors: %v (%d selected)\n  analysis: %v\n  strategy: %v\n  assets: %v\n",
					r.HasPersonas, r.HasCompetitors, r.SelectedCompetitors, r.HasAnalysis, r.HasStrategy, r.HasAssets)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of a project: creation, dispatches, persisted results, reverts.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail <project-id>",
		Short: "Tail events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			f.ProjectID = id
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.ListEvents(ctx, viper.GetInt64("user-id"), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a user API token for --user-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("jwt-secret") == "" {
				return fmt.Errorf("BRIEFLINE_JWT_SECRET is required to mint tokens")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				token, exp, err := a.Signer.SignUser(viper.GetInt64("user-id"), ttl)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"token": token, "expires_at": exp.UTC().Format(time.RFC3339)})
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// watchCmd follows a task over a running server's topic stream, then the
// task it chains into, if any.
func watchCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's notifications from a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("BRIEFLINE_JWT_SECRET is required to call the API")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = cfg.Server.PublicURL
			}
			if serverURL == "" {
				serverURL = "http://" + cfg.Server.Addr
			}
			token, _, err := auth.Signer{Secret: secret}.SignUser(viper.GetInt64("user-id"), time.Hour)
			if err != nil {
				return err
			}
			client := briefsdk.New(serverURL, token)
			client.BasePath = cfg.Server.BasePath
			ctx := cmd.Context()

			taskID := args[0]
			for taskID != "" {
				task, err := client.Task(ctx, taskID)
				if err != nil {
					return err
				}
				stage := workflow.Stage(task.Stage)
				next := ""
				env, err := client.Watch(ctx, taskID, briefsdk.WatchOptions{
					SlowAfter: cfg.Client.SlowAfter[stage],
					OnSlow: func(id string) {
						fmt.Printf("%s (%s) is taking longer than expected\n", stage, id)
					},
					OnEnvelope: func(e briefsdk.Envelope) {
						printEnvelope(e)
						if id := e.NextTaskID(); id != "" {
							next = id
						}
					},
				})
				if err != nil {
					return err
				}
				if env.Type == string(lifecycle.Failed) {
					return fmt.Errorf("task %s failed: %s", taskID, env.Error)
				}
				if stage == workflow.StageStrategy {
					r, err := client.WaitFor(ctx, task.ProjectID, cfg.Client.StrategyPollAttempts, cfg.Client.StrategyPollInterval,
						func(r briefsdk.StatusReport) bool { return r.HasStrategy })
					if err != nil {
						return fmt.Errorf("strategy not confirmed: %w", err)
					}
					fmt.Printf("Project %d: %s\n", r.ProjectID, r.Status)
				}
				taskID = next
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (default from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the lifecycle consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("jwt-secret") == "" {
				return fmt.Errorf("BRIEFLINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			handler, err := server.New(server.Config{
				Engine:        a.Engine,
				Sink:          a.Sink,
				Broker:        a.Broker,
				Signer:        a.Signer,
				Metrics:       a.Metrics,
				BasePath:      a.Config.Server.BasePath,
				DevLogin:      a.Config.Server.DevLogin,
				TopicTokenTTL: a.Config.Server.TopicTokenTTL,
				Logger:        a.Logger.With("component", "server"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.Logger.Info("serving briefline api", "addr", addr, "base_path", a.Config.Server.BasePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return a.Run(gctx) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openApp(ctx context.Context) (*app.App, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if url := viper.GetString("nats-url"); url != "" {
		cfg.NATS.URL = url
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return app.Open(ctx, app.Options{
		Workspace: workspace,
		Config:    cfg,
		JWTSecret: viper.GetString("jwt-secret"),
		Logger:    newLogger(),
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid project id %q", s)
	}
	return id, nil
}

// parseBrief reads a JSON object inline or from @file.
func parseBrief(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("brief must be a JSON object: %w", err)
	}
	return out, nil
}

func printEnvelope(e briefsdk.Envelope) {
	if viper.GetBool("json") {
		_ = printJSON(e)
		return
	}
	detail := string(e.Payload)
	if e.Error != "" {
		detail = e.Error
	}
	fmt.Printf("%s  %-9s  %-20s  %s\n", e.Timestamp, e.Type, e.Stage, detail)
}

func stageNames() []string {
	names := make([]string, 0, len(workflow.Stages))
	for _, s := range workflow.Stages {
		names = append(names, string(s))
	}
	return names
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
