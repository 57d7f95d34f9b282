package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"icpilot/internal/app"
	"icpilot/internal/artifact"
	"icpilot/internal/config"
	"icpilot/internal/db"
	"icpilot/internal/domain"
	"icpilot/internal/engine"
	"icpilot/internal/executors"
	"icpilot/internal/funddb"
	"icpilot/internal/server"
	"icpilot/internal/store"
	icpilotsdk "icpilot/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "icpilot",
	Short: "Investment committee pipeline",
	Long: `icpilot runs a deterministic ten-stage investment committee workflow over a fund database.
- Mandate: the template of objectives and limits a run is judged against.
- Run: one execution for a mandate and a seed; the same seed and data give the same artifacts.
- Candidates: three portfolios (A return-focused, B risk-focused, C balanced) verified by compliance and red-team checks, repaired up to the configured budget.
- Artifacts: hashed, versioned outputs of every stage with lineage to their inputs; 'icpilot audit' exports them.
- Events: the sequenced trail of a run, resumable from any sequence with 'icpilot events tail --follow'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("server") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ICPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if workspace := viper.GetString("workspace"); workspace != "" {
		_ = godotenv.Load(filepath.Join(workspace, ".env"))
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/icpilot.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "", "API base URL; commands that support it go through the API instead of the workspace")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --server")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(mandatesCmd())
	rootCmd.AddCommand(fundsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func runCmd() *cobra.Command {
	var opts engine.CreateOptions
	var seed int64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a run to completion and print the decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("seed") {
				opts.Seed = &seed
			}
			if viper.GetString("server") != "" {
				return runRemote(cmd.Context(), opts)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, bb, err := a.Engine.Run(ctx, opts)
				if run.RunID == "" {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"run": run}
					if bb != nil && bb.Decision != nil {
						out["decision"] = bb.Decision
					}
					if perr := printJSON(out); perr != nil {
						return perr
					}
					return err
				}
				printRun(run)
				if bb != nil && bb.Decision != nil {
					printDecision(bb.Decision)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&opts.MandateID, "mandate", executors.DefaultMandate, "mandate template id")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (default from config)")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "run tag (repeatable)")
	cmd.Flags().StringVar(&opts.RequestedBy, "requested-by", "", "requester recorded on the run")
	return cmd
}

func runRemote(ctx context.Context, opts engine.CreateOptions) error {
	client := sdkClient()
	runID, err := client.CreateRun(ctx, icpilotsdk.CreateRunRequest{
		MandateID:   opts.MandateID,
		Seed:        opts.Seed,
		Tags:        opts.Tags,
		RequestedBy: opts.RequestedBy,
	})
	if err != nil {
		return err
	}
	asJSON := viper.GetBool("json")
	if !asJSON {
		fmt.Printf("run %s started\n", runID)
	}
	err = client.Stream(ctx, runID, 0, func(evt icpilotsdk.Event) error {
		if !asJSON {
			printEventLine(evt.Sequence, evt.TS, evt.Level, evt.Kind, evt.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}
	run, err := client.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(run)
	}
	fmt.Printf("run %s %s", run.RunID, run.Status)
	if run.SelectedCandidate != "" {
		fmt.Printf(", selected candidate %s", run.SelectedCandidate)
	}
	fmt.Println()
	if run.Status == string(domain.RunFailed) {
		return fmt.Errorf("stage %s failed: %s", run.ErrorStage, run.ErrorMessage)
	}
	return nil
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var f store.RunFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.RunStatus(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Run", "Mandate", "Seed", "Status", "Progress", "Selected", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.RunID, r.MandateID, r.Seed, r.Status, fmt.Sprintf("%.0f%%", r.ProgressPct), r.SelectedCandidate, r.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.MandateID, "mandate", "", "mandate filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum runs")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "runs to skip")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its stages and candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				printRun(run)
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	evts := &cobra.Command{Use: "events", Short: "Read run events"}
	evts.AddCommand(eventsTailCmd())
	return evts
}

func eventsTailCmd() *cobra.Command {
	var runID string
	var since int64
	var n int
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print a run's events after a sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON := viper.GetBool("json")
			if viper.GetString("server") != "" {
				client := sdkClient()
				if follow {
					return client.Stream(cmd.Context(), runID, since, func(evt icpilotsdk.Event) error {
						if asJSON {
							return printJSONLine(evt)
						}
						printEventLine(evt.Sequence, evt.TS, evt.Level, evt.Kind, evt.Message)
						return nil
					})
				}
				page, err := client.EventsPage(cmd.Context(), runID, n, fmt.Sprint(since))
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(page)
				}
				for _, evt := range page.Items {
					printEventLine(evt.Sequence, evt.TS, evt.Level, evt.Kind, evt.Message)
				}
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetRun(ctx, runID); err != nil {
					return fmt.Errorf("run %s: %w", runID, err)
				}
				if !follow {
					items, err := a.Repo.EventsAfter(ctx, runID, since, n)
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(items)
					}
					printEvents(items)
					return nil
				}
				ch, err := a.Bus.Subscribe(ctx, runID, since)
				if err != nil {
					return err
				}
				for evt := range ch {
					if evt.Kind == domain.EventHeartbeat && !asJSON {
						continue
					}
					if asJSON {
						if err := printJSONLine(evt); err != nil {
							return err
						}
						continue
					}
					printEventLine(evt.Sequence, evt.TS, string(evt.Level), string(evt.Kind), evt.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().Int64Var(&since, "since", 0, "print events after this sequence")
	cmd.Flags().IntVar(&n, "n", 100, "maximum events without --follow")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep following until the run ends")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func artifactsCmd() *cobra.Command {
	arts := &cobra.Command{Use: "artifacts", Short: "Inspect run artifacts"}
	arts.AddCommand(artifactsListCmd())
	arts.AddCommand(artifactsShowCmd())
	return arts
}

func artifactsListCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifact types and versions of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				index, err := a.Repo.ListArtifacts(ctx, runID)
				if err != nil {
					return err
				}
				kinds := make([]artifact.Kind, 0, len(index))
				for k := range index {
					kinds = append(kinds, k)
				}
				sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
				type row struct {
					Type     artifact.Kind `json:"type"`
					Latest   int           `json:"latest_version"`
					Versions []int         `json:"versions"`
					Location string        `json:"location"`
				}
				var rows []row
				for _, k := range kinds {
					versions, err := a.Repo.ListVersions(ctx, runID, k)
					if err != nil {
						return err
					}
					rows = append(rows, row{Type: k, Latest: index[k], Versions: versions, Location: store.Location(runID, k, index[k])})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Type", "Latest", "Versions", "Location"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Type, r.Latest, len(r.Versions), r.Location})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func artifactsShowCmd() *cobra.Command {
	var runID, kind string
	var version int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print one artifact version as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := artifact.Kind(kind)
			if !k.Valid() {
				return fmt.Errorf("unknown artifact type %q", kind)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				art, err := a.Repo.Load(ctx, runID, k, version)
				if err != nil {
					return err
				}
				return printJSON(art)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&kind, "type", "", "artifact type")
	cmd.Flags().IntVar(&version, "version", store.Latest, "version (0 for latest)")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func auditCmd() *cobra.Command {
	var runID, out string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Export the audit bundle of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetRun(ctx, runID); err != nil {
					return fmt.Errorf("run %s: %w", runID, err)
				}
				bundle, err := store.BuildAuditBundle(ctx, a.Repo, runID, time.Now().UTC())
				if err != nil {
					return err
				}
				if out == "" {
					return printJSON(bundle)
				}
				data, err := json.MarshalIndent(bundle, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %d artifacts to %s\n", len(bundle.Artifacts), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the bundle to a file")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func mandatesCmd() *cobra.Command {
	m := &cobra.Command{Use: "mandates", Short: "Mandate templates"}
	m.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List mandate templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			templates, err := executors.Mandates()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(templates)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Name", "Objective", "Equity", "Fixed income", "Max position", "Max drawdown"})
			for _, t := range templates {
				tw.AppendRow(table.Row{
					t.ID, t.Name, t.PrimaryObjective,
					fmt.Sprintf("%.0f-%.0f%%", t.MinEquity*100, t.MaxEquity*100),
					fmt.Sprintf("%.0f-%.0f%%", t.MinFixedIncome*100, t.MaxFixedIncome*100),
					fmt.Sprintf("%.0f%%", t.MaxSinglePosition*100),
					fmt.Sprintf("%.0f%%", t.MaxDrawdown*100),
				})
			}
			tw.Render()
			return nil
		},
	})
	return m
}

func fundsCmd() *cobra.Command {
	f := &cobra.Command{Use: "funds", Short: "Manage the fund database"}
	f.AddCommand(fundsSeedCmd())
	return f
}

func fundsSeedCmd() *cobra.Command {
	var file, out string
	var synthetic int
	var fixtureSeed uint64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write a sqlite fund database from a YAML fixture or synthetic data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (synthetic <= 0) {
				return errors.New("exactly one of --file or --synthetic is required")
			}
			workspace := viper.GetString("workspace")
			if out == "" {
				cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
				if err != nil {
					return err
				}
				if cfg.Funds.Driver != "" && cfg.Funds.Driver != "sqlite" {
					return fmt.Errorf("configured fund driver is %s; pass --out to write a sqlite file", cfg.Funds.Driver)
				}
				out = app.FundsDSN(workspace, cfg)
			}
			fixture := funddb.Synthetic(synthetic, fixtureSeed)
			if file != "" {
				var err error
				if fixture, err = funddb.LoadFixture(file); err != nil {
					return err
				}
			}
			n, err := funddb.Seed(cmd.Context(), out, fixture)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": out, "funds": n})
			}
			fmt.Printf("seeded %d funds into %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML fixture")
	cmd.Flags().IntVar(&synthetic, "synthetic", 0, "generate this many synthetic funds")
	cmd.Flags().Uint64Var(&fixtureSeed, "fixture-seed", 1, "seed of the synthetic generator")
	cmd.Flags().StringVar(&out, "out", "", "database path (default from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
				if authCfg.JWTSecret == "" {
					a.Logger.Warn("auth_disabled", "hint", "set ICPILOT_JWT_SECRET to require bearer tokens for POST /runs")
				}
				checks := map[string]server.Check{}
				for name, check := range a.Checks() {
					checks[name] = check
				}
				handler, err := server.New(server.Config{
					Engine:     a.Engine,
					Events:     a.Repo,
					BasePath:   basePath,
					Auth:       authCfg,
					Checks:     checks,
					Logger:     a.Logger,
					RunContext: ctx,
				})
				if err != nil {
					return err
				}
				go server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, a.Logger).Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving icpilot API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in <workspace>/icpilot.yml; missing keys take their defaults. 'config init' writes the defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func sdkClient() *icpilotsdk.Client {
	client := icpilotsdk.New(viper.GetString("server"))
	client.BearerToken = viper.GetString("token")
	return client
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printRun(run domain.Run) {
	fmt.Printf("Run %s  mandate=%s  seed=%d  status=%s  progress=%.0f%%\n", run.RunID, run.MandateID, run.Seed, run.Status, run.ProgressPct)
	if run.ErrorMessage != "" {
		fmt.Printf("Error in %s: %s\n", run.ErrorStage, run.ErrorMessage)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Stage", "Status", "Duration", "Artifacts", "Repairs", "Error"})
	for _, st := range run.Stages {
		duration := ""
		if st.DurationMS != nil {
			duration = fmt.Sprintf("%dms", *st.DurationMS)
		}
		tw.AppendRow(table.Row{st.StageOrder, st.StageName, st.Status, duration, len(st.Artifacts), st.RepairAttempts, st.ErrorCode})
	}
	tw.Render()

	tw = newTable()
	tw.AppendHeader(table.Row{"Candidate", "State", "Compliance", "Red team", "Repairs", "Score", "Note"})
	for _, c := range run.Candidates {
		score := ""
		if s, ok := c.Scores["weighted"]; ok {
			score = fmt.Sprintf("%.4f", s)
		}
		note := c.RejectionReason
		if note == "" {
			note = c.ErrorMessage
		}
		tw.AppendRow(table.Row{c.CandidateID, c.State, c.ComplianceStatus, c.RedTeamStatus, c.RepairAttempts, score, note})
	}
	tw.Render()
}

func printDecision(d *artifact.Decision) {
	if d.NoEligibleCandidate {
		fmt.Printf("No candidate passed both checks; %s selected as fallback.\n", d.SelectedCandidate)
	} else {
		fmt.Printf("Selected candidate %s (score %.4f).\n", d.SelectedCandidate, d.CandidateScores[d.SelectedCandidate])
	}
	if d.Rationale != "" {
		fmt.Println(d.Rationale)
	}
}

func printEvents(items []domain.Event) {
	for _, evt := range items {
		printEventLine(evt.Sequence, evt.TS, string(evt.Level), string(evt.Kind), evt.Message)
	}
}

func printEventLine(seq int64, ts time.Time, level, kind, message string) {
	fmt.Printf("%4d %s %-5s %-20s %s\n", seq, ts.Format("15:04:05.000"), level, kind, message)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONLine(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}
