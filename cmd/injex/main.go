// Command injex runs the AI-agent defense pipeline: detection sweeps,
// origin analysis, containment, active neutralization, verification,
// and teardown, each independently invocable and chained through
// persisted JSON artifacts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/artifact"
	"github.com/fermsi-paradox/openai-injex/internal/classify"
	"github.com/fermsi-paradox/openai-injex/internal/contain"
	"github.com/fermsi-paradox/openai-injex/internal/detect"
	"github.com/fermsi-paradox/openai-injex/internal/events"
	"github.com/fermsi-paradox/openai-injex/internal/journal"
	"github.com/fermsi-paradox/openai-injex/internal/monitor"
	"github.com/fermsi-paradox/openai-injex/internal/neutralize"
	"github.com/fermsi-paradox/openai-injex/internal/origin"
	"github.com/fermsi-paradox/openai-injex/internal/pipeline"
	"github.com/fermsi-paradox/openai-injex/internal/sysinfo"
	"github.com/fermsi-paradox/openai-injex/internal/verify"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile    string
	stateDir   string
	outputJSON bool
	verbose    bool
)

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrThreatsDetected):
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "injex",
	Short: "AI-agent detection and neutralization pipeline",
	Long: `injex detects unauthorized AI-agent processes on a host and drives
a staged response: origin analysis, containment rules, active
neutralization, and post-action verification.

All host interaction is simulated through snapshots and state files;
stages exchange findings through JSON artifacts under the state
directory, so each stage can run in its own invocation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("injex")
			viper.SetConfigType("yaml")
			viper.AddConfigPath("configs")
			viper.AddConfigPath(".")
		}
		viper.SetEnvPrefix("INJEX")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()

		viper.SetDefault("state_dir", ".injex/state")
		viper.SetDefault("scan.timeout", "30s")
		viper.SetDefault("scan.log_paths", []string{})
		viper.SetDefault("sysinfo.snapshot", "")
		viper.SetDefault("classifier.base_url", "")
		viper.SetDefault("classifier.api_key", "")
		viper.SetDefault("classifier.model", "gpt-4o")
		viper.SetDefault("classifier.rate_limit_rps", 1.0)
		viper.SetDefault("contain.watchlist_ports", []int{11434, 5000})
		viper.SetDefault("neutralize.strategies_file", "")
		viper.SetDefault("neutralize.seed", 0)
		viper.SetDefault("verify.clean_scans", 1)
		viper.SetDefault("journal.backend", "memory")
		viper.SetDefault("database.url", "")
		viper.SetDefault("events.nats_url", "")
		viper.SetDefault("monitor.port", 8088)
		viper.SetDefault("monitor.scan_interval", "5m")
		viper.SetDefault("monitor.cors_origins", []string{})
		viper.SetDefault("monitor.rate_limit_rps", 20)

		_ = viper.ReadInConfig()

		if stateDir != "" {
			viper.Set("state_dir", stateDir)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/injex.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "artifact state directory (default .injex/state)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "output-json", false, "print the stage artifact as JSON on stdout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(firewallCmd)
	rootCmd.AddCommand(defendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)
}

func pgxPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, errors.New("journal.backend is postgres but database.url is empty")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func newLogger() *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

// app bundles everything a stage invocation needs.
type app struct {
	logger   *zap.Logger
	store    *artifact.Store
	pipeline *pipeline.Pipeline
	manager  *contain.Manager
	events   events.Publisher
}

func (a *app) close() {
	if err := a.events.Close(); err != nil {
		a.logger.Warn("event publisher close failed", zap.Error(err))
	}
	_ = a.logger.Sync() //nolint:errcheck
}

// buildApp wires the full component graph from configuration. Every
// stage command shares this path so a stage run in isolation sees the
// same collaborators a full sweep does.
func buildApp(ctx context.Context) (*app, error) {
	logger := newLogger()

	dir := viper.GetString("state_dir")
	store, err := artifact.NewStore(dir, logger)
	if err != nil {
		return nil, err
	}

	// Host inspection and classification collaborators.
	inspector := sysinfo.NewSnapshotInspector(viper.GetString("sysinfo.snapshot"))

	var classifier classify.Classifier
	if base := viper.GetString("classifier.base_url"); base != "" {
		classifier, err = classify.New(base,
			classify.WithAPIKey(viper.GetString("classifier.api_key")),
			classify.WithModel(viper.GetString("classifier.model")),
			classify.WithRateLimit(viper.GetFloat64("classifier.rate_limit_rps"), 1),
			classify.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("configure classifier: %w", err)
		}
	} else {
		classifier = classify.NewNoop(logger)
	}

	// Detection.
	sigs := detect.DefaultSignatures()
	resolver, err := detect.NewCachedResolver(detect.NetResolver{}, 256)
	if err != nil {
		return nil, err
	}
	logPaths := viper.GetStringSlice("scan.log_paths")
	if len(logPaths) == 0 {
		logPaths = detect.DefaultLogPaths()
	}
	buffer := detect.NewActivityBuffer(0, 0)
	scanners := []detect.Scanner{
		detect.NewBehavioralScanner(classifier, buffer, inspector, logger),
		detect.NewNetworkScanner(inspector, resolver, nil, logger),
		detect.NewProcessScanner(inspector, sigs, logger),
		detect.NewLogScanner(logPaths, sigs, logger),
	}
	aggregator := detect.NewAggregator(scanners, viper.GetDuration("scan.timeout"), logger)

	// Containment.
	applier := contain.NewStateApplier(filepath.Join(dir, "firewall_rules.json"), logger)
	manager := contain.NewManager(applier, viper.GetIntSlice("contain.watchlist_ports"), logger)

	// Neutralization.
	library := neutralize.DefaultLibrary()
	if path := viper.GetString("neutralize.strategies_file"); path != "" {
		library, err = neutralize.LoadLibrary(path)
		if err != nil {
			return nil, err
		}
	}
	seed := viper.GetInt64("neutralize.seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	source := neutralize.NewSeededSource(seed)
	engine := neutralize.NewEngine(library, neutralize.DefaultChannels(source, logger), logger)

	// Verification.
	verifier := verify.NewVerifier(aggregator, logger,
		verify.WithCleanScans(viper.GetInt("verify.clean_scans")))

	// Journal.
	var jrnl journal.Journal = journal.NewMemory()
	if viper.GetString("journal.backend") == "postgres" {
		pool, err := pgxPool(ctx, viper.GetString("database.url"))
		if err != nil {
			return nil, err
		}
		jrnl = journal.NewPostgres(pool, logger)
	}

	// Events.
	var publisher events.Publisher = events.NewNoop(logger)
	if url := viper.GetString("events.nats_url"); url != "" {
		publisher, err = events.NewNATS(url, logger)
		if err != nil {
			return nil, err
		}
	}

	manager.SetActionRecord(func(action string, rule contain.Rule) {
		if _, err := jrnl.Append(ctx, rule.Identity(), action, journal.SystemActor, rule); err != nil {
			logger.Warn("journal append failed", zap.Error(err))
		}
	})

	checks := []pipeline.Check{
		{Name: "inspector", Probe: func(ctx context.Context) error {
			_, err := inspector.Processes(ctx)
			return err
		}},
		{Name: "classifier", Probe: classifier.Ready},
		{Name: "payload_library", Probe: func(context.Context) error {
			if library.Len() == 0 {
				return errors.New("no strategies configured")
			}
			return nil
		}},
		{Name: "rule_surface", Probe: func(ctx context.Context) error {
			probe := contain.Rule{Kind: contain.KindBlockIP, Target: "192.0.2.1", Reason: "self-test"}
			if err := applier.Apply(ctx, probe); err != nil {
				return err
			}
			return applier.Remove(ctx, probe)
		}},
	}

	p := pipeline.New(pipeline.Components{
		Store:       store,
		Detector:    aggregator,
		Analyzer:    origin.NewAnalyzer(logger),
		Containment: manager,
		Neutralizer: engine,
		Confirmer:   verifier,
		Journal:     jrnl,
		Events:      publisher,
		Checks:      checks,
		Logger:      logger,
		StageObserver: func(stage pipeline.Stage, elapsed time.Duration) {
			monitor.ObserveStage(stage.String(), elapsed)
		},
	})

	return &app{
		logger:   logger,
		store:    store,
		pipeline: p,
		manager:  manager,
		events:   publisher,
	}, nil
}

// printArtifact emits a stage artifact on stdout when --output-json is
// set.
func printArtifact(doc any) error {
	if !outputJSON {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// ── init ─────────────────────────────────────────────────────────────────────

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Run component self-tests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.pipeline.Init(ctx); err != nil {
			return err
		}
		fmt.Println("all components ready")
		return nil
	},
}

// ── detect ───────────────────────────────────────────────────────────────────

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run a full detection sweep and persist the report",
	Long: `Detect fans the behavioral, network, process, and log scanners out
concurrently, merges their findings into a threat report, and writes
detection_report.json to the state directory.

Exit code 2 means the sweep found threats; 0 means a clean host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		rep, err := a.pipeline.Detect(ctx)
		if err != nil {
			return err
		}
		if err := printArtifact(rep); err != nil {
			return err
		}
		fmt.Println(rep.Summary)
		if rep.ThreatsDetected {
			return pipeline.ErrThreatsDetected
		}
		return nil
	},
}

// ── analyze ──────────────────────────────────────────────────────────────────

var analyzeInput string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Trace persisted detections to their origin",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.pipeline.Analyze(ctx, analyzeInput); err != nil {
			return err
		}
		entries, err := a.store.LoadAnalysis()
		if err != nil {
			return err
		}
		if err := printArtifact(entries); err != nil {
			return err
		}
		fmt.Printf("analyzed %d threat(s)\n", len(entries))
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeInput, "input", "", "detection report path (default: state directory)")
}

// ── firewall ─────────────────────────────────────────────────────────────────

var (
	firewallDeploy bool
	firewallRemove bool
)

var firewallCmd = &cobra.Command{
	Use:   "firewall",
	Short: "Deploy or remove containment rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		if firewallDeploy == firewallRemove {
			return errors.New("exactly one of --deploy or --remove is required")
		}

		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if firewallDeploy {
			n, err := a.pipeline.ContainDeploy(ctx)
			if err != nil {
				return err
			}
			if err := printArtifact(a.manager.Rules()); err != nil {
				return err
			}
			fmt.Printf("deployed %d rule(s)\n", n)
			return nil
		}

		n, err := a.pipeline.ContainRemove(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d rule(s)\n", n)
		return nil
	},
}

func init() {
	firewallCmd.Flags().BoolVar(&firewallDeploy, "deploy", false, "derive and apply block rules from the persisted report")
	firewallCmd.Flags().BoolVar(&firewallRemove, "remove", false, "tear down every tracked rule")
}

// ── defend ───────────────────────────────────────────────────────────────────

var defendExecute bool

var defendCmd = &cobra.Command{
	Use:   "defend",
	Short: "Run neutralization against persisted threats",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !defendExecute {
			return errors.New("defend is destructive in spirit; pass --execute to confirm")
		}

		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.pipeline.Defend(ctx); err != nil {
			return err
		}
		entries, err := a.store.LoadDefense()
		if err != nil {
			return err
		}
		if err := printArtifact(entries); err != nil {
			return err
		}

		succeeded := 0
		for _, e := range entries {
			if e.Success {
				succeeded++
			}
		}
		fmt.Printf("neutralized %d of %d threat(s)\n", succeeded, len(entries))
		return nil
	},
}

func init() {
	defendCmd.Flags().BoolVar(&defendExecute, "execute", false, "confirm running the neutralization engine")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyPostAction bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-scan for defended threats and persist the verdicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !verifyPostAction {
			return errors.New("verify runs after defend; pass --post-action to confirm")
		}

		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.pipeline.Verify(ctx); err != nil {
			return err
		}
		entries, err := a.store.LoadVerification()
		if err != nil {
			return err
		}
		if err := printArtifact(entries); err != nil {
			return err
		}

		neutralized := 0
		for _, e := range entries {
			if e.Neutralized {
				neutralized++
			}
		}
		fmt.Printf("verified %d of %d threat(s) neutralized\n", neutralized, len(entries))
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyPostAction, "post-action", false, "confirm post-neutralization verification")
}

// ── monitor ──────────────────────────────────────────────────────────────────

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve the ops API and sweep continuously",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		srv := monitor.NewServer(monitor.Config{
			Port:         viper.GetInt("monitor.port"),
			CORSOrigins:  viper.GetStringSlice("monitor.cors_origins"),
			RateLimitRPS: viper.GetInt("monitor.rate_limit_rps"),
			ScanInterval: viper.GetDuration("monitor.scan_interval"),
		}, a.store, a.manager, a.pipeline, a.logger)

		return srv.Run(ctx)
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the injex version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("injex", version)
	},
}
