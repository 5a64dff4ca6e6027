// Command tracebase is the operational CLI for a tracebase repository:
// maintained-field rebuilds, cache builds, and configuration checks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tracebase/internal/archive"
	"tracebase/internal/cache"
	"tracebase/internal/core"
	"tracebase/internal/infra/persistence"
	"tracebase/internal/maintained"
	"tracebase/pkg/domain"
)

var (
	flagDriver    string
	flagDBPath    string
	flagDSN       string
	flagKinds     []string
	flagLabels    []string
	flagExclude   []string
	flagFunctions []string
	flagClear     bool
	flagVerbose   bool

	rootCmd = &cobra.Command{
		Use:           "tracebase",
		Short:         "Operate a tracebase isotope-tracing data repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flagVerbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	rebuildCmd = &cobra.Command{
		Use:   "rebuild-maintained",
		Short: "Recompute maintained fields across the whole repository",
		Long: `Recomputes every maintained field for every record, optionally narrowed
to specific kinds or update labels. The out-of-band repair path for state
written while updates were deferred or disabled.`,
		RunE: runRebuild,
	}

	buildCachesCmd = &cobra.Command{
		Use:   "build-caches",
		Short: "Compute and store every cached function result",
		RunE:  runBuildCaches,
	}

	clearCachesCmd = &cobra.Command{
		Use:   "clear-caches",
		Short: "Drop every cached function result",
		RunE:  runClearCaches,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate schema, updater, and cached-function registration",
		RunE:  runCheck,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDriver, "driver", "", "storage driver: memory|sqlite|postgres (default $TRACEBASE_STORAGE_DRIVER or sqlite)")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "sqlite database path (default $TRACEBASE_SQLITE_PATH or tracebase.db)")
	rootCmd.PersistentFlags().StringVar(&flagDSN, "dsn", "", "postgres connection string (default $TRACEBASE_POSTGRES_DSN)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rebuildCmd.Flags().StringSliceVar(&flagKinds, "kind", nil, "restrict to entity kinds (repeatable)")
	rebuildCmd.Flags().StringSliceVar(&flagLabels, "label", nil, "restrict to update labels (repeatable)")
	rebuildCmd.Flags().StringSliceVar(&flagExclude, "exclude-label", nil, "skip update labels (repeatable, wins over --label)")

	buildCachesCmd.Flags().StringSliceVar(&flagKinds, "kind", nil, "restrict to entity kinds (repeatable)")
	buildCachesCmd.Flags().StringSliceVar(&flagFunctions, "function", nil, "restrict to cached function names (repeatable)")
	buildCachesCmd.Flags().BoolVar(&flagClear, "clear", false, "drop existing entries before warming")

	rootCmd.AddCommand(rebuildCmd, buildCachesCmd, clearCachesCmd, checkCmd)
}

// openService assembles the full stack: schemas, registry, engine, cache
// layer, archive, and the configured storage backend.
func openService(ctx context.Context) (*core.Service, error) {
	schemas, err := core.BuildSchemas()
	if err != nil {
		return nil, fmt.Errorf("build schemas: %w", err)
	}
	registry, err := core.BuildRegistry(schemas)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	engine := maintained.NewEngine(schemas, registry)
	layer := cache.New(schemas, cache.WithMetrics(cache.NewMetrics(prometheus.DefaultRegisterer)))
	if err := core.RegisterCachedFunctions(layer); err != nil {
		return nil, fmt.Errorf("register cached functions: %w", err)
	}
	mem := core.NewMemoryStore(engine, layer)
	store, err := persistence.Open(ctx, persistence.Config{
		Driver: persistence.Driver(flagDriver),
		Path:   flagDBPath,
		DSN:    flagDSN,
	}, mem)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	arch, err := archive.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return core.NewService(store, core.WithArchive(arch)), nil
}

func kindArgs() []domain.Kind {
	out := make([]domain.Kind, 0, len(flagKinds))
	for _, k := range flagKinds {
		out = append(out, domain.Kind(k))
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Store().Close() }()

	summary, err := svc.RebuildMaintainedFields(ctx, maintained.RebuildFilter{
		Kinds:         kindArgs(),
		Labels:        flagLabels,
		ExcludeLabels: flagExclude,
	})
	if err != nil {
		return err
	}
	if err := printJSON(summary); err != nil {
		return err
	}
	if summary.Failed() {
		return fmt.Errorf("rebuild completed with per-record errors")
	}
	return nil
}

func runBuildCaches(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Store().Close() }()

	if flagClear {
		svc.ClearCaches()
	}
	summary, err := svc.WarmCaches(ctx, kindArgs(), flagFunctions)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runClearCaches(cmd *cobra.Command, _ []string) error {
	svc, err := openService(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = svc.Store().Close() }()
	svc.ClearCaches()
	slog.Info("caches cleared")
	return nil
}

// runCheck validates every kind's registration eagerly: schema lookup,
// updater descriptor checks, and the cached-function inventory.
func runCheck(cmd *cobra.Command, _ []string) error {
	schemas, err := core.BuildSchemas()
	if err != nil {
		return fmt.Errorf("build schemas: %w", err)
	}
	registry, err := core.BuildRegistry(schemas)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	layer := cache.New(schemas)
	if err := core.RegisterCachedFunctions(layer); err != nil {
		return fmt.Errorf("register cached functions: %w", err)
	}

	type kindReport struct {
		Kind       domain.Kind `json:"kind"`
		Maintained bool        `json:"maintained"`
		Caching    bool        `json:"caching"`
		Updaters   int         `json:"updaters"`
		Functions  []string    `json:"cached_functions,omitempty"`
	}
	var report []kindReport
	for _, kind := range schemas.Kinds() {
		if err := registry.EnsureValidated(kind); err != nil {
			return fmt.Errorf("kind %s: %w", kind, err)
		}
		sc, _ := schemas.Lookup(kind)
		report = append(report, kindReport{
			Kind:       kind,
			Maintained: sc.Maintained,
			Caching:    sc.Caching,
			Updaters:   len(registry.Updaters(kind)),
			Functions:  layer.FunctionNames(kind),
		})
	}
	return printJSON(report)
}
