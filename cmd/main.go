package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"stalehunt/classifier"
	"stalehunt/config"
	"stalehunt/diag"
	"stalehunt/dispatch"
	"stalehunt/logger"
	"stalehunt/output"
	"stalehunt/rules"
	"stalehunt/scanner"
	"stalehunt/systeminfo"
	"stalehunt/tracing"
	"stalehunt/version"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stalehunt",
		Short: "stalehunt - file share triage for stale, still-used scripts",
		Long:  `stalehunt walks file shares and classifies every file it finds. By default
it looks for script files that something still runs but nobody maintains,
and reports whether the scanning identity could rewrite them.`,
		SilenceUsage: true,
	}
	root.AddCommand(newScanCmd(), newRulesCmd(), newVersionCmd())
	return root
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scan",
		Short:   "Classify files under the start paths and write findings",
		Example: `  stalehunt scan --path /srv/share
  stalehunt scan --path /srv,/home --access-days 3 --modify-months 12
  stalehunt scan --mode general --rules rules.yaml --format csv`,
		Args: cobra.NoArgs,
	}
	loader := config.Register(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loader.Load()
		if err != nil {
			return fmt.Errorf("error loading configuration: %w", err)
		}
		return runScan(cmd.Context(), cfg)
	}
	return cmd
}

func newRulesCmd() *cobra.Command {
	var (
		rulesFile string
		mode      string
		ruleID    string
		dump      bool
	)
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the effective rule chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := rules.Load(rulesFile)
			if err != nil {
				return err
			}
			if dump {
				data, err := rules.Marshal(set)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			m, err := dispatch.ParseMode(mode)
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), set, m, ruleID)
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "Path to a YAML rule catalogue (default: built-in catalogue).")
	cmd.Flags().StringVar(&mode, "mode", dispatch.General.String(), "Mode to show: specialized or general.")
	cmd.Flags().StringVar(&ruleID, "rule", classifier.StaleScriptRuleName, "Designated rule ID for specialized mode.")
	cmd.Flags().BoolVar(&dump, "dump", false, "Print the catalogue as YAML instead of a table.")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print stalehunt version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stalehunt %s\n", version.Version)
		},
	}
}

func printRules(out io.Writer, set *rules.File, mode dispatch.Mode, ruleID string) error {
	deps := rules.Deps{Thresholds: classifier.Thresholds{
		AccessDays:   classifier.DefaultAccessDays,
		ModifyMonths: classifier.DefaultModifyMonths,
	}}
	specs := set.Rules
	if mode == dispatch.Specialized {
		if _, err := rules.Designated(ruleID, set, deps); err != nil {
			return err
		}
		spec, ok := set.Lookup(ruleID)
		if !ok {
			spec = rules.Spec{ID: classifier.StaleScriptRuleName, Kind: rules.KindStaleScript}
		}
		specs = []rules.Spec{spec}
	} else if _, err := rules.Build(specs, deps); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tID\tKIND\tSEVERITY\tMATCH\n")
	for i, spec := range specs {
		severity := spec.Severity.String()
		if spec.Kind == rules.KindStaleScript {
			severity = "red if writable, else yellow"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, spec.ID, spec.Kind, severity, strings.Join(spec.Match, ","))
	}
	return tw.Flush()
}

func runScan(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := tracing.Start("stalehunt-trace.out"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start trace: %v\n", err)
	} else {
		defer tracing.Stop()
	}

	logger.Init(cfg.LogLevel)

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	startTime := time.Now()
	metrics := output.Metrics{StartTime: startTime.Format(time.RFC3339)}

	var sysInfo *systeminfo.SystemInfo
	if cfg.CollectSystemInfo {
		info, err := systeminfo.Collect(ctx)
		if err != nil {
			logger.Errorf("Failed to gather system information: %v", err)
		}
		sysInfo = info
		if info != nil && info.Elevated {
			logger.Warn("Running elevated: write and attribute probes reflect an administrative identity.")
		}
	}

	set, err := rules.Load(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	writer, err := output.New(cfg, output.ScanInfo{
		ScanID:       uuid.NewString(),
		StartTime:    metrics.StartTime,
		Version:      version.Version,
		Mode:         cfg.Mode,
		Rule:         ruleLabel(cfg),
		AccessDays:   cfg.AccessDays,
		ModifyMonths: cfg.ModifyMonths,
		RulesFile:    cfg.RulesFile,
		StartPaths:   cfg.StartPaths,
		System:       sysInfo,
	}, &metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize output: %w", err)
	}
	defer writer.Close()

	var hashAlgorithms []string
	if cfg.HashFindings {
		hashAlgorithms = cfg.HashAlgorithms
	}
	queue := output.NewQueue(writer, output.QueueOptions{
		Size:           cfg.QueueSize,
		LogRecords:     cfg.LogRecords,
		HashAlgorithms: hashAlgorithms,
	})
	defer queue.Close()

	d, err := buildDispatcher(cfg, set, rules.Deps{
		Prober:     classifier.NewFSProber(cfg.ProbeTimeout),
		Sink:       queue,
		Thresholds: cfg.Settings(),
	})
	if err != nil {
		return err
	}
	logger.Infof("Classifying in %s mode with %s", d.Mode(), d.RuleName())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go handleSignalEvent(ctx, cancel, cfg.TraceFlight, cfg.TraceFlightFile, sigChan)

	detector := diag.NewDetector(diag.Options{
		Threshold:     cfg.DiagSlowScanThreshold,
		Dir:           cfg.DiagDir,
		GoroutineLeak: cfg.DiagGoroutineLeak,
		ProgressFn: func() diag.Progress {
			return diag.Progress{Processed: d.Processed(), InFlight: d.InFlight()}
		},
		DumpFlightRecorder: flightDumper(cfg),
	})
	detector.Start(ctx)
	defer detector.Close()

	scanErr := scanner.ScanFiles(ctx, cfg, &metrics, d, writer)
	queue.Close()

	stats := d.Stats()
	metrics.FilesDispatched = int(stats.Dispatched)
	metrics.FilesMatched = int(stats.Matched)
	metrics.FilesSkipped = int(stats.Skipped)
	metrics.FilesFaulted = int(stats.Faulted)
	metrics.EndTime = time.Now().Format(time.RFC3339)
	writer.SetMetrics(metrics)

	if scanErr != nil {
		if errors.Is(scanErr, context.Canceled) {
			logger.Warn("Scan interrupted before completion.")
			return nil
		}
		return fmt.Errorf("scanning failed: %w", scanErr)
	}
	logger.WithFields(map[string]interface{}{
		"dispatched": stats.Dispatched,
		"matched":    stats.Matched,
		"skipped":    stats.Skipped,
		"faulted":    stats.Faulted,
		"output":     writer.Path(),
	}).Info("Scan completed")
	return nil
}

func buildDispatcher(cfg *config.Config, set *rules.File, deps rules.Deps) (*dispatch.Dispatcher, error) {
	mode := cfg.ScanMode()
	opts := dispatch.Options{Mode: mode}
	switch mode {
	case dispatch.Specialized:
		rule, err := rules.Designated(cfg.SpecializedRule, set, deps)
		if err != nil {
			return nil, err
		}
		opts.Designated = rule
	case dispatch.General:
		chain, err := rules.Build(set.Rules, deps)
		if err != nil {
			return nil, err
		}
		opts.Chain = chain
	}
	return dispatch.New(deps.Sink, opts)
}

func ruleLabel(cfg *config.Config) string {
	if cfg.ScanMode() == dispatch.General {
		return "chain"
	}
	return cfg.SpecializedRule
}

func flightDumper(cfg *config.Config) func(string) error {
	if !cfg.TraceFlight {
		return nil
	}
	return tracing.WriteFlightRecorder
}

func handleSignalEvent(ctx context.Context, cancel context.CancelFunc, traceFlight bool, traceFlightFile string, sigChan <-chan os.Signal) {
	select {
	case <-ctx.Done():
		return
	case <-sigChan:
	}
	logger.Info("Interrupt signal received. Finishing in-flight files...")
	if traceFlight {
		if err := tracing.WriteFlightRecorder(traceFlightFile); err != nil {
			logger.Warnf("Failed to write flight recorder: %v", err)
		}
	}
	cancel()
}
