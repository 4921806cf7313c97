package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/anomaly"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/approval"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/automation"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/config"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/engine"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/events"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/evolution"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/logging"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/modules"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/notify"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/search"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/store"
	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/suggest"

	"log/slog"
)

const version = "3.0.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "autopilot",
		Short: "Confidence-tiered automation core for operational events",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults apply when omitted)")

	root.AddCommand(runCmd(), sweepCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Read JSON events from stdin and route each through the automation tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			app.evolver.StartSweeper(ctx, app.cfg.SweepEvery)

			enc := json.NewEncoder(os.Stdout)
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}

				var ev models.Event
				if err := json.Unmarshal(line, &ev); err != nil {
					app.logger.Warn("skipping malformed event", "error", err)
					continue
				}

				result, err := app.service.ProcessEvent(ctx, &ev)
				if err != nil {
					app.logger.Error("event processing failed", "error", err)
					if result == nil {
						continue
					}
					// An execution failure still carries a routed result.
				}
				if err := enc.Encode(result); err != nil {
					return err
				}

				select {
				case <-ctx.Done():
					return printStats(app)
				default:
				}
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read events: %w", err)
			}
			return printStats(app)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one confidence maintenance pass: decay unused patterns, re-check promotions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.evolver.Sweep(ctx); err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			app.logger.Info("sweep complete")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("autopilot", version)
		},
	}
}

// app holds the wired core and everything that needs closing on exit.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	service     *automation.Service
	suggestions *suggest.Registry
	evolver     *evolution.Evolver
	closers     []func() error
}

func (a *app) close() {
	a.suggestions.CancelAll()
	a.evolver.Stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// buildApp loads config and wires the full decision pipeline.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logging.Init(cfg.Log.JSON, logging.ParseLevel(cfg.Log.Level))
	logger := slog.Default()

	a := &app{cfg: cfg, logger: logger}

	patterns, err := store.NewBadgerPatternStore(cfg.Stores.PatternPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern store: %w", err)
	}
	a.closers = append(a.closers, patterns.Close)

	records, err := store.NewSQLiteRecordStore(cfg.Stores.RecordsPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	a.closers = append(a.closers, records.Close)

	var lineage store.LineageStore
	if cfg.Stores.DgraphAddr != "" {
		dg, err := store.NewDgraphLineageStore(cfg.Stores.DgraphAddr)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect lineage store: %w", err)
		}
		lineage = dg
		a.closers = append(a.closers, dg.Close)
	}

	emitters := []events.Emitter{events.NewLogEmitter(logger)}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		ps, err := events.NewPubSubEmitter(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect pubsub: %w", err)
		}
		emitters = append(emitters, ps)
		a.closers = append(a.closers, ps.Close)
	}
	emitter := events.NewMultiEmitter(emitters...)

	var freq anomaly.FrequencyTracker
	if cfg.Stores.RedisAddr != "" {
		rt, err := anomaly.NewRedisFrequencyTracker(cfg.Stores.RedisAddr, cfg.Stores.RedisPassword, cfg.Stores.RedisDB)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect frequency tracker: %w", err)
		}
		freq = rt
		a.closers = append(a.closers, rt.Close)
	} else {
		freq = anomaly.NewMemoryFrequencyTracker()
	}

	notifier := notify.NewRateLimitedLogNotifier(logger, float64(cfg.Notify.RatePerMinute), cfg.Notify.Burst)

	a.evolver = evolution.New(cfg.Evolution, patterns, records, lineage, logger)

	eng := engine.New(engine.LoggingActionExecutor{Logger: logger}, records, a.evolver, emitter, logger)
	a.suggestions = suggest.NewRegistry(ctx, eng, records, a.evolver, emitter, cfg.Routing.SuggestionTimeout(), logger)
	approvals := approval.NewQueue(records, patterns, eng, a.evolver, emitter, logger)
	detector := anomaly.New(cfg.Anomaly, records, freq, notifier, emitter, logger)
	searcher := search.New(modules.NewDefaultRegistry(), patterns, cfg.Weights, logger)

	a.service = automation.New(cfg.Routing, searcher, eng, a.suggestions, approvals, detector, emitter, logger)
	return a, nil
}

func printStats(a *app) error {
	stats := a.service.Stats()
	return json.NewEncoder(os.Stderr).Encode(stats)
}
