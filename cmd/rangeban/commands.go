package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/rangeban/internal/adapters/output"
	"github.com/xoelrdgz/rangeban/internal/app"
	"github.com/xoelrdgz/rangeban/internal/render"
)

var fromBeginning bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run detection cycles until interrupted",
	Long: `Follow the configured log source and run a detection cycle every
engine.interval. The ban store is rewritten only when the computed set changes.

Examples:
  rangeban run --log /var/log/nginx/stream.log --store-path /etc/nginx/blocklist.conf
  rangeban run --demo --log-level debug`,
	RunE: runRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single detection cycle and write the result",
	RunE:  runOnce,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the ban set change a cycle would make without writing it",
	RunE:  runPlan,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve ADDR...",
	Short: "Resolve addresses to their owning range and country",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runResolve,
}

func init() {
	runCmd.Flags().BoolVar(&fromBeginning, "from-beginning", false, "read the log file from the start instead of the end")
}

func loadConfig() (*app.Config, error) {
	setupLogging()
	cfg, err := app.LoadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.engine.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore engine state, starting fresh")
	}

	if svc.fileSource != nil {
		svc.fileSource.SetFromBeginning(fromBeginning)
		if err := svc.fileSource.Start(ctx); err != nil {
			return fmt.Errorf("start log follower: %w", err)
		}
	}

	health := output.NewHealthChecker(output.DefaultHealthCheckerConfig(cfg.Interval))
	svc.engine.AddObserver(health)

	if cfg.Output.MetricsEnabled {
		metrics := output.NewPrometheusMetrics("rangeban", nil)
		svc.engine.AddObserver(metrics)

		metrics.RegisterRuntime(svc.runtimeSources())

		metricsConfig := output.DefaultMetricsConfig()
		metricsConfig.Port = ":" + strconv.Itoa(cfg.Output.MetricsPort)
		extra := map[string]http.Handler{
			"/health": health,
			"/ready":  health.ReadyHandler(),
		}
		if err := metrics.StartServer(metricsConfig, extra); err != nil {
			log.Warn().Err(err).Msg("Failed to start metrics server")
		}
		defer metrics.StopServer()
	}

	if cfg.Output.EventsPath != "" || cfg.Output.EventsStdout {
		events := output.NewEventLog(output.EventLogConfig{
			FilePath:   cfg.Output.EventsPath,
			Stdout:     cfg.Output.EventsStdout,
			MaxSizeMB:  viper.GetInt("logging.max_size_mb"),
			MaxBackups: viper.GetInt("logging.max_backups"),
		})
		svc.engine.AddObserver(events)
		defer events.Close()
	}

	app.NewHotReloadConfig(viper.GetViper(), svc.engine).StartWatching()

	log.Info().
		Str("source", cfg.Source.Type).
		Str("store", cfg.Store.Type).
		Str("whois", cfg.Whois.Provider).
		Str("home_country", cfg.Grouping.HomeCountry).
		Msg("rangeban started")

	err = svc.engine.Run(ctx)
	log.Info().Msg("Shutting down...")
	return err
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.engine.RunCycle(ctx)
	fmt.Fprintln(cmd.OutOrStdout(), render.Cycle(report))
	return err
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.engine.Plan(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), render.Plan(report))
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addrs := make([]netip.Addr, 0, len(args))
	for _, a := range args {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", a, err)
		}
		addrs = append(addrs, addr.Unmap())
	}

	svc := &service{cfg: cfg}
	defer svc.Close()
	resolver, err := svc.buildResolver(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Whois.Timeout+5*time.Second)
	defer cancel()
	results, err := resolver.ResolveAll(ctx, addrs)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), render.Resolutions(results))
	return nil
}
