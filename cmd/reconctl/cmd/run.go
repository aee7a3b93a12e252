package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"reconbatch/internal/backend"
	"reconbatch/internal/config"
	"reconbatch/internal/consolidator"
	"reconbatch/internal/logger"
	"reconbatch/internal/manifest"
	"reconbatch/internal/monitor"
	"reconbatch/internal/observability"
	"reconbatch/internal/orchestrator"
	"reconbatch/internal/store"
	"reconbatch/internal/store/sqlite"
	"reconbatch/internal/template"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute every work item in the manifest and consolidate outputs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log := newLogger()
		runID := uuid.NewString()
		log = log.With("run_id", runID)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx = logger.WithRunID(ctx, runID)

		if cfg.TraceCollectorAddr != "" {
			shutdownTracer, err := observability.Init(ctx, "reconbatch", cfg.TraceCollectorAddr)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil {
					log.Warn("failed to shut down tracer", "error", err)
				}
			}()
		}

		tpl, err := template.Load(cfg.Template)
		if err != nil {
			return fmt.Errorf("load template: %w", err)
		}
		items, err := manifest.Load(cfg.Manifest)
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}

		be, err := buildBackend(cfg)
		if err != nil {
			return err
		}

		var outcomes store.Store
		if cfg.StateDB != "" {
			st, err := sqlite.Open(ctx, cfg.StateDB)
			if err != nil {
				return fmt.Errorf("open state database: %w", err)
			}
			defer st.Close()
			outcomes = st
		}

		orch, err := orchestrator.New(tpl, be, consolidator.New(log), outcomes, config.NewPlanner(cfg), log, orchestrator.Options{
			Concurrency: cfg.Concurrency,
			MaxAttempts: cfg.MaxAttempts,
			JobTimeout:  cfg.JobTimeout.Std(),
			BackoffBase: cfg.BackoffBase.Std(),
			MaxBackoff:  cfg.MaxBackoff.Std(),
			WorkDir:     cfg.WorkDir,
		})
		if err != nil {
			return err
		}

		monCtx, stopMonitor := context.WithCancel(ctx)
		defer stopMonitor()
		var monitorGroup errgroup.Group
		if cfg.MetricsAddr != "" {
			handler, shutdownMetrics, err := observability.InitMetrics()
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			defer func() {
				if err := shutdownMetrics(context.WithoutCancel(ctx)); err != nil {
					log.Warn("failed to shut down metrics", "error", err)
				}
			}()
			srv := monitor.New(cfg.MetricsAddr, orch, handler)
			monitorGroup.Go(func() error { return srv.Run(monCtx) })
			log.Info("monitoring listening", "addr", cfg.MetricsAddr)
		}

		if err := orch.Enqueue(ctx, items); err != nil {
			return err
		}
		log.Info("batch started", "items", len(items), "backend", be.Name(), "concurrency", cfg.Concurrency)

		report, runErr := orch.Run(ctx)
		stopMonitor()
		if err := monitorGroup.Wait(); err != nil {
			log.Warn("monitoring server error", "error", err)
		}
		printReport(cmd, report)
		if runErr != nil {
			return fmt.Errorf("run interrupted: %w", runErr)
		}
		if !report.OK() {
			return fmt.Errorf("%d job(s) exhausted, %d consolidation failure(s)",
				len(report.Exhausted), len(report.ConsolidationFailed))
		}
		return nil
	},
}

func buildBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case "local":
		return backend.NewLocal(backend.LocalConfig{
			Tool:      cfg.Local.Tool,
			WorkDir:   cfg.WorkDir,
			StopGrace: cfg.Local.StopGrace.Std(),
		})
	case "docker":
		return backend.NewDocker(backend.DockerConfig{
			Image:            cfg.Docker.Image,
			Tool:             cfg.Docker.Tool,
			HostDataDir:      cfg.Docker.HostDataDir,
			ContainerDataDir: cfg.Docker.ContainerDataDir,
		})
	case "slurm":
		return backend.NewSlurm(backend.SlurmConfig{
			Tool:         cfg.Slurm.Tool,
			Partition:    cfg.Slurm.Partition,
			Account:      cfg.Slurm.Account,
			GPUs:         cfg.Slurm.GPUs,
			TimeLimit:    cfg.Slurm.TimeLimit.Std(),
			PollInterval: cfg.Slurm.PollInterval.Std(),
		})
	case "kubernetes":
		return backend.NewKubernetes(backend.KubernetesConfig{
			Namespace:       cfg.Kubernetes.Namespace,
			Image:           cfg.Kubernetes.Image,
			Tool:            cfg.Kubernetes.Tool,
			ServiceAccount:  cfg.Kubernetes.ServiceAccount,
			CPULimit:        cfg.Kubernetes.CPULimit,
			MemoryLimit:     cfg.Kubernetes.MemoryLimit,
			DataVolumeClaim: cfg.Kubernetes.DataVolumeClaim,
			HostDataDir:     cfg.Kubernetes.HostDataDir,
			DataMountPath:   cfg.Kubernetes.DataMountPath,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func printReport(cmd *cobra.Command, r *orchestrator.Report) {
	cmd.Println("Run finished.")
	for status, n := range r.Counts {
		cmd.Printf("  %-10s %d\n", status, n)
	}
	for _, f := range r.Exhausted {
		cmd.Printf("  exhausted: %s: %v\n", f.JobID, f.Err)
	}
	for _, f := range r.ConsolidationFailed {
		cmd.Printf("  consolidation failed: %s: %v\n", f.JobID, f.Err)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
