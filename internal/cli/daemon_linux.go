package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/lockc/internal/config"
	"github.com/ppiankov/lockc/internal/executor"
	"github.com/ppiankov/lockc/internal/metrics"
	"github.com/ppiankov/lockc/internal/policy"
	"github.com/ppiankov/lockc/internal/state"
	"github.com/ppiankov/lockc/internal/systemd"
	"github.com/ppiankov/lockc/internal/watch"
)

var (
	daemonConfig string
	daemonDebug  bool
)

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonConfig, "config", "", "Path to config YAML (default /etc/lockc/lockc.yaml)")
	daemonCmd.Flags().BoolVar(&daemonDebug, "debug", false, "Enable debug logging")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the policy daemon",
	Long:  "Watches executions of the low-level container runtime, resolves a policy level for every created container, and registers the decision in kernel-shared state before the runtime is released.",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(daemonConfig)
	if err != nil {
		return err
	}
	if daemonDebug {
		cfg.Debug = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if msg := systemd.CheckUnitFileIntegrity(); msg != "" {
		fmt.Fprintf(os.Stderr, "lockcd: %s\n", msg)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, prometheus.DefaultGatherer); err != nil {
				fmt.Fprintf(os.Stderr, "lockcd: metrics: %v\n", err)
			}
		}()
	}

	// The orchestration API is optional: on a plain Docker host there are
	// no credentials, and orchestrated containers then fail resolution
	// instead of being silently downgraded.
	var lister policy.NamespaceLister
	if kl, err := policy.NewKubeLister(); err != nil {
		fmt.Fprintf(os.Stderr, "lockcd: no orchestration API client: %v\n", err)
	} else {
		lister = kl
	}
	resolver := policy.NewResolver(lister, cfg.ResolveTimeout, m)

	maps := state.NewMaps()
	exec := executor.New(maps, cfg.CommandQueue, m, cfg.Debug)

	watcher, unmarked, err := watch.New(watch.Config{
		RuncNames: cfg.RuncNames,
		ShimNames: cfg.ShimNames,
		Debug:     cfg.Debug,
	}, cfg.RuncPaths, exec, resolver, exec.Ready(), m)
	if err != nil {
		return fmt.Errorf("set up interception: %w", err)
	}

	if len(unmarked) > 0 {
		bw := watch.NewBinWatcher(unmarked, watcher.MarkBinary, cfg.Debug)
		go func() {
			if err := bw.Run(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "lockcd: binwatch: %v\n", err)
			}
		}()
	}

	if cfg.WatchDocker {
		dw, err := watch.NewDockerWatcher(cfg.DockerSocket, cfg.Debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lockcd: docker watcher disabled: %v\n", err)
		} else {
			go func() {
				if err := dw.Run(ctx); err != nil && ctx.Err() == nil {
					fmt.Fprintf(os.Stderr, "lockcd: docker: %v\n", err)
				}
			}()
		}
	}

	errCh := make(chan error, 2)

	// The executor is the only goroutine touching map state. It fires the
	// readiness signal once the daemon's own registration is committed.
	go func() { errCh <- exec.Run(ctx) }()

	// The watcher gets a dedicated OS thread: answering a kernel-issued
	// permission check late stalls the runtime, and interleaving with
	// unrelated goroutines risks unbounded response latency.
	go func() {
		runtime.LockOSThread()
		errCh <- watcher.Run(ctx)
	}()

	err = <-errCh
	stop()
	<-errCh
	if err == context.Canceled {
		return nil
	}
	return err
}
