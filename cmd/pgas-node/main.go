// pgas-node boots one PE of a PGAS job, or an entire world in-process with
// the local backend, and runs a distributed reference-counted counter
// workload across it.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nmxmxh/pgas_v1/internal/config"
	"github.com/nmxmxh/pgas_v1/internal/darc"
	"github.com/nmxmxh/pgas_v1/internal/engine"
	"github.com/nmxmxh/pgas_v1/internal/lamellae"
	"github.com/nmxmxh/pgas_v1/internal/memory"
)

var version = "dev"

const hidIncrement engine.HandlerID = 1

type incrementMsg struct {
	Counter darc.Ref `json:"counter"`
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pgas-node",
		Short: "PGAS runtime node",
	}
	root.AddCommand(runCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func runCmd() *cobra.Command {
	var (
		cfgPath     string
		verbose     bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the counter workload on the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			if metricsAddr != "" {
				go serveMetrics(metricsAddr, logger)
			}
			if cfg.Backend == config.BackendLocal {
				return runLocalWorld(cfg, logger)
			}
			return runAttached(cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listener up", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "error", err)
	}
}

// runLocalWorld hosts every PE of the job in this process, one goroutine per
// PE, over the loopback transport.
func runLocalWorld(cfg config.Config, logger *slog.Logger) error {
	lw, err := lamellae.NewLocalWorld(cfg.WorldSize)
	if err != nil {
		return err
	}
	defer lw.Close()

	var wg sync.WaitGroup
	errs := make([]error, cfg.WorldSize)
	for pe := 0; pe < cfg.WorldSize; pe++ {
		wg.Add(1)
		go func(pe int) {
			defer wg.Done()
			errs[pe] = runPE(lw.Endpoint(pe), cfg, logger)
		}(pe)
	}
	wg.Wait()

	for pe, err := range errs {
		if err != nil {
			return fmt.Errorf("pe %d: %w", pe, err)
		}
	}
	return nil
}

// runAttached joins an existing job as one PE via shmem or fabric.
func runAttached(cfg config.Config, logger *slog.Logger) error {
	tr, err := lamellae.Dial(cfg, logger)
	if err != nil {
		return err
	}
	return runPE(tr, cfg, logger)
}

// runPE brings up the runtime stack on one transport endpoint and executes
// the workload: every PE sends one increment to each PE, broadcasts one
// increment to all, and applies one directly, so each replica ends at
// 2*worldsize+1.
func runPE(tr lamellae.Transport, cfg config.Config, logger *slog.Logger) error {
	pool, err := memory.New(tr, cfg.PoolSize, logger)
	if err != nil {
		return err
	}
	eng := engine.New(tr, pool, cfg.Workers, logger)
	rt, err := darc.Attach(eng)
	if err != nil {
		return err
	}
	defer rt.Close()

	err = eng.Register(hidIncrement, func(ctx *engine.Context, payload []byte) (any, error) {
		var msg incrementMsg
		if err := ctx.Decode(payload, &msg); err != nil {
			return nil, err
		}
		d, err := darc.Resolve[int64](rt, msg.Counter)
		if err != nil {
			return nil, err
		}
		defer d.Drop()
		return atomic.AddInt64(d.Get(), 1), nil
	})
	if err != nil {
		return err
	}
	eng.Start()
	defer eng.Close()

	world := eng.World()
	counter, err := darc.New(rt, nil, world, int64(0))
	if err != nil {
		return err
	}

	msg := incrementMsg{Counter: counter.Ref()}
	for rank := 0; rank < world.Size(); rank++ {
		if _, err := eng.ExecAmPE(world, rank, hidIncrement, msg); err != nil {
			return err
		}
	}
	if _, err := eng.ExecAmAll(world, hidIncrement, msg); err != nil {
		return err
	}
	atomic.AddInt64(counter.Get(), 1)

	if err := eng.WaitAll(nil); err != nil {
		return err
	}
	if err := eng.Barrier(nil, world); err != nil {
		return err
	}

	got := atomic.LoadInt64(counter.Get())
	want := int64(2*world.Size() + 1)
	logger.Info("counter settled", "pe", eng.MyPE(), "value", got, "expect", want)
	if got != want {
		return fmt.Errorf("counter mismatch on pe %d: got %d want %d", eng.MyPE(), got, want)
	}

	if err := counter.Drop(); err != nil {
		return err
	}
	if err := eng.WaitAll(nil); err != nil {
		return err
	}
	return eng.Barrier(nil, world)
}
