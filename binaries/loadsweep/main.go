/*
loadsweep is the concurrency sweep harness CLI.

It launches an inference server (a single worker, or a router fronting
several data-parallel workers), then issues batches of generation requests at
ascending concurrency levels, recording per-level latency percentiles and
throughput to a JSON report.

sample runs:

	loadsweep --mode=worker --model=qwen/qwen2.5-0.5b-instruct --port=31000
	loadsweep --mode=router --num_workers=4 --output=router_results.json
	loadsweep --mode=external --url=http://10.0.0.5:31000
*/
package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/loadsweep/loadsweep/common/log/hooks"
	"github.com/loadsweep/loadsweep/common/stats"
	"github.com/loadsweep/loadsweep/loadtest"
	"github.com/loadsweep/loadsweep/setup"
	"github.com/loadsweep/loadsweep/sweep"
)

const defaultModel = "qwen/qwen2.5-0.5b-instruct"

type sweepArgs struct {
	logLevel      string
	model         string
	port          int
	mode          string
	numWorkers    int
	url           string
	output        string
	levels        []int
	maxQPS        float64
	pythonBin     string
	noCleanup     bool
	cleanupFilter string
}

func main() {
	a := &sweepArgs{}
	rootCmd := &cobra.Command{
		Use:           "loadsweep",
		Short:         "loadsweep measures inference serving latency across rising concurrency levels",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(a)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&a.logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
	f.StringVar(&a.model, "model", defaultModel, "model identifier passed to launched workers and stamped into the report")
	f.IntVar(&a.port, "port", 31000, "port the server under test listens on")
	f.StringVar(&a.mode, "mode", "worker", "worker: launch one worker; router: launch a router fronting workers; external: drive an already-running endpoint")
	f.IntVar(&a.numWorkers, "num_workers", 0, "data-parallel worker count for router mode (0 for default)")
	f.StringVar(&a.url, "url", "", "base URL of the external endpoint (required with --mode=external)")
	f.StringVar(&a.output, "output", "concurrency_results.json", "file the sweep report is written to")
	f.IntSliceVar(&a.levels, "levels", sweep.DefaultLevels, "ascending concurrency levels to test")
	f.Float64Var(&a.maxQPS, "max_qps", 0, "cap on request dispatch rate (0 for unbounded)")
	f.StringVar(&a.pythonBin, "python", "python3", "interpreter used to launch server modules")
	f.BoolVar(&a.noCleanup, "no_cleanup", false, "skip killing stray server processes before the run")
	f.StringVar(&a.cleanupFilter, "cleanup_filter", "sglang", "cmdline substring identifying stray processes to kill")

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(a *sweepArgs) error {
	log.AddHook(hooks.NewContextHook())
	level, err := log.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	if !a.noCleanup && a.mode != "external" {
		if err := setup.NewProcReaper(a.cleanupFilter).Cleanup(); err != nil {
			return err
		}
	}

	cmds := setup.NewSignalHandlingCmds("")
	defer cmds.Kill()
	log.Infof("server logs under %s", cmds.LogDir())

	cfg := &setup.ServerConfig{
		Model:     a.model,
		Port:      a.port,
		Workers:   a.numWorkers,
		PythonBin: a.pythonBin,
	}
	numWorkers := 0
	var strategy setup.ServerStrategy
	switch a.mode {
	case "worker":
		strategy = setup.NewWorkerStrategy(cfg, cmds)
		numWorkers = 1
	case "router":
		strategy = setup.NewRouterStrategy(cfg, cmds)
		numWorkers = a.numWorkers
		if numWorkers <= 0 {
			numWorkers = setup.DefaultWorkerCount
		}
	case "external":
		if a.url == "" {
			return fmt.Errorf("--url is required with --mode=external")
		}
		strategy = &setup.ExternalStrategy{URL: a.url}
	default:
		return fmt.Errorf("--mode=%q is not a valid mode; valid choices are worker, router, external", a.mode)
	}

	base, err := strategy.Startup()
	if err != nil {
		return err
	}
	genURL := base + "/generate"

	stat := stats.DefaultStatsReceiver()
	driver := loadtest.NewDriver(genURL, stat)
	if a.maxQPS > 0 {
		driver.Limiter = rate.NewLimiter(rate.Limit(a.maxQPS), 1)
	}

	runner := &sweep.Runner{
		Driver: driver,
		Levels: a.levels,
		Output: a.output,
		Ready:  setup.NewHealth(base).IsReady,
		Warmup: sweep.NewWarmup(genURL),
		Report: loadtest.NewSweepReport(a.model, a.mode, numWorkers),
	}
	if err := runner.Run(context.Background()); err != nil {
		return err
	}

	log.Debugf("live instruments: %s", stat.Render(false))
	log.Info("sweep completed")
	return nil
}
