// Package sweep drives a full concurrency sweep: warmup, one load batch per
// ascending concurrency level gated on target health, aggregation into a
// SweepReport, and persistence of that report on every exit path.
package sweep

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/loadsweep/loadsweep/common/stats"
	"github.com/loadsweep/loadsweep/loadtest"
)

// DefaultLevels is the ascending concurrency ladder tested when the caller
// doesn't supply one.
var DefaultLevels = []int{10, 20, 50, 100, 200, 1000, 2000, 5000, 10000, 30000, 50000}

const (
	// MinRequestsPerLevel floors the batch size so every level exercises a
	// meaningful number of requests even at low concurrency.
	MinRequestsPerLevel = 100

	warmupRequests = 10
)

// LevelRunner issues one bounded-concurrency batch; satisfied by
// *loadtest.Driver.
type LevelRunner interface {
	RunLevel(ctx context.Context, concurrency, totalRequests int) []loadtest.RequestOutcome
}

// Runner owns one sweep invocation.
type Runner struct {
	Driver LevelRunner
	Levels []int
	Output string

	// Ready gates each level on target health; nil means always ready.
	Ready func() bool

	// Warmup primes the target before measuring; nil skips it.
	Warmup func()

	Report *loadtest.SweepReport
}

// Run executes the sweep. The report is saved to Output on every return
// path, including early stops and mid-sweep failures, so partial data is
// never lost; a failed save is the only error Run itself reports.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer func() {
		if saveErr := r.Report.Save(r.Output); saveErr != nil {
			log.Errorf("saving results: %v", saveErr)
			if err == nil {
				err = saveErr
			}
			return
		}
		log.Infof("results saved to %s", r.Output)
	}()

	if r.Warmup != nil {
		log.Info("warming up")
		r.Warmup()
	}

	levels := r.Levels
	if len(levels) == 0 {
		levels = DefaultLevels
	}
	for _, concurrency := range levels {
		if r.Ready != nil && !r.Ready() {
			log.Error("server unhealthy, stopping sweep")
			break
		}

		total := concurrency
		if total < MinRequestsPerLevel {
			total = MinRequestsPerLevel
		}
		log.Infof("=== testing concurrency %d with %d total requests ===", concurrency, total)

		outcomes := r.Driver.RunLevel(ctx, concurrency, total)
		res := loadtest.Aggregate(outcomes, concurrency, total)
		r.Report.Append(res)
		logLevelResult(res)

		if loadtest.ShouldStop(res) {
			log.Infof("stopping sweep: success rate %.1f%% at concurrency %d",
				res.SuccessRate*100, concurrency)
			break
		}
	}

	log.Infof("sweep summary:\n%s", r.Report.Summary())
	return nil
}

// NewWarmup returns a warmup that issues a burst of short concurrent
// generation requests at url and discards the outcomes.
func NewWarmup(url string) func() {
	return func() {
		d := loadtest.NewDriver(url, stats.NilStatsReceiver())
		d.NewPayload = func() interface{} { return loadtest.WarmupPayload() }
		d.RunLevel(context.Background(), warmupRequests, warmupRequests)
	}
}

func logLevelResult(res loadtest.LevelResult) {
	log.Infof("  success rate: %.1f%%", res.SuccessRate*100)
	if res.Successful == 0 {
		for _, sample := range res.ErrorSamples {
			log.Infof("  sample error: %s", sample)
		}
		return
	}
	log.Infof("  avg latency: %.3fs", res.AvgLatency)
	log.Infof("  p90 latency: %.3fs", res.P90Latency)
	log.Infof("  throughput: %.1f req/s", res.ThroughputRPS)
}
