package loadtest

import "sort"

// maxErrorSamples bounds how much failure detail a LevelResult retains when
// every request fails; detail beyond this is discarded, not kept elsewhere.
const maxErrorSamples = 3

/*
Aggregate reduces the outcomes of one concurrency level to a LevelResult.
It is pure: no I/O, no mutation of outcomes, and the same inputs always
produce the same result.

SuccessRate is computed against totalRequests as supplied by the caller, not
against len(outcomes). Percentiles are nearest-rank by truncation over the
ascending-sorted latencies: the element at index int(count*fraction), with no
interpolation. This under-indexes slightly relative to textbook percentiles
(for even counts p50 is the upper of the two middle elements) and is kept
deliberately so results stay comparable with prior runs.
*/
func Aggregate(outcomes []RequestOutcome, concurrency, totalRequests int) LevelResult {
	res := LevelResult{
		Concurrency:   concurrency,
		TotalRequests: totalRequests,
	}

	latencies := make([]float64, 0, len(outcomes))
	var samples []string
	for _, o := range outcomes {
		if o.Success {
			res.Successful++
			latencies = append(latencies, o.Latency)
			continue
		}
		res.Failed++
		if len(samples) < maxErrorSamples {
			detail := o.Error
			if detail == "" {
				detail = "Unknown"
			}
			samples = append(samples, detail)
		}
	}

	if totalRequests > 0 {
		res.SuccessRate = float64(res.Successful) / float64(totalRequests)
	}

	if res.Successful == 0 {
		res.ErrorSamples = samples
		return res
	}

	sort.Float64s(latencies)
	n := len(latencies)
	sum := 0.0
	for _, l := range latencies {
		sum += l
	}

	res.AvgLatency = sum / float64(n)
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[n-1]
	res.P50Latency = latencies[n/2]
	res.P90Latency = latencies[int(float64(n)*0.9)]
	res.P99Latency = latencies[int(float64(n)*0.99)]
	if sum > 0 {
		res.ThroughputRPS = float64(n) / sum
	}
	return res
}

// ShouldStop reports whether a sweep should halt after the given level: a
// threshold guard against hammering a saturated or dead target. Low levels
// are always allowed to continue so a cold start doesn't end the sweep.
func ShouldStop(res LevelResult) bool {
	return res.SuccessRate < 0.5 && res.Concurrency > 10
}
