/*
The loadtest package implements the core of the concurrency sweep harness: a
bounded-concurrency load driver and the per-level statistics aggregation.

The Driver issues a batch of generation requests against a target endpoint,
holding the number of in-flight requests at or below a concurrency cap via a
counting admission gate. Every request runs to a terminal outcome (success or
classified failure); a batch never aborts early.

Aggregate reduces one batch's outcomes to a LevelResult: success counts,
latency percentiles (nearest-rank by truncation, no interpolation) and a
throughput figure computed as successful requests per second of cumulative
per-request latency. Note that figure is not wall-clock requests/sec under
concurrency and must not be read as one.

SweepReport accumulates one LevelResult per tested level and persists as a
flat JSON document.
*/
package loadtest
