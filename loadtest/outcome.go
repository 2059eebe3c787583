package loadtest

// RequestOutcome is the terminal result of one dispatched request. It is
// produced exactly once per request and never modified afterwards.
type RequestOutcome struct {
	Success bool
	// Latency is the wall-clock seconds from dispatch to full response (or
	// fault), recorded for failures as well as successes.
	Latency float64
	// Tokens is the whitespace-token count of the response "text" field,
	// zero when the field is absent. Only meaningful for successes.
	Tokens int
	// Error describes a failure, truncated to at most 100 characters.
	Error string
}

// LevelResult aggregates the outcomes of one concurrency level. The latency
// and throughput fields are populated only when at least one request
// succeeded; ErrorSamples only when none did.
type LevelResult struct {
	Concurrency   int     `json:"concurrency"`
	TotalRequests int     `json:"total_requests"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`

	AvgLatency    float64 `json:"avg_latency,omitempty"`
	MinLatency    float64 `json:"min_latency,omitempty"`
	MaxLatency    float64 `json:"max_latency,omitempty"`
	P50Latency    float64 `json:"p50_latency,omitempty"`
	P90Latency    float64 `json:"p90_latency,omitempty"`
	P99Latency    float64 `json:"p99_latency,omitempty"`
	ThroughputRPS float64 `json:"throughput_rps,omitempty"`

	ErrorSamples []string `json:"error_samples,omitempty"`
}

// SweepReport is the persisted output of one sweep: one LevelResult per
// tested level in ascending order plus run metadata.
type SweepReport struct {
	Timestamp  int64  `json:"timestamp"`
	Model      string `json:"model"`
	Mode       string `json:"mode"`
	RunID      string `json:"run_id"`
	NumWorkers int    `json:"num_workers,omitempty"`

	Results []LevelResult `json:"results"`
}

// GeneratePayload is the body POSTed to the generate endpoint.
type GeneratePayload struct {
	Text           string         `json:"text"`
	SamplingParams SamplingParams `json:"sampling_params"`
}

type SamplingParams struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// DefaultPayload is the fixed measured-load request body.
func DefaultPayload() GeneratePayload {
	return GeneratePayload{
		Text: "Once upon a time",
		SamplingParams: SamplingParams{
			MaxNewTokens: 10,
			Temperature:  0.7,
		},
	}
}

// WarmupPayload is the short request body used to prime the server before
// measuring; its outcomes are discarded.
func WarmupPayload() GeneratePayload {
	return GeneratePayload{
		Text:           "Hello",
		SamplingParams: SamplingParams{MaxNewTokens: 5},
	}
}
