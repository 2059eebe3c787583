package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/loadsweep/loadsweep/common/stats"
)

const (
	// RequestTimeout bounds one request end to end: connect, send, receive.
	RequestTimeout = 30 * time.Second

	// errorDetailLimit caps the recorded failure description.
	errorDetailLimit = 100

	// progressInterval is how many completions pass between progress lines.
	progressInterval = 10
)

/*
Driver issues batches of generation requests against one target URL, bounding
the number of requests in flight. One Driver is reused across the levels of a
sweep; RunLevel is not safe for concurrent calls on the same Driver.
*/
type Driver struct {
	// URL is the generate endpoint requests are POSTed to.
	URL string

	// Client executes the requests. Its Timeout is the per-request bound;
	// leave nil for a client with RequestTimeout.
	Client *http.Client

	// NewPayload builds the body for each request. Defaults to DefaultPayload.
	NewPayload func() interface{}

	// Limiter optionally caps the dispatch rate on top of the concurrency
	// gate. Nil means dispatch is bounded by the gate alone.
	Limiter *rate.Limiter

	stat     stats.StatsReceiver
	inflight int64
}

// NewDriver returns a Driver for url recording live instruments to stat.
func NewDriver(url string, stat stats.StatsReceiver) *Driver {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Driver{
		URL:        url,
		Client:     &http.Client{Timeout: RequestTimeout},
		NewPayload: func() interface{} { return DefaultPayload() },
		stat:       stat.Scope("driver"),
	}
}

/*
RunLevel dispatches exactly totalRequests requests with at most concurrency
of them in flight at any instant, and returns one RequestOutcome per request
in completion order. It returns only once every request has reached a
terminal outcome; a request's failure never aborts the batch, and a timed-out
request does not cancel its siblings. Outcome order carries no meaning.
*/
func (d *Driver) RunLevel(ctx context.Context, concurrency, totalRequests int) []RequestOutcome {
	if concurrency < 1 {
		concurrency = 1
	}
	if d.Client == nil {
		d.Client = &http.Client{Timeout: RequestTimeout}
	}
	if d.NewPayload == nil {
		d.NewPayload = func() interface{} { return DefaultPayload() }
	}
	if d.stat == nil {
		d.stat = stats.NilStatsReceiver()
	}

	// The admission gate: holding a slot in this buffered channel is the
	// permit to have a request in flight.
	gate := make(chan struct{}, concurrency)
	outcomeCh := make(chan RequestOutcome)

	for i := 0; i < totalRequests; i++ {
		go func() {
			gate <- struct{}{}
			defer func() { <-gate }()

			if d.Limiter != nil {
				// A limiter error means ctx is done; let the request
				// itself produce the terminal outcome.
				d.Limiter.Wait(ctx)
			}

			d.stat.Gauge("inflight").Update(atomic.AddInt64(&d.inflight, 1))
			o := d.doRequest()
			d.stat.Gauge("inflight").Update(atomic.AddInt64(&d.inflight, -1))
			outcomeCh <- o
		}()
	}

	// Collecting totalRequests outcomes is the batch-end barrier.
	outcomes := make([]RequestOutcome, 0, totalRequests)
	for len(outcomes) < totalRequests {
		o := <-outcomeCh
		d.record(o)
		outcomes = append(outcomes, o)
		if len(outcomes)%progressInterval == 0 {
			log.Infof("progress: %d/%d", len(outcomes), totalRequests)
		}
	}
	return outcomes
}

func (d *Driver) record(o RequestOutcome) {
	d.stat.Counter("requests").Inc(1)
	d.stat.Latency("latency").Record(time.Duration(o.Latency * float64(time.Second)))
	if o.Success {
		d.stat.Counter("success").Inc(1)
	} else {
		d.stat.Counter("fail").Inc(1)
	}
}

// doRequest issues one POST and classifies the result. Requests carry no
// shared context on purpose: each has an independent timeout via the client,
// and canceling one request must never cancel another.
func (d *Driver) doRequest() RequestOutcome {
	body, err := json.Marshal(d.NewPayload())
	if err != nil {
		return RequestOutcome{Error: truncateError(err.Error())}
	}

	start := time.Now()
	fail := func(detail string) RequestOutcome {
		return RequestOutcome{
			Latency: time.Since(start).Seconds(),
			Error:   truncateError(detail),
		}
	}

	req, err := http.NewRequest("POST", d.URL, bytes.NewReader(body))
	if err != nil {
		return fail(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fail(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, reasonPhrase(resp)))
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fail(fmt.Sprintf("Invalid JSON response with content-type: %s",
			resp.Header.Get("Content-Type")))
	}

	tokens := 0
	if text, ok := parsed["text"].(string); ok {
		tokens = len(strings.Fields(text))
	}
	return RequestOutcome{
		Success: true,
		Latency: time.Since(start).Seconds(),
		Tokens:  tokens,
	}
}

// reasonPhrase extracts the status reason from "200 OK" style status lines,
// falling back to the standard text for the code.
func reasonPhrase(resp *http.Response) string {
	if i := strings.IndexByte(resp.Status, ' '); i >= 0 {
		return resp.Status[i+1:]
	}
	return http.StatusText(resp.StatusCode)
}

func truncateError(s string) string {
	r := []rune(s)
	if len(r) <= errorDetailLimit {
		return s
	}
	return string(r[:errorDetailLimit])
}
