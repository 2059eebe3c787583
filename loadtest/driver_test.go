package loadtest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/loadsweep/loadsweep/common/stats"
)

// newTestDriver points a quiet driver at a fake server.
func newTestDriver(url string) *Driver {
	return NewDriver(url, stats.NilStatsReceiver())
}

// inflightTracker records the high-water mark of simultaneous handler
// invocations.
type inflightTracker struct {
	current int64
	peak    int64
}

func (t *inflightTracker) enter() {
	cur := atomic.AddInt64(&t.current, 1)
	for {
		peak := atomic.LoadInt64(&t.peak)
		if cur <= peak || atomic.CompareAndSwapInt64(&t.peak, peak, cur) {
			return
		}
	}
}

func (t *inflightTracker) exit() { atomic.AddInt64(&t.current, -1) }

func TestRunLevelAllSucceed(t *testing.T) {
	tracker := &inflightTracker{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracker.enter()
		defer tracker.exit()
		time.Sleep(10 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": "a b c"})
	}))
	defer server.Close()

	d := newTestDriver(server.URL)
	outcomes := d.RunLevel(context.Background(), 10, 100)

	if len(outcomes) != 100 {
		t.Fatalf("got %d outcomes, want 100", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Success {
			t.Fatalf("unexpected failure: %q", o.Error)
		}
		if o.Tokens != 3 {
			t.Fatalf("got %d tokens, want 3", o.Tokens)
		}
		if o.Latency < 0.010 {
			t.Fatalf("latency %v below the 10ms handler delay", o.Latency)
		}
	}
	if peak := atomic.LoadInt64(&tracker.peak); peak > 10 {
		t.Fatalf("in-flight high-water mark %d exceeded concurrency 10", peak)
	}

	res := Aggregate(outcomes, 10, 100)
	if res.SuccessRate != 1.0 {
		t.Fatalf("success rate %v, want 1.0", res.SuccessRate)
	}
	if res.P50Latency < 0.010 || res.P50Latency > 0.5 {
		t.Fatalf("p50 %v not near the 10ms handler delay", res.P50Latency)
	}
}

func TestRunLevelConcurrencyBoundUnderRandomLatency(t *testing.T) {
	for _, concurrency := range []int{1, 3, 8} {
		tracker := &inflightTracker{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tracker.enter()
			defer tracker.exit()
			// Latency varies per request so completions interleave.
			time.Sleep(time.Duration(1+time.Now().UnixNano()%7) * time.Millisecond)
			w.Write([]byte(`{}`))
		}))

		d := newTestDriver(server.URL)
		outcomes := d.RunLevel(context.Background(), concurrency, 50)
		server.Close()

		if len(outcomes) != 50 {
			t.Fatalf("concurrency %d: got %d outcomes, want 50", concurrency, len(outcomes))
		}
		if peak := atomic.LoadInt64(&tracker.peak); peak > int64(concurrency) {
			t.Fatalf("concurrency %d: in-flight peak was %d", concurrency, peak)
		}
	}
}

func TestRunLevelMixedStatuses(t *testing.T) {
	var counter int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 4 of every 10 requests fail with a 500.
		if atomic.AddInt64(&counter, 1)%10 < 4 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"text": "ok"}`))
	}))
	defer server.Close()

	d := newTestDriver(server.URL)
	outcomes := d.RunLevel(context.Background(), 5, 10)
	res := Aggregate(outcomes, 5, 10)

	if res.Successful != 6 || res.Failed != 4 {
		t.Fatalf("got %d/%d successful/failed, want 6/4", res.Successful, res.Failed)
	}
	if res.SuccessRate != 0.6 {
		t.Fatalf("success rate %v, want 0.6", res.SuccessRate)
	}
	for _, o := range outcomes {
		if !o.Success && !strings.HasPrefix(o.Error, "HTTP 500: ") {
			t.Fatalf("unexpected failure detail: %q", o.Error)
		}
	}
}

func TestRunLevelInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	d := newTestDriver(server.URL)
	outcomes := d.RunLevel(context.Background(), 5, 5)
	res := Aggregate(outcomes, 5, 5)

	if res.Successful != 0 || res.Failed != 5 || res.SuccessRate != 0 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if len(res.ErrorSamples) != 3 {
		t.Fatalf("got %d error samples, want 3", len(res.ErrorSamples))
	}
	for _, s := range res.ErrorSamples {
		if !strings.Contains(s, "Invalid JSON response") {
			t.Fatalf("sample %q missing invalid JSON detail", s)
		}
		if !strings.Contains(s, "text/plain") {
			t.Fatalf("sample %q missing content type", s)
		}
	}
}

func TestRunLevelRequestBody(t *testing.T) {
	bodyCh := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		select {
		case bodyCh <- b:
		default:
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	d := newTestDriver(server.URL)
	d.RunLevel(context.Background(), 1, 1)

	var payload GeneratePayload
	if err := json.Unmarshal(<-bodyCh, &payload); err != nil {
		t.Fatal("request body was not JSON: ", err)
	}
	if payload.Text != "Once upon a time" {
		t.Fatalf("got prompt %q", payload.Text)
	}
	if payload.SamplingParams.MaxNewTokens != 10 || payload.SamplingParams.Temperature != 0.7 {
		t.Fatalf("got sampling params %+v", payload.SamplingParams)
	}
}

func TestRunLevelTimeoutIsFailureNotAbort(t *testing.T) {
	var counter int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every third request hangs past the client timeout.
		if atomic.AddInt64(&counter, 1)%3 == 0 {
			time.Sleep(200 * time.Millisecond)
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	d := newTestDriver(server.URL)
	d.Client = &http.Client{Timeout: 50 * time.Millisecond}
	outcomes := d.RunLevel(context.Background(), 3, 9)

	if len(outcomes) != 9 {
		t.Fatalf("timeouts must not abort the batch: got %d outcomes", len(outcomes))
	}
	var failed int
	for _, o := range outcomes {
		if !o.Success {
			failed++
			if o.Error == "" {
				t.Fatal("timed-out request should carry a fault description")
			}
			if len([]rune(o.Error)) > 100 {
				t.Fatalf("fault description not truncated: %d chars", len([]rune(o.Error)))
			}
		}
	}
	if failed == 0 {
		t.Fatal("expected at least one timeout failure")
	}
}

func TestRunLevelConnectionRefused(t *testing.T) {
	// A closed server: every request is a transport fault.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	d := newTestDriver(url)
	outcomes := d.RunLevel(context.Background(), 2, 4)

	if len(outcomes) != 4 {
		t.Fatalf("got %d outcomes, want 4", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Success {
			t.Fatal("request against a closed server should fail")
		}
		if o.Error == "" || len([]rune(o.Error)) > 100 {
			t.Fatalf("bad fault detail: %q", o.Error)
		}
	}
}

func TestRunLevelRateCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	d := newTestDriver(server.URL)
	d.Limiter = rate.NewLimiter(rate.Limit(100), 1)

	start := time.Now()
	outcomes := d.RunLevel(context.Background(), 10, 10)
	elapsed := time.Since(start)

	if len(outcomes) != 10 {
		t.Fatalf("got %d outcomes, want 10", len(outcomes))
	}
	// 10 requests at 100 qps need at least ~90ms of pacing.
	if elapsed < 80*time.Millisecond {
		t.Fatalf("rate cap not applied: batch took %v", elapsed)
	}
}

func TestDriverRecordsInstruments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"x"}`))
	}))
	defer server.Close()

	stat := stats.DefaultStatsReceiver()
	d := NewDriver(server.URL, stat)
	d.RunLevel(context.Background(), 2, 6)

	if got := stat.Scope("driver").Counter("requests").Count(); got != 6 {
		t.Fatalf("requests counter = %d, want 6", got)
	}
	if got := stat.Scope("driver").Counter("success").Count(); got != 6 {
		t.Fatalf("success counter = %d, want 6", got)
	}
	if got := stat.Scope("driver").Latency("latency").Count(); got != 6 {
		t.Fatalf("latency samples = %d, want 6", got)
	}
}
