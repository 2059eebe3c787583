package loadtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
)

// NewSweepReport creates an empty report stamped with run metadata. The
// timestamp is set when the report is saved, not here, so it reflects when
// the results landed on disk.
func NewSweepReport(model, mode string, numWorkers int) *SweepReport {
	r := &SweepReport{
		Model:      model,
		Mode:       mode,
		NumWorkers: numWorkers,
		Results:    []LevelResult{},
	}
	if id, err := uuid.NewV4(); err == nil {
		r.RunID = id.String()
	}
	return r
}

// Append records the result of one completed level.
func (r *SweepReport) Append(res LevelResult) {
	r.Results = append(r.Results, res)
}

// Save writes the report as indented JSON to path, stamping the timestamp.
// Callers are expected to invoke Save on every sweep exit path so partial
// results survive an aborted run.
func (r *SweepReport) Save(path string) error {
	r.Timestamp = time.Now().Unix()
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling sweep report")
	}
	if err := os.WriteFile(path, b, 0666); err != nil {
		return errors.Wrapf(err, "writing sweep report to %s", path)
	}
	return nil
}

// Summary renders the per-level results as a fixed-width console table.
func (r *SweepReport) Summary() string {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%12s %8s %12s %12s %12s\n",
		"Concurrency", "Success", "Avg Latency", "P90 Latency", "Throughput")
	fmt.Fprintln(buf, strings.Repeat("-", 70))
	for _, res := range r.Results {
		if res.Successful > 0 {
			fmt.Fprintf(buf, "%12d %7.1f%% %11.3fs %11.3fs %10.1f/s\n",
				res.Concurrency, res.SuccessRate*100,
				res.AvgLatency, res.P90Latency, res.ThroughputRPS)
		} else {
			fmt.Fprintf(buf, "%12d %7.1f%% %12s %12s %12s\n",
				res.Concurrency, res.SuccessRate*100, "N/A", "N/A", "N/A")
		}
	}
	return buf.String()
}
