package setup

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// A Cleaner provides cleanup functionality.
type Cleaner interface {
	Cleanup() error
}

// ProcReaper kills stray server processes left over from prior runs, so a
// sweep never measures a box already loaded by an orphaned worker. It is an
// idempotent precondition check: running it with nothing to kill is a no-op.
type ProcReaper struct {
	// Filter is the cmdline substring identifying target processes.
	Filter string
	// settleDelay gives the kernel time to reap and release ports after a
	// kill; overridden in tests.
	settleDelay time.Duration
}

func NewProcReaper(filter string) *ProcReaper {
	return &ProcReaper{Filter: filter, settleDelay: 2 * time.Second}
}

// Cleanup scans /proc for live processes whose cmdline matches Filter and
// kills them. The harness's own process is always skipped.
func (r *ProcReaper) Cleanup() error {
	if r.Filter == "" {
		return nil
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return errors.Wrap(err, "listing processes")
	}
	self := os.Getpid()
	var killed []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			// Process exited or isn't ours to inspect.
			continue
		}
		if !cmdlineMatches(cmdline, r.Filter) {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err == nil {
			killed = append(killed, pid)
		}
	}
	if len(killed) > 0 {
		log.Infof("killed stray processes matching %q: %v", r.Filter, killed)
		time.Sleep(r.settleDelay)
	}
	return nil
}

// cmdlineMatches checks the NUL-separated argv from /proc/<pid>/cmdline for
// an argument containing filter.
func cmdlineMatches(cmdline []byte, filter string) bool {
	for _, arg := range strings.Split(string(cmdline), "\x00") {
		if strings.Contains(arg, filter) {
			return true
		}
	}
	return false
}
