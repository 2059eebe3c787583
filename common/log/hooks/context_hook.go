// Package hooks provides logrus hooks shared by loadsweep binaries.
package hooks

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// contextHook annotates every log entry with the file:line of the callsite
// that invoked logrus, skipping logrus internals and hook frames.
type contextHook struct{}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "sirupsen/logrus") &&
			!strings.HasSuffix(frame.File, "context_hook.go") {
			entry.Data["file:line"] = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}
