// Package hooks provides logrus hooks shared by the Borealis binaries.
package hooks

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextHook struct {
}

// NewContextHook returns a hook that annotates every entry with the
// file:line of the logging callsite.
func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	// Walk out of the logrus and hook frames to the real callsite.
	for skip := 4; skip < 12; skip++ {
		_, file, line, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen/logrus") || strings.HasSuffix(file, "context_hook.go") {
			continue
		}
		if i := strings.LastIndex(file, "borealis/"); i >= 0 {
			file = file[i+len("borealis/"):]
		}
		entry.Data["file:line"] = fmt.Sprintf("%s:%d", file, line)
		break
	}
	return nil
}
