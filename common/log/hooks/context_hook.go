package hooks

import (
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// contextHook adds a "file:line" field naming the caller of the logging function.
type contextHook struct {
}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	stack := debug.Stack()
	lines := strings.Split(string(stack), "\n")
	foundLoggerBlock := false
	for i := 0; i < len(lines); i++ {
		if strings.Contains(lines[i], "context_hook.go:") {
			foundLoggerBlock = true
			continue
		}
		if !foundLoggerBlock {
			continue
		}
		// skip frames inside logrus itself, the first frame after them is the caller
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "/") || strings.Contains(line, "sirupsen/logrus") {
			continue
		}
		ctx := strings.Split(line, "vosges/")
		entry.Data["file:line"] = strings.Split(ctx[len(ctx)-1], " ")[0]
		break
	}
	return nil
}
