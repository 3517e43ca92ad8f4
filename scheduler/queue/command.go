package queue

import (
	"regexp"
	"strings"

	"github.com/twitter/vosges/common/os/exec"
)

// CommandError converts the failure of a queue command line. A command that
// ran and printed a message matching rejected on stderr is a SubmissionError
// for unit; anything else, a crash or a command that could not be started
// included, is transient.
func CommandError(op string, unit string, err error, rejected *regexp.Regexp) error {
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(exec.ExitError); ok && unit != "" && rejected != nil {
		msg := strings.TrimSpace(string(exitErr.Stderr()))
		if rejected.MatchString(msg) {
			return NewSubmissionError(unit, "%s", msg)
		}
	}
	return NewTransientError(op, err)
}

// FirstField returns the leading run of digits of a command's output, which
// is how queues print new ids ("4242", "4242.1-10:1", "4242;cluster").
func FirstField(out []byte) string {
	s := strings.TrimSpace(string(out))
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}
