package protocol

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/scheduler/domain"
)

// lines can carry a whole environment
const maxLineSize = 16 * 1024 * 1024

// Log is the decoded event stream of one diagnostic file.
type Log struct {
	events    []Event
	malformed int
}

// Parse reads every protocol line from r. Other lines are ignored and
// malformed protocol lines are logged and skipped.
func Parse(r io.Reader) (*Log, error) {
	l := &Log{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		ev, ok, err := Decode(scanner.Text())
		if !ok {
			continue
		}
		if err != nil {
			log.WithFields(
				log.Fields{
					"err": err,
				}).Warn("Skipping malformed protocol line")
			l.malformed++
			continue
		}
		l.events = append(l.events, ev)
	}
	if err := scanner.Err(); err != nil {
		return l, errors.Wrap(err, "reading protocol stream")
	}
	return l, nil
}

// ReadFile parses the file at path. A missing file is an empty log.
func ReadFile(path string) (*Log, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Log{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	l, err := Parse(f)
	if err != nil {
		return l, errors.Wrapf(err, "parsing %s", path)
	}
	return l, nil
}

// Malformed counts the protocol lines that were skipped.
func (l *Log) Malformed() int {
	return l.malformed
}

func (l *Log) Events() []Event {
	return l.events
}

// Status returns the last reported status, or false if none was reported.
func (l *Log) Status() (domain.Status, bool) {
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == Status {
			return l.events[i].Status, true
		}
	}
	return domain.Waiting, false
}

// Stats merges all stats payloads; a key reported twice keeps the later value.
func (l *Log) Stats() map[string]interface{} {
	merged := map[string]interface{}{}
	for _, ev := range l.events {
		if ev.Kind != Stats {
			continue
		}
		for k, v := range ev.Fields {
			merged[k] = v
		}
	}
	return merged
}

// Environ returns the first environ payload, or nil.
func (l *Log) Environ() map[string]string {
	for _, ev := range l.events {
		if ev.Kind != Environ {
			continue
		}
		env := make(map[string]string, len(ev.Fields))
		for k, v := range ev.Fields {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
		return env
	}
	return nil
}

// Results returns every results payload in order.
func (l *Log) Results() []map[string]interface{} {
	var out []map[string]interface{}
	for _, ev := range l.events {
		if ev.Kind == Results {
			out = append(out, ev.Fields)
		}
	}
	return out
}
