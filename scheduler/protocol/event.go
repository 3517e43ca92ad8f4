// Package protocol encodes the status and stats events that unit scripts and
// the scheduler append to a job's diagnostic stream, and reads them back.
//
// Every event is a single line:
//
//	%vosges <kind> <json>
//
// status carries a JSON string, stats, environ and results carry JSON objects.
// Stats objects may carry a schema version under the "v" key.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twitter/vosges/scheduler/domain"
)

// Prefix starts every protocol line.
const Prefix = "%vosges"

// SchemaVersion is the highest stats schema version this package understands.
const SchemaVersion = 1

const versionKey = "v"

type Kind int

const (
	// Status reports an execution status; the last one in a stream wins.
	Status Kind = iota

	// Stats is a set of key/value facts; all of them are merged, later keys win.
	Stats

	// Environ is the environment the job ran with; the first one wins.
	Environ

	// Results are user-declared outputs; all of them are kept in order.
	Results
)

func (k Kind) String() string {
	switch k {
	case Status:
		return "status"
	case Stats:
		return "stats"
	case Environ:
		return "environ"
	case Results:
		return "results"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{Status, Stats, Environ, Results} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Event is one decoded protocol line. Status is set for Status events,
// Fields for all others. Factory functions should be used instead of
// building an Event directly.
type Event struct {
	Kind   Kind
	Status domain.Status
	Fields map[string]interface{}
}

func (e Event) String() string {
	if e.Kind == Status {
		return fmt.Sprintf("Event %s: %s", e.Kind, e.Status)
	}
	return fmt.Sprintf("Event %s: %d fields", e.Kind, len(e.Fields))
}

func MakeStatusEvent(s domain.Status) Event {
	return Event{Kind: Status, Status: s}
}

func MakeStatsEvent(fields map[string]interface{}) Event {
	return Event{Kind: Stats, Fields: fields}
}

func MakeEnvironEvent(env map[string]string) Event {
	fields := make(map[string]interface{}, len(env))
	for k, v := range env {
		fields[k] = v
	}
	return Event{Kind: Environ, Fields: fields}
}

func MakeResultsEvent(fields map[string]interface{}) Event {
	return Event{Kind: Results, Fields: fields}
}

// Encode renders the event as a protocol line without the trailing newline.
func (e Event) Encode() (string, error) {
	var payload interface{}
	switch e.Kind {
	case Status:
		if !e.Status.Valid() {
			return "", fmt.Errorf("cannot encode invalid status %d", int(e.Status))
		}
		payload = e.Status.String()
	case Stats:
		fields := make(map[string]interface{}, len(e.Fields)+1)
		for k, v := range e.Fields {
			fields[k] = v
		}
		fields[versionKey] = SchemaVersion
		payload = fields
	case Environ, Results:
		fields := e.Fields
		if fields == nil {
			fields = map[string]interface{}{}
		}
		payload = fields
	default:
		return "", fmt.Errorf("cannot encode event kind %d", int(e.Kind))
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", err
	}
	return Prefix + " " + e.Kind.String() + " " + strings.TrimRight(buf.String(), "\n"), nil
}

// ParseError describes a line that carries the protocol prefix but cannot be decoded.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ProtocolParseError: %v, line: %q", e.Err, e.Line)
}

// Decode parses a single line. ok is false for lines that are not protocol
// lines. A protocol line that cannot be decoded returns a *ParseError.
//
// The event starts at the first prefix of the line. Text before it is output
// the job left without a trailing newline and is dropped.
func Decode(line string) (ev Event, ok bool, err error) {
	line = strings.TrimSpace(line)
	at := strings.Index(line, Prefix+" ")
	if at < 0 {
		return Event{}, false, nil
	}
	line = line[at:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, Prefix))
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		return Event{}, true, &ParseError{Line: line, Err: fmt.Errorf("missing payload")}
	}
	kind, err := ParseKind(parts[0])
	if err != nil {
		return Event{}, true, &ParseError{Line: line, Err: err}
	}

	dec := json.NewDecoder(strings.NewReader(parts[1]))
	dec.UseNumber()
	if kind == Status {
		var name string
		if err := dec.Decode(&name); err != nil {
			return Event{}, true, &ParseError{Line: line, Err: err}
		}
		s, err := domain.ParseStatus(name)
		if err != nil {
			return Event{}, true, &ParseError{Line: line, Err: err}
		}
		return MakeStatusEvent(s), true, nil
	}

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return Event{}, true, &ParseError{Line: line, Err: err}
	}
	if fields == nil {
		return Event{}, true, &ParseError{Line: line, Err: fmt.Errorf("payload is not an object")}
	}
	if kind == Stats {
		if v, present := fields[versionKey]; present {
			n, isNum := v.(json.Number)
			version, convErr := n.Int64()
			if !isNum || convErr != nil || version > SchemaVersion {
				return Event{}, true, &ParseError{Line: line, Err: fmt.Errorf("unsupported stats schema version %v", v)}
			}
			delete(fields, versionKey)
		}
	}
	return Event{Kind: kind, Fields: fields}, true, nil
}
