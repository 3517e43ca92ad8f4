package exec

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
)

type (
	// ValidatingExecer is an OsExec that does not run commands. Each command is
	// matched against the next expected call and answered with that call's canned
	// output and error.
	ValidatingExecer struct {
		t        *testing.T
		mu       sync.Mutex
		expected []ExpectedCall
		idx      int
		received [][]string
	}

	// ExpectedCall lists one regular expression per argument, command name included.
	ExpectedCall struct {
		ArgsRe []string
		Stdout string
		Err    error
	}

	validatingCmd struct {
		Cmd
		execer *ValidatingExecer
		argv   []string
		stdout io.Writer
		doneCh chan error
	}
)

// NewValidatingExecer returns a ValidatingExecer expecting calls in order.
func NewValidatingExecer(t *testing.T, expected ...ExpectedCall) *ValidatingExecer {
	return &ValidatingExecer{t: t, expected: expected}
}

// Expect appends further expected calls.
func (v *ValidatingExecer) Expect(calls ...ExpectedCall) *ValidatingExecer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.expected = append(v.expected, calls...)
	return v
}

// Received returns every command line seen so far.
func (v *ValidatingExecer) Received() [][]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([][]string(nil), v.received...)
}

func (v *ValidatingExecer) Command(name string, args ...string) Cmd {
	return &validatingCmd{
		// a real Command for the methods we do not override
		Cmd:    NewOsExec().Command(name, args...),
		execer: v,
		argv:   append([]string{name}, args...),
	}
}

// CheckAllValidated fails the test if some expected calls were never made.
func (v *ValidatingExecer) CheckAllValidated() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.idx != len(v.expected) {
		v.t.Fatalf("Number of expected commands: %d did not match validated command count: %d",
			len(v.expected), v.idx)
	}
}

func (v *ValidatingExecer) next(argv []string) (ExpectedCall, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.received = append(v.received, argv)
	if v.idx >= len(v.expected) {
		err := fmt.Errorf("command validation failed: only expected %d commands, received extra command: %s",
			len(v.expected), strings.Join(argv, " "))
		v.t.Error(err)
		return ExpectedCall{}, err
	}
	call := v.expected[v.idx]
	v.idx++
	if err := matchArgs(call.ArgsRe, argv); err != nil {
		err = fmt.Errorf("command validation failed for command %d: %v", v.idx-1, err)
		v.t.Error(err)
		return ExpectedCall{}, err
	}
	return call, nil
}

func matchArgs(res []string, argv []string) error {
	if len(res) != len(argv) {
		return fmt.Errorf("expected %d args (%s), received %d args (%s)",
			len(res), strings.Join(res, ","), len(argv), strings.Join(argv, ","))
	}
	for i, re := range res {
		if !regexp.MustCompile(re).MatchString(argv[i]) {
			return fmt.Errorf("arg %d: expected %s, received %s", i, re, argv[i])
		}
	}
	return nil
}

func (c *validatingCmd) run() error {
	call, err := c.execer.next(c.argv)
	if err != nil {
		log.Error(err)
		return err
	}
	if c.stdout != nil && call.Stdout != "" {
		io.WriteString(c.stdout, call.Stdout)
	}
	return call.Err
}

func (c *validatingCmd) SetStdout(w io.Writer) { c.stdout = w }

func (c *validatingCmd) Output() ([]byte, error) {
	var out bytes.Buffer
	c.stdout = &out
	err := c.run()
	return out.Bytes(), err
}

func (c *validatingCmd) Run() error { return c.run() }

func (c *validatingCmd) Start() error {
	c.doneCh = make(chan error, 1)
	c.doneCh <- c.run()
	return nil
}

func (c *validatingCmd) Wait() error {
	if c.doneCh == nil {
		return fmt.Errorf("exec: not started")
	}
	return <-c.doneCh
}

// FakeExitError is an ExitError for canned calls.
type FakeExitError struct {
	Status     int
	StderrText string
	Argv       []string
}

var _ ExitError = &FakeExitError{}

func (e *FakeExitError) Exited() bool    { return true }
func (e *FakeExitError) ExitStatus() int { return e.Status }
func (e *FakeExitError) Signaled() bool  { return false }
func (e *FakeExitError) Stderr() []byte  { return []byte(e.StderrText) }
func (e *FakeExitError) Args() []string  { return e.Argv }
func (e *FakeExitError) Error() string {
	return fmt.Sprintf("exit status %d: %s", e.Status, strings.TrimSpace(e.StderrText))
}
