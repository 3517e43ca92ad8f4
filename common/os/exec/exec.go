// Package exec provides interfaces over os/exec so that commands can be faked in tests.
package exec

import (
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
)

type (
	// OsExec creates Cmds. NewOsExec returns the real implementation, the fakes in
	// this package validate commands instead of running them.
	OsExec interface {
		// Command works like os/exec.Command: name is resolved with LookPath when it
		// contains no path separator and args should not include the command name.
		Command(name string, args ...string) Cmd
	}

	defaultOsExec struct{}

	// Cmd wraps the os/exec.Cmd struct with our own interface
	Cmd interface {
		Path() string

		// Args returns a copy of the command line, name included.
		Args() []string

		// Output runs the command and returns its standard output. When stderr
		// was not redirected it is kept on the returned ExitError.
		Output() ([]byte, error)

		// Run starts the command and waits for it to complete.
		Run() error

		// Start starts the command but does not wait for it to complete.
		Start() error

		// Wait waits for a started command to exit and releases its resources.
		Wait() error

		// SetSession runs the child in its own session, making it the leader of
		// a new process group that can be signalled as a whole.
		SetSession(enable bool)

		SetStdin(io.Reader)
		SetStdout(io.Writer)
		SetStderr(io.Writer)

		// SetEnv replaces the environment; nil means the current process environment.
		SetEnv(env []string)
		SetDir(dir string)

		// String returns a human-readable description of c. It is intended only for debugging.
		String() string

		// Process returns the started process or nil.
		Process() *os.Process
	}

	// ExitError describes a command that ran and exited unsuccessfully.
	//
	//   err := NewOsExec().Command("false").Run()
	//   if exitErr, ok := err.(ExitError); ok {
	//     code := exitErr.ExitStatus()
	//   }
	ExitError interface {
		// Exited reports if the process has exited by calling the libc exit() function.
		Exited() bool

		// ExitStatus returns the exit status, or -1 if the process did not exit normally.
		ExitStatus() int

		// Signaled returns true if the process died because of an untrapped signal
		Signaled() bool

		// Stderr is the captured standard error when Output was used without SetStderr.
		Stderr() []byte

		Error() string

		// Args contains the args from the Cmd that returned this error
		Args() []string
	}

	cmdAdapter struct {
		cmd *osexec.Cmd
	}

	exitErrorAdapter struct {
		err  *osexec.ExitError
		ws   syscall.WaitStatus
		args []string
	}
)

// implements assertions
var (
	_ ExitError = &exitErrorAdapter{}
	_ Cmd       = &cmdAdapter{}
)

// NewOsExec creates a default OsExec instance
func NewOsExec() OsExec {
	return &defaultOsExec{}
}

func (d *defaultOsExec) Command(name string, args ...string) Cmd {
	return &cmdAdapter{cmd: osexec.Command(name, args...)}
}

func wrapExitError(cmd Cmd, err error) error {
	if err == nil {
		return nil
	}
	if ex, ok := err.(*osexec.ExitError); ok {
		if ws, ok := ex.Sys().(syscall.WaitStatus); ok {
			return &exitErrorAdapter{err: ex, ws: ws, args: cmd.Args()}
		}
	}
	return err
}

func (e *exitErrorAdapter) Exited() bool    { return e.ws.Exited() }
func (e *exitErrorAdapter) ExitStatus() int { return e.ws.ExitStatus() }
func (e *exitErrorAdapter) Signaled() bool  { return e.ws.Signaled() }
func (e *exitErrorAdapter) Stderr() []byte  { return e.err.Stderr }
func (e *exitErrorAdapter) Args() []string  { return e.args }
func (e *exitErrorAdapter) Error() string {
	msg := fmt.Sprintf("%s: %s", strings.Join(e.args, " "), e.err.Error())
	if stderr := strings.TrimSpace(string(e.err.Stderr)); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (c *cmdAdapter) Output() ([]byte, error) {
	bytes, err := c.cmd.Output()
	return bytes, wrapExitError(c, err)
}

func (c *cmdAdapter) SetSession(enable bool) {
	if c.cmd.SysProcAttr == nil {
		c.cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	c.cmd.SysProcAttr.Setsid = enable
}

func (c *cmdAdapter) Run() error   { return wrapExitError(c, c.cmd.Run()) }
func (c *cmdAdapter) Start() error { return c.cmd.Start() }
func (c *cmdAdapter) Wait() error  { return wrapExitError(c, c.cmd.Wait()) }

func (c *cmdAdapter) Path() string          { return c.cmd.Path }
func (c *cmdAdapter) SetStdin(r io.Reader)  { c.cmd.Stdin = r }
func (c *cmdAdapter) SetStdout(w io.Writer) { c.cmd.Stdout = w }
func (c *cmdAdapter) SetStderr(w io.Writer) { c.cmd.Stderr = w }
func (c *cmdAdapter) SetEnv(env []string)   { c.cmd.Env = env }
func (c *cmdAdapter) SetDir(dir string)     { c.cmd.Dir = dir }
func (c *cmdAdapter) String() string        { return c.cmd.String() }
func (c *cmdAdapter) Process() *os.Process  { return c.cmd.Process }

func (c *cmdAdapter) Args() []string {
	// return a copy of the Args slice to prevent direct modification by the user
	return append([]string(nil), c.cmd.Args...)
}
