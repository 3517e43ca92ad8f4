package local

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/scheduler/queue"
)

func writeScript(t *testing.T, dir, name, body string) queue.Unit {
	path := filepath.Join(dir, name+".sh")
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0755))
	return queue.Unit{
		Name:   "exp_" + name,
		Script: path,
		Stdout: filepath.Join(dir, "stdout_"+name+".txt"),
		Stderr: filepath.Join(dir, "stderr_"+name+".txt"),
	}
}

func TestUnitsRunAndDisappear(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{}, exec.NewOsExec())
	ctx := context.Background()

	id, err := s.Submit(ctx, writeScript(t, dir, "hello", "echo hello\necho oops >&2\n"))
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	assert.Eventually(t, func() bool {
		ids, err := s.List(ctx, "exp_", queue.Any)
		return err == nil && len(ids) == 0
	}, 10*time.Second, 10*time.Millisecond)

	out, _ := ioutil.ReadFile(filepath.Join(dir, "stdout_hello.txt"))
	assert.Equal(t, "hello\n", string(out))
	errOut, _ := ioutil.ReadFile(filepath.Join(dir, "stderr_hello.txt"))
	assert.Equal(t, "oops\n", string(errOut))
}

func TestMaxProcsKeepsUnitsPending(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{MaxProcs: 1, KillGrace: time.Second}, exec.NewOsExec())
	ctx := context.Background()

	a, err := s.Submit(ctx, writeScript(t, dir, "a", "sleep 30\n"))
	require.NoError(t, err)
	b, err := s.Submit(ctx, writeScript(t, dir, "b", "sleep 30\n"))
	require.NoError(t, err)

	running, _ := s.List(ctx, "exp_", queue.Running)
	assert.Equal(t, []string{a}, running)
	pending, _ := s.List(ctx, "exp_", queue.Pending)
	assert.Equal(t, []string{b}, pending)

	require.NoError(t, s.Delete(ctx, []string{a}))
	running, _ = s.List(ctx, "exp_", queue.Running)
	assert.Equal(t, []string{b}, running)

	require.NoError(t, s.Shutdown())
	all, _ := s.List(ctx, "", queue.Any)
	assert.Empty(t, all)
}

func TestUnstartableUnitIsTransient(t *testing.T) {
	s := New(Config{}, exec.NewOsExec())
	_, err := s.Submit(context.Background(), queue.Unit{
		Name:   "exp_x",
		Script: "/nonexistent.sh",
		Stdout: filepath.Join(os.DevNull, "cannot", "create"),
	})
	assert.True(t, queue.IsTransientError(err), "got %v", err)
}
