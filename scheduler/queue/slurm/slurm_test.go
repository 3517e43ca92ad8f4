package slurm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/scheduler/queue"
	"github.com/twitter/vosges/scheduler/queue/slurm"
)

func TestSubmit(t *testing.T) {
	execer := exec.NewValidatingExecer(t,
		exec.ExpectedCall{
			ArgsRe: []string{"^sbatch$", "^--parsable$", "^--job-name=exp_0AB_g_000003$", "^--output=/o$", "^--error=/e$",
				"^--partition=long$", "^--mem=1536M$", "^/u.sh$"},
			Stdout: "977;cluster1\n",
		},
		exec.ExpectedCall{
			ArgsRe: []string{"sbatch", "--parsable", ".*", "/u.sh"},
			Err:    &exec.FakeExitError{Status: 1, StderrText: "sbatch: error: Batch job submission failed: Invalid partition name specified"},
		},
		exec.ExpectedCall{
			ArgsRe: []string{"sbatch", "--parsable", ".*", "/u.sh"},
			Err:    &exec.FakeExitError{Status: 1, StderrText: "sbatch: error: Batch job submission failed: Socket timed out on send/recv operation"},
		},
	)
	s := slurm.New(slurm.Config{}, execer)
	ctx := context.Background()

	id, err := s.Submit(ctx, queue.Unit{Name: "exp_0AB_g_000003", Script: "/u.sh", Stdout: "/o", Stderr: "/e", Queue: "long", MemHiGB: 1.5})
	require.NoError(t, err)
	assert.Equal(t, "977", id)

	_, err = s.Submit(ctx, queue.Unit{Name: "x", Script: "/u.sh"})
	assert.True(t, queue.IsSubmissionError(err), "got %v", err)
	_, err = s.Submit(ctx, queue.Unit{Name: "x", Script: "/u.sh"})
	assert.True(t, queue.IsTransientError(err), "got %v", err)
	execer.CheckAllValidated()
}

func TestListAndDelete(t *testing.T) {
	squeue := "977|exp_0AB_g_000003|R\n978|exp_0AB_g_000004|PD\n979|someone_else|R\n"
	call := exec.ExpectedCall{ArgsRe: []string{"^squeue$", "^--noheader$", `^--format=%i\|%j\|%t$`, "^--user=me$"}, Stdout: squeue}
	execer := exec.NewValidatingExecer(t, call, call, call,
		exec.ExpectedCall{ArgsRe: []string{"^scancel$", "^977$", "^978$"}},
		exec.ExpectedCall{ArgsRe: []string{"^squeue$", ".*", ".*", ".*"}, Stdout: "garbage\n"},
	)
	s := slurm.New(slurm.Config{User: "me"}, execer)
	ctx := context.Background()

	ids, err := s.List(ctx, "exp_0AB_", queue.Any)
	require.NoError(t, err)
	assert.Equal(t, []string{"977", "978"}, ids)
	ids, _ = s.List(ctx, "exp_0AB_", queue.Running)
	assert.Equal(t, []string{"977"}, ids)
	ids, _ = s.List(ctx, "exp_0AB_", queue.Pending)
	assert.Equal(t, []string{"978"}, ids)

	require.NoError(t, s.Delete(ctx, []string{"977", "978"}))

	_, err = s.List(ctx, "", queue.Any)
	assert.True(t, queue.IsTransientError(err))
	execer.CheckAllValidated()
}
