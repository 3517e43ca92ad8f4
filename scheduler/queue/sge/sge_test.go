package sge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/scheduler/queue"
)

const qstatXML = `<?xml version='1.0'?>
<job_info  xmlns:xsd="http://arc.liv.ac.uk/repos/darcs/sge/source/dist/util/resources/schemas/qstat/qstat.xsd">
  <queue_info>
    <job_list state="running">
      <JB_job_number>4242</JB_job_number>
      <JAT_prio>0.50500</JAT_prio>
      <JB_name>mnist_3F1_train_000000</JB_name>
      <JB_owner>me</JB_owner>
      <state>r</state>
      <queue_name>all.q@node01</queue_name>
      <slots>1</slots>
    </job_list>
    <job_list state="running">
      <JB_job_number>4243</JB_job_number>
      <JB_name>other_000_g_000000</JB_name>
      <state>r</state>
    </job_list>
  </queue_info>
  <job_info>
    <job_list state="pending">
      <JB_job_number>4250</JB_job_number>
      <JB_name>mnist_3F1_eval_000001</JB_name>
      <state>qw</state>
    </job_list>
  </job_info>
</job_info>
`

var unit = queue.Unit{
	Name:    "mnist_3F1_train_000000",
	Script:  "/exp/mnist_3F1/unit/train/unit_000000.sh",
	Stdout:  "/exp/mnist_3F1/unit/train/stdout_unit_000000.txt",
	Stderr:  "/exp/mnist_3F1/unit/train/stderr_unit_000000.txt",
	Queue:   "gpu.q",
	MemLoGB: 2,
	MemHiGB: 10,
}

func TestSubmit(t *testing.T) {
	execer := exec.NewValidatingExecer(t, exec.ExpectedCall{
		ArgsRe: []string{"^qsub$", "^-terse$", "^-N$", "^mnist_3F1_train_000000$", "^-S$", "^/bin/bash$",
			"^-o$", "stdout_unit_000000.txt$", "^-e$", "stderr_unit_000000.txt$", "^-q$", "^gpu.q$",
			"^-l$", `^mem_req=2\.00G$`, "^-l$", `^h_vmem=10\.00G$`, "unit_000000.sh$"},
		Stdout: "4242\n",
	})
	id, err := New(Config{}, execer).Submit(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, "4242", id)
	execer.CheckAllValidated()
}

func TestSubmitArrayStyleOutput(t *testing.T) {
	execer := exec.NewValidatingExecer(t, exec.ExpectedCall{
		ArgsRe: []string{"^/opt/sge/bin/qsub$", "-terse", "-N", ".*", "-S", ".*", "unit.sh$"},
		Stdout: "4242.1-10:1\n",
	})
	id, err := New(Config{Qsub: "/opt/sge/bin/qsub"}, execer).Submit(context.Background(), queue.Unit{Name: "u", Script: "unit.sh"})
	require.NoError(t, err)
	assert.Equal(t, "4242", id)
}

func TestSubmitErrorsAreClassified(t *testing.T) {
	anyArgs := []string{".*", ".*", ".*", ".*", ".*", ".*", ".*"}
	execer := exec.NewValidatingExecer(t,
		exec.ExpectedCall{ArgsRe: anyArgs, Err: &exec.FakeExitError{Status: 1, StderrText: "Unable to run job: Job was rejected because job requests unknown queue \"gpu.q\"."}},
		exec.ExpectedCall{ArgsRe: anyArgs, Err: &exec.FakeExitError{Status: 1, StderrText: "error: commlib error: can't connect to service (Connection refused)\nunable to contact qmaster"}},
		exec.ExpectedCall{ArgsRe: anyArgs, Err: errors.New(`exec: "qsub": executable file not found in $PATH`)},
		exec.ExpectedCall{ArgsRe: anyArgs, Stdout: "Your job has been submitted\n"},
	)
	s := New(Config{}, execer)
	u := queue.Unit{Name: "u", Script: "unit.sh"}

	_, err := s.Submit(context.Background(), u)
	assert.True(t, queue.IsSubmissionError(err), "got %v", err)
	_, err = s.Submit(context.Background(), u)
	assert.True(t, queue.IsTransientError(err), "got %v", err)
	_, err = s.Submit(context.Background(), u)
	assert.True(t, queue.IsTransientError(err), "got %v", err)
	_, err = s.Submit(context.Background(), u)
	assert.True(t, queue.IsTransientError(err), "got %v", err)
}

func TestList(t *testing.T) {
	call := exec.ExpectedCall{ArgsRe: []string{"^qstat$", "^-xml$"}, Stdout: qstatXML}
	execer := exec.NewValidatingExecer(t, call, call, call, call)
	s := New(Config{}, execer)
	ctx := context.Background()

	ids, err := s.List(ctx, "mnist_3F1_", queue.Any)
	require.NoError(t, err)
	assert.Equal(t, []string{"4242", "4250"}, ids)

	ids, _ = s.List(ctx, "mnist_3F1_", queue.Running)
	assert.Equal(t, []string{"4242"}, ids)

	ids, _ = s.List(ctx, "mnist_3F1_", queue.Pending)
	assert.Equal(t, []string{"4250"}, ids)

	ids, _ = s.List(ctx, "mnist_3F1_train_000000", queue.Any)
	assert.Equal(t, []string{"4242"}, ids)
	execer.CheckAllValidated()
}

func TestListGarbageIsTransient(t *testing.T) {
	execer := exec.NewValidatingExecer(t, exec.ExpectedCall{ArgsRe: []string{"qstat", "-xml"}, Stdout: "<job_info><queue_info>"})
	_, err := New(Config{}, execer).List(context.Background(), "", queue.Any)
	assert.True(t, queue.IsTransientError(err), "got %v", err)
}

func TestDelete(t *testing.T) {
	execer := exec.NewValidatingExecer(t,
		exec.ExpectedCall{ArgsRe: []string{"^qdel$", "^4242$", "^4250$"}, Stdout: "me has deleted job 4242\n"},
		exec.ExpectedCall{ArgsRe: []string{"^qdel$", "^4242$"}, Err: &exec.FakeExitError{Status: 1, StderrText: "denied: job \"4242\" does not exist"}},
		exec.ExpectedCall{ArgsRe: []string{"^qdel$", "^4242$"}, Err: &exec.FakeExitError{Status: 2, StderrText: "unable to contact qmaster"}},
	)
	s := New(Config{}, execer)
	ctx := context.Background()
	assert.NoError(t, s.Delete(ctx, []string{"4242", "4250"}))
	assert.NoError(t, s.Delete(ctx, []string{"4242"}))
	assert.True(t, queue.IsTransientError(s.Delete(ctx, []string{"4242"})))
	assert.NoError(t, s.Delete(ctx, nil))
	execer.CheckAllValidated()
}
