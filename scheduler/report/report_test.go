package report

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/vosges/common/stats"
	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/layout"
	"github.com/twitter/vosges/scheduler/protocol"
	"github.com/twitter/vosges/scheduler/script"
)

func testExperiment(t *testing.T) *domain.Experiment {
	e, err := domain.NewExperiment("exp", domain.Options{Env: map[string]string{"SEED": "1"}})
	require.NoError(t, err)
	train, err := e.Group("train", domain.Options{ParallelJobs: 2})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := train.Job(domain.JobSpec{Command: []string{"train.sh"}})
		require.NoError(t, err)
	}
	eval, err := e.Group("eval", domain.Options{}, train)
	require.NoError(t, err)
	_, err = eval.Job(domain.JobSpec{Name: "acc", Command: []string{"eval.sh"}})
	require.NoError(t, err)
	require.NoError(t, e.Seal())
	return e
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefghij", Truncate("abcdefghij", 10))
	assert.Equal(t, "abc\n\n[7 characters skipped]\n\nxyz", Truncate("abcdefghitxyz", 6))
	assert.Equal(t, "anything", Truncate("anything", 0))
}

func TestNormalizeResults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "acc.txt"), []byte("0.93"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "plots", "a"), 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "plots", "a", "loss.png"), nil, 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "plots", "roc.png"), nil, 0644))

	results := NormalizeResults([]map[string]interface{}{
		{"path": filepath.Join(dir, "acc.txt")},
		{"type": "image", "path": filepath.Join(dir, "plots", "**", "*.png")},
		{"name": "note", "value": "first"},
		{"name": "note", "value": "second"},
		{"value": "anonymous"},
	})

	require.Len(t, results, 5)
	names := []string{}
	for _, r := range results {
		names = append(names, r["name"].(string))
	}
	assert.Equal(t, []string{"#4", "acc.txt", "loss.png", "note", "roc.png"}, names)
	assert.Equal(t, "0.93", results[1]["value"])
	assert.Equal(t, "text", results[1]["type"])
	assert.Equal(t, "image", results[2]["type"])
	assert.Nil(t, results[2]["value"])
	assert.Equal(t, "second", results[3]["value"])
}

func TestSnapshot(t *testing.T) {
	e := testExperiment(t)
	l := layout.New(t.TempDir(), "exp_A1B")
	require.NoError(t, l.Create(e))
	require.NoError(t, script.WriteJobScripts(e, l))

	train0, train1, acc := e.Jobs()[0], e.Jobs()[1], e.Jobs()[2]
	require.NoError(t, train0.SetStatus(domain.Success))
	require.NoError(t, train1.SetStatus(domain.Running))

	require.NoError(t, protocol.AppendFile(l.ExperimentStderr(),
		protocol.MakeStatsEvent(map[string]interface{}{"time_started": "2026-10-18 10:00:00", "run_id": "abc"}),
		protocol.MakeEnvironEvent(map[string]string{"USER": "me"})))
	require.NoError(t, protocol.AppendFile(l.JobStderr(train0),
		protocol.MakeStatusEvent(domain.Running),
		protocol.MakeStatsEvent(map[string]interface{}{"exit_code": 0}),
		protocol.MakeResultsEvent(map[string]interface{}{"name": "loss", "value": "0.1"}),
		protocol.MakeStatusEvent(domain.Success)))
	f, err := os.OpenFile(l.JobStderr(train0), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("warning: slow disk\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, ioutil.WriteFile(l.JobStdout(train0), []byte(strings.Repeat("x", 100)), 0644))
	require.NoError(t, protocol.AppendFile(l.JobStderr(train1),
		protocol.MakeStatsEvent(map[string]interface{}{"time_started_unix": 1000})))

	stat := stats.DefaultStatsReceiver()
	stat.Scope("scheduler").Counter(stats.SchedSubmittedJobsCounter).Inc(2)

	var console bytes.Buffer
	r := New(l, stat, Options{MaxStdoutSize: 20, Definition: "/defs/exp.hcl", Console: &console})
	r.now = func() time.Time { return time.Unix(1060, 0) }
	require.NoError(t, r.Snapshot(e, false))

	snap, err := Load(l.Report())
	require.NoError(t, err)
	assert.Equal(t, "exp", snap.Name)
	assert.Equal(t, "exp_A1B", snap.NameCode)
	assert.Equal(t, domain.Running, snap.Status)
	assert.Equal(t, "abc", snap.Stats["run_id"])
	assert.Equal(t, "/defs/exp.hcl", snap.Stats["definition"])
	assert.Equal(t, "me", snap.Environ["USER"])
	assert.Equal(t, "1", snap.Env["SEED"])
	assert.Contains(t, string(snap.EngineStats), "submittedJobsCounter")

	require.Len(t, snap.Groups, 2)
	assert.Equal(t, "/train", snap.Groups[0].QualifiedName)
	assert.Equal(t, domain.Running, snap.Groups[0].Status)
	assert.Equal(t, []string{"/train"}, snap.Groups[1].Dependencies)
	assert.Equal(t, json.Number("2"), snap.Groups[0].Stats["parallel_jobs"])

	require.Len(t, snap.Jobs, 3)
	j0 := snap.Jobs[0]
	assert.Equal(t, "/train/0", j0.QualifiedName)
	assert.Equal(t, domain.Success, j0.Status)
	assert.Equal(t, "warning: slow disk", j0.Stderr)
	assert.Contains(t, j0.Stdout, "[80 characters skipped]")
	assert.Equal(t, "loss", j0.Results[0]["name"])
	assert.Equal(t, json.Number("0"), j0.Stats["exit_code"])
	assert.Contains(t, j0.Script, "train.sh")
	assert.Equal(t, json.Number("60"), snap.Jobs[1].Stats["time_wall_clock_seconds"])
	assert.Equal(t, acc.QualifiedName(), snap.Jobs[2].QualifiedName)
	assert.Empty(t, console.String())
}

func TestSelect(t *testing.T) {
	snap := &Snapshot{
		Name:          "exp",
		QualifiedName: "/",
		Stdout:        "lots",
		Groups:        []Group{{Name: "g", QualifiedName: "/g"}},
		Jobs:          []Job{{Name: "0", QualifiedName: "/g/0", Stdout: "lots", Status: domain.Error}},
	}

	root, err := snap.Select("/")
	require.NoError(t, err)
	assert.Equal(t, "<skipped>", root["stdout"])
	assert.Equal(t, "(1 elements) [/g/0]", root["jobs"])

	job, err := snap.Select("/g/0")
	require.NoError(t, err)
	assert.Equal(t, "error", job["status"])
	assert.Equal(t, "<skipped>", job["stdout"])

	_, err = snap.Select("/nope")
	assert.Error(t, err)
}

func TestConsole(t *testing.T) {
	e := testExperiment(t)
	l := layout.New(t.TempDir(), "exp_A1B")
	var console bytes.Buffer
	r := New(l, nil, Options{Console: &console})

	train, eval := e.Groups()[0], e.Groups()[1]
	require.NoError(t, e.Jobs()[0].SetStatus(domain.Success))
	require.NoError(t, e.Jobs()[1].SetStatus(domain.Error))
	require.NoError(t, e.Jobs()[2].SetStatus(domain.Canceled))

	r.GroupDone(train, 90*time.Second)
	r.GroupDone(eval, time.Second)
	require.NoError(t, r.Snapshot(e, true))

	out := console.String()
	assert.Contains(t, out, "/train")
	assert.Contains(t, out, "error")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "skipped as a consequence:")
	assert.Contains(t, out, "/eval")

	snap, err := Load(l.Report())
	require.NoError(t, err)
	assert.True(t, snap.Final)
	table := Table(snap)
	assert.Contains(t, table, "GROUP")
	assert.Contains(t, table, "1 success")
	assert.Contains(t, table, "1 error")
	assert.Contains(t, table, "1 canceled")
}

func TestConsolePartlySkippedGroup(t *testing.T) {
	e := testExperiment(t)
	var console bytes.Buffer
	r := New(layout.New(t.TempDir(), "exp_A1B"), nil, Options{Console: &console})

	require.NoError(t, e.Jobs()[0].SetStatus(domain.Success))
	require.NoError(t, e.Jobs()[1].SetStatus(domain.Canceled))
	r.GroupDone(e.Groups()[0], time.Minute)

	assert.Contains(t, console.String(), "/train")
	assert.Contains(t, console.String(), "partly skipped")
}
