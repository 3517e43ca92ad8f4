package script

import (
	"io/ioutil"
	osexec "os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/layout"
	"github.com/twitter/vosges/scheduler/protocol"
)

func experiment(t *testing.T, cwd string) *domain.Experiment {
	e, err := domain.NewExperiment("exp", domain.Options{
		Env:  map[string]string{"B": "2", "A": `say "hi"`},
		Path: []string{"/opt/bin", "/usr/local/bin"},
	})
	require.NoError(t, err)
	g, err := e.Group("g", domain.Options{Source: []string{"/etc/profile.d/cuda.sh"}, Cwd: cwd})
	require.NoError(t, err)
	_, err = g.Job(domain.JobSpec{Command: []string{"train.sh", "--lr", "it's"}, Inputs: []string{"/data/in"}})
	require.NoError(t, err)
	require.NoError(t, e.Seal())
	return e
}

func TestJobScript(t *testing.T) {
	e := experiment(t, "/work")
	s, err := Job(e.Jobs()[0])
	require.NoError(t, err)
	assert.Equal(t, `#! /bin/bash
# /g/0
for USED_FILE_PATH in "/data/in" "/work"; do
	if [ ! -e "$USED_FILE_PATH" ]; then echo "File \"$USED_FILE_PATH\" does not exist" >&2; exit 1; fi
done
export A="say \"hi\""
export B="2"
source "/etc/profile.d/cuda.sh"
export PATH="/opt/bin:/usr/local/bin":"$PATH"
cd "/work"
bash 'train.sh' '--lr' 'it'\''s'
# end
`, s)
}

func TestUnitScriptStampsProtocolLines(t *testing.T) {
	s, err := Unit("exp_ABC_g_000000", []UnitJob{{QualifiedName: "/g/0", Script: "/x/job_000000.sh", Stdout: "/x/o", Stderr: "/x/e"}})
	require.NoError(t, err)
	assert.Contains(t, s, "# exp_ABC_g_000000\n\n# /g/0\nJOB_STDERR='/x/e'\n")
	assert.Contains(t, s, `echo '%vosges status "running"' >> "$JOB_STDERR"`)
	assert.Contains(t, s, `-f '%%vosges stats {"exit_code": %x,`)
	assert.Contains(t, s, `bash -e '/x/job_000000.sh' > '/x/o' 2>> "$JOB_STDERR"`)
	assert.Contains(t, s, `echo '%vosges status "success"' >> "$JOB_STDERR"; else echo '%vosges status "error"' >> "$JOB_STDERR"; fi`)
}

func TestLocalScript(t *testing.T) {
	e := experiment(t, "")
	s, err := Local(e, "/home/me/exp.hcl")
	require.NoError(t, err)
	assert.Contains(t, s, "#  this is a stand-alone script generated from \"/home/me/exp.hcl\"\n\n(\n# /g/0\n")
	assert.Contains(t, s, "# end\n)\n")
	assert.NotContains(t, s, "cd ")
}

// Runs generated scripts with bash and reads the outcome back through the protocol.
func TestGeneratedScriptsRun(t *testing.T) {
	if _, err := osexec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	dir := t.TempDir()
	e, err := domain.NewExperiment("exp", domain.Options{Env: map[string]string{"GREETING": "hello"}})
	require.NoError(t, err)
	g, _ := e.Group("g", domain.Options{Executable: "exec"})
	g.Job(domain.JobSpec{Command: []string{"sh", "-c", "echo $GREETING"}})
	g.Job(domain.JobSpec{Command: []string{"false"}})
	g.Job(domain.JobSpec{Command: []string{"true"}, Inputs: []string{filepath.Join(dir, "missing")}})
	require.NoError(t, e.Seal())

	l := layout.New(dir, "exp_ABC")
	require.NoError(t, l.Create(e))
	require.NoError(t, WriteJobScripts(e, l))
	unitScript := l.UnitScript("g", 0)
	require.NoError(t, WriteUnitScript(unitScript, l.UnitName("g", 0), l, e.Jobs()))
	require.NoError(t, osexec.Command("bash", unitScript).Run())

	expected := []domain.Status{domain.Success, domain.Error, domain.Error}
	for i, j := range e.Jobs() {
		log, err := protocol.ReadFile(l.JobStderr(j))
		require.NoError(t, err)
		status, ok := log.Status()
		assert.True(t, ok, j.QualifiedName())
		assert.Equal(t, expected[i], status, j.QualifiedName())
		assert.Contains(t, log.Stats(), "time_started_unix")
		assert.Contains(t, log.Stats(), "time_finished")
	}

	out, _ := ioutil.ReadFile(l.JobStdout(e.Jobs()[0]))
	assert.Equal(t, "hello\n", string(out))
	errOut, _ := ioutil.ReadFile(l.JobStderr(e.Jobs()[2]))
	assert.Contains(t, string(errOut), "does not exist")

	l0, _ := protocol.ReadFile(l.JobStderr(e.Jobs()[1]))
	assert.Equal(t, "1", l0.Stats()["exit_code"].(interface{ String() string }).String())
}
