package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExperiment(t *testing.T) *Experiment {
	e, err := NewExperiment("exp", Options{Queue: "all.q", Env: map[string]string{"A": "1"}})
	require.NoError(t, err)
	return e
}

func TestBuildAndFind(t *testing.T) {
	e := newTestExperiment(t)
	prep, err := e.Group("prep", Options{ParallelJobs: 2, Env: map[string]string{"B": "2"}})
	require.NoError(t, err)
	j0, err := prep.Job(JobSpec{Command: []string{"prep.sh"}})
	require.NoError(t, err)
	j1, err := prep.Job(JobSpec{Name: NormalizeName("fold", 1), Command: []string{"prep.sh", "1"}})
	require.NoError(t, err)

	train, err := e.Group("train", Options{}, prep)
	require.NoError(t, err)
	t0, err := train.Job(JobSpec{
		Command:      []string{"train.sh"},
		Options:      Options{MemHiGB: 32, Env: map[string]string{"A": "3"}},
		Dependencies: []Dependency{ByComposite([]interface{}{"prep"}, []interface{}{"fold", 1})},
	})
	require.NoError(t, err)
	require.NoError(t, e.Seal())

	assert.Equal(t, "0", j0.Name())
	assert.Equal(t, "/prep/fold_1", j1.QualifiedName())
	assert.Equal(t, Node(j1), e.Find("prep/fold_1"))
	assert.Equal(t, Node(prep), e.Find("/prep"))
	assert.Equal(t, Node(e), e.Find("/"))
	assert.Nil(t, e.Find("/prep/nope"))
	assert.Nil(t, e.FindJob("/prep"))
	assert.Equal(t, train, e.FindGroup("train"))

	// group dependency first, then the job's own
	assert.Equal(t, []Node{prep, j1}, t0.Dependencies())

	opts := t0.Options()
	assert.Equal(t, "all.q", opts.Queue)
	assert.Equal(t, 4, opts.ParallelJobs)
	assert.Equal(t, 32.0, opts.MemHiGB)
	assert.Equal(t, map[string]string{"A": "3"}, opts.Env)
	assert.Equal(t, 2, j0.Options().ParallelJobs)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, j0.Options().Env)

	assert.Equal(t, []*Job{j0, j1, t0}, e.Jobs())
	assert.Equal(t, Waiting, e.Status())

	_, err = prep.Job(JobSpec{Command: []string{"late.sh"}})
	assert.Error(t, err, "sealed experiments reject new jobs")
}

func TestDuplicatesRejected(t *testing.T) {
	e := newTestExperiment(t)
	g, err := e.Group("g", Options{})
	require.NoError(t, err)
	_, err = e.Group("g", Options{})
	assert.IsType(t, DefinitionError{}, err)

	_, err = g.Job(JobSpec{Name: "a", Command: []string{"x"}})
	require.NoError(t, err)
	_, err = g.Job(JobSpec{Name: "a", Command: []string{"y"}})
	assert.IsType(t, DefinitionError{}, err)

	// a positional default name colliding with an explicit one
	_, err = g.Job(JobSpec{Name: "2", Command: []string{"y"}})
	require.NoError(t, err)
	_, err = g.Job(JobSpec{Command: []string{"z"}})
	assert.Error(t, err)
}

func TestSealRejectsBadDependencies(t *testing.T) {
	e := newTestExperiment(t)
	g, _ := e.Group("g", Options{})
	_, err := g.Job(JobSpec{Command: []string{"x"}, Dependencies: []Dependency{ByName("/missing")}})
	require.NoError(t, err)
	assert.Error(t, e.Seal())

	e = newTestExperiment(t)
	g, _ = e.Group("g", Options{})
	_, _ = g.Job(JobSpec{Command: []string{"x"}, Dependencies: []Dependency{g}})
	assert.Error(t, e.Seal(), "depending on the own group is a self dependency")

	e = newTestExperiment(t)
	a, _ := e.Group("a", Options{}, ByName("/b"))
	b, _ := e.Group("b", Options{})
	_, _ = a.Job(JobSpec{Command: []string{"x"}})
	_, _ = b.Job(JobSpec{Command: []string{"x"}, Dependencies: []Dependency{a}})
	err = e.Seal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	other := newTestExperiment(t)
	og, _ := other.Group("g", Options{})
	oj, _ := og.Job(JobSpec{Command: []string{"x"}})
	e = newTestExperiment(t)
	g, _ = e.Group("g", Options{})
	_, _ = g.Job(JobSpec{Command: []string{"x"}})
	h, _ := e.Group("h", Options{})
	_, _ = h.Job(JobSpec{Command: []string{"x"}, Dependencies: []Dependency{oj}})
	assert.Error(t, e.Seal(), "objects from another experiment do not resolve")
}

func TestInvalidNamesAndOptions(t *testing.T) {
	_, err := NewExperiment("bad name", Options{})
	assert.Error(t, err)

	e := newTestExperiment(t)
	_, err = e.Group("a/b", Options{})
	assert.Error(t, err)
	_, err = e.Group("g", Options{MemLoGB: 20, MemHiGB: 4})
	assert.Error(t, err)

	g, _ := e.Group("ok", Options{})
	_, err = g.Job(JobSpec{Name: "nocmd"})
	assert.Error(t, err)
}

func TestSetStatus(t *testing.T) {
	e := newTestExperiment(t)
	g, _ := e.Group("g", Options{})
	j, _ := g.Job(JobSpec{Command: []string{"x"}})

	assert.NoError(t, j.SetStatus(Submitted))
	assert.NoError(t, j.SetStatus(Running))
	err := j.SetStatus(Submitted)
	assert.True(t, IsInvalidTransitionError(err))
	assert.NoError(t, j.SetStatus(Success))
	assert.Error(t, j.SetStatus(Killed))
	assert.Error(t, j.SetStatus(Canceled))
	assert.Equal(t, Success, j.Status())
	assert.Equal(t, Success, g.Status())
}

func TestOptionsInherit(t *testing.T) {
	parent := Options{Queue: "q", Source: []string{"p.sh"}, Path: []string{"/p"}, Env: map[string]string{"X": "1"}}
	child := Options{Source: []string{"c.sh"}, LDLibraryPath: []string{"/lib"}}
	got := child.Inherit(parent)
	assert.Equal(t, "q", got.Queue)
	assert.Equal(t, []string{"c.sh", "p.sh"}, got.Source)
	assert.Equal(t, []string{"/p"}, got.Path)
	assert.Equal(t, []string{"/lib"}, got.LDLibraryPath)
	assert.Equal(t, map[string]string{"X": "1"}, got.Env)

	got.Env["X"] = "2"
	assert.Equal(t, "1", parent.Env["X"], "inherit must not alias the parent env")
}
