package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Node is anything that can be looked up by qualified name and has an
// aggregate status: a Job, a Group, or the Experiment itself.
type Node interface {
	QualifiedName() string
	Status() Status
}

// Dependency names a Job or a Group that a job waits on.
// *Job and *Group are Dependencies, as are the values returned by ByName and ByComposite.
type Dependency interface {
	QualifiedName() string
}

type nameRef string

func (n nameRef) QualifiedName() string { return "/" + strings.TrimLeft(string(n), "/") }

// ByName refers to a Job ("/group/job") or a Group ("/group") by qualified name.
func ByName(qualifiedName string) Dependency {
	return nameRef(qualifiedName)
}

// ByComposite refers to a Job through the parts of its group name and job name,
// each normalized with NormalizeName.
func ByComposite(group []interface{}, job []interface{}) Dependency {
	return nameRef("/" + NormalizeName(group...) + "/" + NormalizeName(job...))
}

// NormalizeName joins name parts with '_'.
func NormalizeName(parts ...interface{}) string {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = fmt.Sprint(p)
	}
	return strings.Join(strs, "_")
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

func checkName(kind, name string) error {
	if !validName.MatchString(name) {
		return NewDefinitionError("invalid %s name %q: must match %s", kind, name, validName)
	}
	return nil
}

// Experiment is the root of the job graph. Groups and Jobs are kept in
// declaration order, which is also the order in which they are submitted.
type Experiment struct {
	name    string
	options Options
	groups  []*Group
	jobs    []*Job
	byName  map[string]Node
	sealed  bool
}

// NewExperiment creates an empty experiment. opts are layered over DefaultOptions.
func NewExperiment(name string, opts Options) (*Experiment, error) {
	if err := checkName("experiment", name); err != nil {
		return nil, err
	}
	e := &Experiment{
		name:    name,
		options: opts.Inherit(DefaultOptions),
		byName:  map[string]Node{},
	}
	if err := e.options.Validate(); err != nil {
		return nil, NewDefinitionError("experiment %s: %v", name, err)
	}
	e.byName["/"] = e
	return e, nil
}

func (e *Experiment) Name() string          { return e.name }
func (e *Experiment) QualifiedName() string { return "/" }
func (e *Experiment) Options() Options      { return e.options }
func (e *Experiment) Groups() []*Group      { return e.groups }
func (e *Experiment) Jobs() []*Job          { return e.jobs }
func (e *Experiment) Sealed() bool          { return e.sealed }

// Status aggregates every job of the experiment.
func (e *Experiment) Status() Status {
	return aggregateJobs(e.jobs)
}

// StatusOf returns the aggregate status of a dependency, or false if it
// does not name anything in this experiment.
func (e *Experiment) StatusOf(dep Dependency) (Status, bool) {
	n := e.Find(dep.QualifiedName())
	if n == nil {
		return Waiting, false
	}
	return n.Status(), true
}

// Find returns the Job, Group or Experiment with the given qualified name, or nil.
// The leading '/' is optional.
func (e *Experiment) Find(qualifiedName string) Node {
	n, ok := e.byName["/"+strings.TrimLeft(qualifiedName, "/")]
	if !ok {
		return nil
	}
	return n
}

func (e *Experiment) FindJob(qualifiedName string) *Job {
	j, _ := e.Find(qualifiedName).(*Job)
	return j
}

func (e *Experiment) FindGroup(qualifiedName string) *Group {
	g, _ := e.Find(qualifiedName).(*Group)
	return g
}

// Group declares a new group. Its options are layered over the experiment's.
// Dependencies declared on a group apply to every job in it.
func (e *Experiment) Group(name string, opts Options, deps ...Dependency) (*Group, error) {
	if e.sealed {
		return nil, NewDefinitionError("experiment %s is sealed, cannot add group %s", e.name, name)
	}
	if err := checkName("group", name); err != nil {
		return nil, err
	}
	if _, ok := e.byName["/"+name]; ok {
		return nil, NewDefinitionError("duplicate group /%s", name)
	}
	g := &Group{
		name:       name,
		index:      len(e.groups),
		experiment: e,
		options:    opts,
		declared:   deps,
	}
	if err := g.Options().Validate(); err != nil {
		return nil, NewDefinitionError("group /%s: %v", name, err)
	}
	e.groups = append(e.groups, g)
	e.byName[g.QualifiedName()] = g
	return g, nil
}

// Seal resolves all dependencies and freezes membership. It fails on
// unresolved names, self dependencies and cycles.
func (e *Experiment) Seal() error {
	if e.sealed {
		return nil
	}
	for _, j := range e.jobs {
		declared := append(append([]Dependency(nil), j.group.declared...), j.declared...)
		j.deps = j.deps[:0]
		seen := map[Node]bool{}
		for _, d := range declared {
			n, err := e.resolve(d)
			if err != nil {
				return NewDefinitionError("job %s: %v", j.QualifiedName(), err)
			}
			if n == Node(j) || n == Node(j.group) {
				return NewDefinitionError("job %s depends on itself through %s", j.QualifiedName(), n.QualifiedName())
			}
			if _, isExp := n.(*Experiment); isExp {
				return NewDefinitionError("job %s cannot depend on the whole experiment", j.QualifiedName())
			}
			if !seen[n] {
				seen[n] = true
				j.deps = append(j.deps, n)
			}
		}
	}
	if err := e.checkCycles(); err != nil {
		return err
	}
	e.sealed = true
	return nil
}

func (e *Experiment) resolve(d Dependency) (Node, error) {
	if d == nil {
		return nil, fmt.Errorf("nil dependency")
	}
	n := e.Find(d.QualifiedName())
	if n == nil {
		return nil, fmt.Errorf("unresolved dependency %s", d.QualifiedName())
	}
	switch obj := d.(type) {
	case *Job:
		if n != Node(obj) {
			return nil, fmt.Errorf("dependency %s belongs to another experiment", d.QualifiedName())
		}
	case *Group:
		if n != Node(obj) {
			return nil, fmt.Errorf("dependency %s belongs to another experiment", d.QualifiedName())
		}
	}
	return n, nil
}

func (e *Experiment) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[*Job]int, len(e.jobs))
	var stack []*Job
	var visit func(j *Job) error
	visit = func(j *Job) error {
		color[j] = grey
		stack = append(stack, j)
		for _, dep := range j.Upstream() {
			switch color[dep] {
			case grey:
				var path []string
				for i := len(stack) - 1; i >= 0; i-- {
					path = append(path, stack[i].QualifiedName())
					if stack[i] == dep {
						break
					}
				}
				return NewDefinitionError("dependency cycle: %s", strings.Join(path, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[j] = black
		return nil
	}
	for _, j := range e.jobs {
		if color[j] == white {
			if err := visit(j); err != nil {
				return err
			}
		}
	}
	return nil
}

func aggregateJobs(jobs []*Job) Status {
	statuses := make([]Status, len(jobs))
	for i, j := range jobs {
		statuses[i] = j.status
	}
	return Aggregate(statuses)
}

// Group is a named collection of jobs sharing resource settings.
type Group struct {
	name       string
	index      int
	experiment *Experiment
	options    Options
	declared   []Dependency
	jobs       []*Job
}

func (g *Group) Name() string            { return g.name }
func (g *Group) Index() int              { return g.index }
func (g *Group) QualifiedName() string   { return "/" + g.name }
func (g *Group) Experiment() *Experiment { return g.experiment }
func (g *Group) Jobs() []*Job            { return g.jobs }
func (g *Group) Status() Status          { return aggregateJobs(g.jobs) }

// Dependencies returns what was declared on the group, unresolved.
func (g *Group) Dependencies() []Dependency { return g.declared }

// Options returns the group's effective options.
func (g *Group) Options() Options {
	return g.options.Inherit(g.experiment.options)
}

// JobSpec declares a job.
type JobSpec struct {
	// Name defaults to the job's position in its group.
	Name string

	// Command is passed to the group's executable, e.g. a script path and its arguments.
	Command []string

	// Inputs must exist when the job starts or the job fails without running.
	Inputs []string

	Options      Options
	Dependencies []Dependency
}

// Job appends a job to the group.
func (g *Group) Job(spec JobSpec) (*Job, error) {
	e := g.experiment
	if e.sealed {
		return nil, NewDefinitionError("experiment %s is sealed, cannot add job to %s", e.name, g.QualifiedName())
	}
	name := spec.Name
	if name == "" {
		name = strconv.Itoa(len(g.jobs))
	}
	if err := checkName("job", name); err != nil {
		return nil, err
	}
	if len(spec.Command) == 0 {
		return nil, NewDefinitionError("job %s/%s has no command", g.QualifiedName(), name)
	}
	j := &Job{
		name:     name,
		index:    len(g.jobs),
		group:    g,
		command:  append([]string(nil), spec.Command...),
		inputs:   append([]string(nil), spec.Inputs...),
		options:  spec.Options,
		declared: spec.Dependencies,
		status:   Waiting,
		created:  time.Now(),
	}
	if _, ok := e.byName[j.QualifiedName()]; ok {
		return nil, NewDefinitionError("duplicate job %s", j.QualifiedName())
	}
	if err := j.Options().Validate(); err != nil {
		return nil, NewDefinitionError("job %s: %v", j.QualifiedName(), err)
	}
	g.jobs = append(g.jobs, j)
	e.jobs = append(e.jobs, j)
	e.byName[j.QualifiedName()] = j
	return j, nil
}

// Job is a single shell-level unit of work.
type Job struct {
	name     string
	index    int
	group    *Group
	command  []string
	inputs   []string
	options  Options
	declared []Dependency
	deps     []Node
	status   Status
	created  time.Time
}

func (j *Job) Name() string          { return j.name }
func (j *Job) Index() int            { return j.index }
func (j *Job) Group() *Group         { return j.group }
func (j *Job) Command() []string     { return j.command }
func (j *Job) Inputs() []string      { return j.inputs }
func (j *Job) Created() time.Time    { return j.created }
func (j *Job) Status() Status        { return j.status }
func (j *Job) QualifiedName() string { return j.group.QualifiedName() + "/" + j.name }

// Options returns the job's effective options.
func (j *Job) Options() Options {
	return j.options.Inherit(j.group.Options())
}

// Dependencies returns the resolved dependencies, including those declared on
// the job's group. Empty until the experiment is sealed.
func (j *Job) Dependencies() []Node {
	return j.deps
}

// SetStatus moves the job to next, refusing transitions that would go backwards.
func (j *Job) SetStatus(next Status) error {
	if !j.status.CanTransitionTo(next) {
		return InvalidTransitionError{Job: j.QualifiedName(), From: j.status, To: next}
	}
	j.status = next
	return nil
}

// Upstream lists the jobs j depends on, group dependencies expanded into
// their jobs.
func (j *Job) Upstream() []*Job {
	var out []*Job
	for _, d := range j.deps {
		switch n := d.(type) {
		case *Job:
			out = append(out, n)
		case *Group:
			out = append(out, n.jobs...)
		}
	}
	return out
}

func (j *Job) String() string {
	return fmt.Sprintf("%s(%s)", j.QualifiedName(), j.status)
}
