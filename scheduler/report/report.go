// Package report builds the read-only snapshot of an experiment, writes it as
// report.json next to the experiment's files and prints the console summary.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/common/stats"
	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/layout"
	"github.com/twitter/vosges/scheduler/protocol"
)

const (
	DefaultMaxStdoutSize = 2048

	// TimeFormat matches the time stamps written by the engine and job scripts.
	TimeFormat = "2006-01-02 15:04:05"
)

// Result is one user-declared output of a job, e.g. {"type": "text", "path": "acc.txt"}.
type Result map[string]interface{}

type Job struct {
	Name          string                 `json:"name"`
	QualifiedName string                 `json:"qualified_name"`
	Group         string                 `json:"group"`
	Status        domain.Status          `json:"status"`
	Dependencies  []string               `json:"dependencies,omitempty"`
	Stdout        string                 `json:"stdout"`
	StdoutPath    string                 `json:"stdout_path"`
	Stderr        string                 `json:"stderr"`
	StderrPath    string                 `json:"stderr_path"`
	Script        string                 `json:"script"`
	ScriptPath    string                 `json:"script_path"`
	Environ       map[string]string      `json:"environ,omitempty"`
	Env           map[string]string      `json:"env,omitempty"`
	Results       []Result               `json:"results"`
	Stats         map[string]interface{} `json:"stats"`
}

type Group struct {
	Name          string                 `json:"name"`
	QualifiedName string                 `json:"qualified_name"`
	Status        domain.Status          `json:"status"`
	Dependencies  []string               `json:"dependencies,omitempty"`
	StdoutPaths   []string               `json:"stdout_paths"`
	StderrPaths   []string               `json:"stderr_paths"`
	Env           map[string]string      `json:"env,omitempty"`
	Stats         map[string]interface{} `json:"stats"`
}

// Snapshot is the whole experiment as last seen by the engine.
type Snapshot struct {
	Name          string                 `json:"name"`
	QualifiedName string                 `json:"qualified_name"`
	NameCode      string                 `json:"name_code"`
	Status        domain.Status          `json:"status"`
	Updated       string                 `json:"updated"`
	Final         bool                   `json:"final"`
	Stdout        string                 `json:"stdout"`
	StdoutPath    string                 `json:"stdout_path"`
	Stderr        string                 `json:"stderr"`
	StderrPath    string                 `json:"stderr_path"`
	Environ       map[string]string      `json:"environ,omitempty"`
	Env           map[string]string      `json:"env,omitempty"`
	Stats         map[string]interface{} `json:"stats"`
	EngineStats   json.RawMessage        `json:"engine_stats,omitempty"`
	Groups        []Group                `json:"groups"`
	Jobs          []Job                  `json:"jobs"`
}

// Options configure a Reporter.
type Options struct {
	// MaxStdoutSize bounds the job stdout kept in the snapshot, 0 means DefaultMaxStdoutSize.
	MaxStdoutSize int

	// Definition is the file the experiment was read from, if any.
	Definition string

	// Console receives the per-group summary, nil discards it.
	Console io.Writer
}

// Reporter implements engine.Reporter.
type Reporter struct {
	layout  layout.Layout
	stat    stats.StatsReceiver
	options Options
	now     func() time.Time

	skipped []string
}

// New creates a Reporter for an experiment laid out in l. stat may be nil.
func New(l layout.Layout, stat stats.StatsReceiver, options Options) *Reporter {
	if options.MaxStdoutSize <= 0 {
		options.MaxStdoutSize = DefaultMaxStdoutSize
	}
	if options.Console == nil {
		options.Console = ioutil.Discard
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Reporter{layout: l, stat: stat, options: options, now: time.Now}
}

// Snapshot writes the current snapshot of e to the layout's report file.
func (r *Reporter) Snapshot(e *domain.Experiment, final bool) error {
	snap, err := r.Build(e)
	if err != nil {
		return err
	}
	snap.Final = final
	if err := Write(r.layout.Report(), snap); err != nil {
		return err
	}
	if final {
		if len(r.skipped) > 0 {
			fmt.Fprintf(r.options.Console, "%s %s\n", skippedStyle.Render("skipped as a consequence:"), strings.Join(r.skipped, ", "))
		}
		log.Debugf("Final experiment stats:\n%s", spew.Sdump(snap.Stats))
	}
	return nil
}

// Build reads every log of e and assembles its snapshot.
func (r *Reporter) Build(e *domain.Experiment) (*Snapshot, error) {
	l := r.layout
	expLog, err := protocol.ReadFile(l.ExperimentStderr())
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Name:          e.Name(),
		QualifiedName: e.QualifiedName(),
		NameCode:      l.NameCode,
		Status:        e.Status(),
		Updated:       r.now().Format(TimeFormat),
		Stdout:        readOrEmpty(l.ExperimentStdout()),
		StdoutPath:    l.ExperimentStdout(),
		Stderr:        stripEvents(readOrEmpty(l.ExperimentStderr())),
		StderrPath:    l.ExperimentStderr(),
		Environ:       expLog.Environ(),
		Env:           e.Options().Env,
		Stats: map[string]interface{}{
			"experiment_root": l.Dir(),
			"definition":      r.options.Definition,
			"name_code":       l.NameCode,
		},
		EngineStats: json.RawMessage(r.stat.Render(false)),
	}
	for k, v := range optionStats("default_job_options.", e.Options().Inherit(domain.DefaultOptions)) {
		snap.Stats[k] = v
	}
	for k, v := range expLog.Stats() {
		snap.Stats[k] = v
	}

	for _, g := range e.Groups() {
		snap.Groups = append(snap.Groups, r.group(g))
	}
	for _, j := range e.Jobs() {
		job, err := r.job(j)
		if err != nil {
			return nil, err
		}
		snap.Jobs = append(snap.Jobs, job)
	}
	return snap, nil
}

func (r *Reporter) group(g *domain.Group) Group {
	opts := g.Options()
	unitDir := filepath.Dir(r.layout.UnitStdout(g.Name(), 0))
	out := Group{
		Name:          g.Name(),
		QualifiedName: g.QualifiedName(),
		Status:        g.Status(),
		StdoutPaths:   glob(filepath.Join(unitDir, "stdout_unit_*.txt")),
		StderrPaths:   glob(filepath.Join(unitDir, "stderr_unit_*.txt")),
		Env:           opts.Env,
		Stats:         optionStats("", opts),
	}
	for _, d := range g.Dependencies() {
		out.Dependencies = append(out.Dependencies, d.QualifiedName())
	}
	out.Stats["job_count"] = len(g.Jobs())
	return out
}

func (r *Reporter) job(j *domain.Job) (Job, error) {
	l := r.layout
	jobLog, err := protocol.ReadFile(l.JobStderr(j))
	if err != nil {
		return Job{}, err
	}
	out := Job{
		Name:          j.Name(),
		QualifiedName: j.QualifiedName(),
		Group:         j.Group().Name(),
		Status:        j.Status(),
		Stdout:        Truncate(readOrEmpty(l.JobStdout(j)), r.options.MaxStdoutSize),
		StdoutPath:    l.JobStdout(j),
		Stderr:        stripEvents(readOrEmpty(l.JobStderr(j))),
		StderrPath:    l.JobStderr(j),
		Script:        readOrEmpty(l.JobScript(j)),
		ScriptPath:    l.JobScript(j),
		Environ:       jobLog.Environ(),
		Env:           j.Options().Env,
		Results:       NormalizeResults(jobLog.Results()),
		Stats:         jobLog.Stats(),
	}
	for _, d := range j.Dependencies() {
		out.Dependencies = append(out.Dependencies, d.QualifiedName())
	}
	if j.Status() == domain.Running {
		if started, ok := asInt(out.Stats["time_started_unix"]); ok {
			out.Stats["time_wall_clock_seconds"] = r.now().Unix() - started
		}
	}
	return out, nil
}

func optionStats(prefix string, o domain.Options) map[string]interface{} {
	return map[string]interface{}{
		prefix + "queue":         o.Queue,
		prefix + "parallel_jobs": o.ParallelJobs,
		prefix + "batch_size":    o.BatchSize,
		prefix + "mem_lo_gb":     o.MemLoGB,
		prefix + "mem_hi_gb":     o.MemHiGB,
		prefix + "executable":    o.Executable,
	}
}

// Truncate keeps the head and the tail of s when it is longer than max.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	half := max / 2
	return s[:half] + fmt.Sprintf("\n\n[%d characters skipped]\n\n", len(s)-2*half) + s[len(s)-half:]
}

// NormalizeResults names every result, loads the value of text results from
// their path and expands glob paths. Of the results sharing a name the last
// one wins. The output is sorted by name.
func NormalizeResults(raw []map[string]interface{}) []Result {
	byName := map[string]Result{}
	add := func(r Result) {
		byName[fmt.Sprint(r["name"])] = r
	}

	for i, fields := range raw {
		r := Result{}
		for k, v := range fields {
			r[k] = v
		}
		if r["type"] == nil {
			r["type"] = "text"
		}
		path, _ := r["path"].(string)
		if path != "" && strings.ContainsAny(path, "*?[{") {
			for _, match := range glob(path) {
				m := Result{}
				for k, v := range r {
					m[k] = v
				}
				m["path"] = match
				m["name"] = filepath.Base(match)
				add(load(m))
			}
			continue
		}
		if r["name"] == nil {
			if path != "" {
				r["name"] = filepath.Base(path)
			} else {
				r["name"] = fmt.Sprintf("#%d", i)
			}
		}
		add(load(r))
	}

	out := make([]Result, 0, len(byName))
	for _, r := range byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]["name"]) < fmt.Sprint(out[j]["name"])
	})
	return out
}

func load(r Result) Result {
	path, _ := r["path"].(string)
	if r["type"] == "text" && r["value"] == nil && path != "" {
		r["value"] = readOrEmpty(path)
	}
	return r
}

func glob(pattern string) []string {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		log.WithFields(log.Fields{"pattern": pattern, "err": err}).Warn("Bad glob")
		return nil
	}
	sort.Strings(matches)
	return matches
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func readOrEmpty(path string) string {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

// stripEvents drops protocol lines, keeping what the job itself wrote to stderr.
func stripEvents(text string) string {
	if text == "" {
		return ""
	}
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if _, ok, _ := protocol.Decode(line); !ok {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Write stores snap at path, replacing any earlier snapshot atomically.
func Write(path string, snap *Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, b, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return os.Rename(tmp, path)
}

// Load reads a snapshot written by Write.
func Load(path string) (*Snapshot, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading snapshot, has the experiment been run?")
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	snap := &Snapshot{}
	if err := dec.Decode(snap); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return snap, nil
}

// Select returns the snapshot entry named by qualifiedName ("/", "/group" or
// "/group/job") with its bulky text fields elided.
func (s *Snapshot) Select(qualifiedName string) (map[string]interface{}, error) {
	var entry interface{}
	switch {
	case qualifiedName == "" || qualifiedName == "/":
		entry = s
	default:
		for i := range s.Groups {
			if s.Groups[i].QualifiedName == qualifiedName {
				entry = s.Groups[i]
			}
		}
		for i := range s.Jobs {
			if s.Jobs[i].QualifiedName == qualifiedName {
				entry = s.Jobs[i]
			}
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("%s not found", qualifiedName)
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	out := map[string]interface{}{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	for _, k := range []string{"stdout", "stderr", "script"} {
		if _, ok := out[k]; ok {
			out[k] = "<skipped>"
		}
	}
	if qualifiedName == "" || qualifiedName == "/" {
		out["groups"] = summarize(len(s.Groups), func(i int) string { return s.Groups[i].QualifiedName })
		out["jobs"] = summarize(len(s.Jobs), func(i int) string { return s.Jobs[i].QualifiedName })
	}
	return out, nil
}

func summarize(n int, name func(int) string) string {
	names := make([]string, n)
	for i := range names {
		names[i] = name(i)
	}
	return fmt.Sprintf("(%d elements) %v", n, names)
}
