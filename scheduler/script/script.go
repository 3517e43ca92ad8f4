// Package script renders the bash scripts of an experiment.
//
// A job script checks the job's required paths, sets up its environment and
// runs its command. A unit script is what the queue runs: for each of its jobs
// in turn it stamps running and node stats into the job's stderr log, runs the
// job script under /usr/bin/time when available, then stamps the exit code and
// the success or error status. Those stamps are protocol lines, which is how
// the scheduler learns what happened on the node.
package script

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/layout"
	"github.com/twitter/vosges/scheduler/protocol"
)

const dateFormat = "+%Y-%m-%d %H:%M:%S"

// GNU time format, '%' doubled where it is not a directive.
var timeFormat = "%" + protocol.Prefix + ` stats {"exit_code": %x, "time_user_seconds": %U, "time_system_seconds": %S, ` +
	`"time_wall_clock_seconds": %e, "rss_max_kbytes": %M, "rss_avg_kbytes": %t, "page_faults_major": %F, ` +
	`"page_faults_minor": %R, "io_inputs": %I, "io_outputs": %O, "context_switches_voluntary": %w, ` +
	`"context_switches_involuntary": %c, "cpu_percentage": "%P", "signals_received": %k}`

var environScript = `import json, os; print("` + protocol.Prefix + ` environ " + json.dumps(dict(os.environ)))`

var funcs = template.FuncMap{
	"q":  singleQuote,
	"dq": doubleQuote,
	"event": func(name string) (string, error) {
		s, err := domain.ParseStatus(name)
		if err != nil {
			return "", err
		}
		return protocol.MakeStatusEvent(s).Encode()
	},
	"prefix":        func() string { return protocol.Prefix },
	"dateFormat":    func() string { return dateFormat },
	"timeFormat":    func() string { return timeFormat },
	"environScript": func() string { return environScript },
}

var templates = template.Must(template.New("script").Funcs(funcs).Parse(`
{{- define "job_body" -}}
# {{.QualifiedName}}
{{- if .Required}}
for USED_FILE_PATH in{{range .Required}} {{dq .}}{{end}}; do
	if [ ! -e "$USED_FILE_PATH" ]; then echo "File \"$USED_FILE_PATH\" does not exist" >&2; exit 1; fi
done
{{- end}}
{{- range .Env}}
export {{.Key}}={{dq .Value}}
{{- end}}
{{- range .Source}}
source {{dq .}}
{{- end}}
{{- if .Path}}
export PATH={{dq .Path}}:"$PATH"
{{- end}}
{{- if .LDLibraryPath}}
export LD_LIBRARY_PATH={{dq .LDLibraryPath}}:"$LD_LIBRARY_PATH"
{{- end}}
{{- if .Cwd}}
cd {{dq .Cwd}}
{{- end}}
{{.Executable}}{{range .Command}} {{q .}}{{end}}
# end
{{- end}}

{{- define "job" -}}
#! /bin/bash
{{template "job_body" .}}
{{end}}

{{- define "unit" -}}
#! /bin/bash
# {{.Name}}
{{- range .Jobs}}

# {{.QualifiedName}}
JOB_STDERR={{q .Stderr}}
echo {{q (event "running")}} >> "$JOB_STDERR"
echo "{{prefix}} stats {\"time_started\": \"$(date '{{dateFormat}}')\", \"time_started_unix\": $(date +%s), \"hostname\": \"$(hostname)\", \"queue_job_id\": \"${JOB_ID:-${SLURM_JOB_ID:-}}\", \"CUDA_VISIBLE_DEVICES\": \"${CUDA_VISIBLE_DEVICES:-}\"}" >> "$JOB_STDERR"
python3 -c {{q environScript}} >> "$JOB_STDERR" 2> /dev/null
if [ -x /usr/bin/time ]; then
	/usr/bin/time -a -o "$JOB_STDERR" -f {{q timeFormat}} bash -e {{q .Script}} > {{q .Stdout}} 2>> "$JOB_STDERR"
else
	bash -e {{q .Script}} > {{q .Stdout}} 2>> "$JOB_STDERR"
fi
JOB_EXIT_CODE=$?
echo "{{prefix}} stats {\"exit_code\": $JOB_EXIT_CODE}" >> "$JOB_STDERR"
if [ "$JOB_EXIT_CODE" = "0" ]; then echo {{q (event "success")}} >> "$JOB_STDERR"; else echo {{q (event "error")}} >> "$JOB_STDERR"; fi
echo "{{prefix}} stats {\"time_finished\": \"$(date '{{dateFormat}}')\"}" >> "$JOB_STDERR"
{{- end}}
{{end}}

{{- define "local" -}}
#! /bin/bash
#  this is a stand-alone script generated from {{dq .Source}}
{{range .Jobs}}
(
{{template "job_body" .}}
)
{{end}}
{{- end}}
`))

type envVar struct {
	Key   string
	Value string
}

type jobData struct {
	QualifiedName string
	Required      []string
	Env           []envVar
	Source        []string
	Path          string
	LDLibraryPath string
	Cwd           string
	Executable    string
	Command       []string
}

func newJobData(j *domain.Job) jobData {
	opts := j.Options()
	d := jobData{
		QualifiedName: j.QualifiedName(),
		Required:      append([]string(nil), j.Inputs()...),
		Source:        opts.Source,
		Path:          strings.Join(opts.Path, ":"),
		LDLibraryPath: strings.Join(opts.LDLibraryPath, ":"),
		Cwd:           opts.Cwd,
		Executable:    opts.Executable,
		Command:       j.Command(),
	}
	if opts.Cwd != "" {
		d.Required = append(d.Required, opts.Cwd)
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.Env = append(d.Env, envVar{Key: k, Value: opts.Env[k]})
	}
	return d
}

// Job renders the script of one job.
func Job(j *domain.Job) (string, error) {
	return render("job", newJobData(j))
}

// UnitJob is one job of a unit script, located by its files.
type UnitJob struct {
	QualifiedName string
	Script        string
	Stdout        string
	Stderr        string
}

// NewUnitJob locates j's files in l.
func NewUnitJob(l layout.Layout, j *domain.Job) UnitJob {
	return UnitJob{
		QualifiedName: j.QualifiedName(),
		Script:        l.JobScript(j),
		Stdout:        l.JobStdout(j),
		Stderr:        l.JobStderr(j),
	}
}

// Unit renders the script the queue runs for a batch of jobs.
func Unit(name string, jobs []UnitJob) (string, error) {
	return render("unit", struct {
		Name string
		Jobs []UnitJob
	}{name, jobs})
}

// Local renders a standalone script running every job of e in declaration
// order, each in its own subshell. source names the definition file.
func Local(e *domain.Experiment, source string) (string, error) {
	var jobs []jobData
	for _, j := range e.Jobs() {
		jobs = append(jobs, newJobData(j))
	}
	return render("local", struct {
		Source string
		Jobs   []jobData
	}{source, jobs})
}

// WriteJobScripts writes the script of every job of e. l must exist.
func WriteJobScripts(e *domain.Experiment, l layout.Layout) error {
	for _, j := range e.Jobs() {
		s, err := Job(j)
		if err != nil {
			return err
		}
		if err := write(l.JobScript(j), s); err != nil {
			return err
		}
	}
	return nil
}

// WriteUnitScript writes the unit script covering jobs to path.
func WriteUnitScript(path string, name string, l layout.Layout, jobs []*domain.Job) error {
	unitJobs := make([]UnitJob, len(jobs))
	for i, j := range jobs {
		unitJobs[i] = NewUnitJob(l, j)
	}
	s, err := Unit(name, unitJobs)
	if err != nil {
		return err
	}
	return write(path, s)
}

// WriteLocal writes the standalone script of e to path.
func WriteLocal(path string, e *domain.Experiment, source string) error {
	s, err := Local(e, source)
	if err != nil {
		return err
	}
	return write(path, s)
}

func write(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory of %s", path)
	}
	return errors.Wrapf(ioutil.WriteFile(path, []byte(content), 0755), "writing %s", path)
}

func render(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", errors.Wrapf(err, "rendering %s script", name)
	}
	return buf.String(), nil
}

// singleQuote quotes s for bash, no expansion happens inside.
func singleQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// doubleQuote quotes s for bash keeping $VAR expansion.
func doubleQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`")
	return `"` + r.Replace(s) + `"`
}
