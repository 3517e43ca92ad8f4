// Package layout names every file an experiment owns on disk:
//
//	<root>/<name_code>/job/<group>/job_000000.sh
//	<root>/<name_code>/job/<group>/{stdout,stderr}_job_000000.txt
//	<root>/<name_code>/unit/<group>/unit_000000.sh
//	<root>/<name_code>/unit/<group>/{stdout,stderr}_unit_000000.txt
//	<root>/<name_code>/log/{stdout,stderr}_experiment.txt
//	<root>/<name_code>/report.json
//
// Names derive from group names and positions only, so a later process
// rebuilding the same experiment finds the same files.
package layout

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/twitter/vosges/scheduler/domain"
)

const (
	jobDir  = "job"
	unitDir = "unit"
	logDir  = "log"

	ReportFile = "report.json"
)

// NameCode identifies an experiment in the queue and on disk: the experiment
// name followed by 3 upper case hex digits of the md5 of the absolute path of
// its definition file.
func NameCode(name string, definitionPath string) (string, error) {
	abs, err := filepath.Abs(definitionPath)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %s", definitionPath)
	}
	sum := md5.Sum([]byte(abs))
	return name + "_" + strings.ToUpper(fmt.Sprintf("%x", sum)[:3]), nil
}

type Layout struct {
	Root     string
	NameCode string
}

func New(root string, nameCode string) Layout {
	return Layout{Root: root, NameCode: nameCode}
}

func (l Layout) Dir() string {
	return filepath.Join(l.Root, l.NameCode)
}

// UnitPrefix is shared by the names of every unit of the experiment.
func (l Layout) UnitPrefix() string {
	return l.NameCode + "_"
}

func (l Layout) UnitName(group string, idx int) string {
	return fmt.Sprintf("%s%s_%06d", l.UnitPrefix(), group, idx)
}

func (l Layout) JobScript(j *domain.Job) string {
	return filepath.Join(l.Dir(), jobDir, j.Group().Name(), fmt.Sprintf("job_%06d.sh", j.Index()))
}

func (l Layout) JobStdout(j *domain.Job) string {
	return filepath.Join(l.Dir(), jobDir, j.Group().Name(), fmt.Sprintf("stdout_job_%06d.txt", j.Index()))
}

// JobStderr also carries the job's protocol events.
func (l Layout) JobStderr(j *domain.Job) string {
	return filepath.Join(l.Dir(), jobDir, j.Group().Name(), fmt.Sprintf("stderr_job_%06d.txt", j.Index()))
}

func (l Layout) UnitScript(group string, idx int) string {
	return filepath.Join(l.Dir(), unitDir, group, fmt.Sprintf("unit_%06d.sh", idx))
}

func (l Layout) UnitStdout(group string, idx int) string {
	return filepath.Join(l.Dir(), unitDir, group, fmt.Sprintf("stdout_unit_%06d.txt", idx))
}

func (l Layout) UnitStderr(group string, idx int) string {
	return filepath.Join(l.Dir(), unitDir, group, fmt.Sprintf("stderr_unit_%06d.txt", idx))
}

func (l Layout) ExperimentStdout() string {
	return filepath.Join(l.Dir(), logDir, "stdout_experiment.txt")
}

func (l Layout) ExperimentStderr() string {
	return filepath.Join(l.Dir(), logDir, "stderr_experiment.txt")
}

func (l Layout) Report() string {
	return filepath.Join(l.Dir(), ReportFile)
}

// LocalScript is where run --locally writes its standalone script.
func (l Layout) LocalScript() string {
	return filepath.Join(l.Root, l.NameCode+".generated.sh")
}

// Create makes every directory the experiment needs.
func (l Layout) Create(e *domain.Experiment) error {
	dirs := []string{filepath.Join(l.Dir(), logDir)}
	for _, g := range e.Groups() {
		dirs = append(dirs,
			filepath.Join(l.Dir(), jobDir, g.Name()),
			filepath.Join(l.Dir(), unitDir, g.Name()))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", d)
		}
	}
	return nil
}

// Clean removes the experiment directory and everything in it.
func (l Layout) Clean() error {
	if l.NameCode == "" {
		return fmt.Errorf("refusing to clean %s without a name code", l.Root)
	}
	return errors.Wrapf(os.RemoveAll(l.Dir()), "removing %s", l.Dir())
}
