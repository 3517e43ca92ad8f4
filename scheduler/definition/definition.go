// Package definition reads declarative experiment descriptions, HCL or YAML,
// and builds sealed domain.Experiments from them.
package definition

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/scheduler/domain"
)

// Definition is the format independent description of an experiment.
type Definition struct {
	Name    string         `yaml:"name"`
	Options domain.Options `yaml:"options"`
	Groups  []GroupDef     `yaml:"groups"`
}

type GroupDef struct {
	Name      string         `yaml:"name"`
	Options   domain.Options `yaml:"options"`
	DependsOn []string       `yaml:"depends_on"`
	Jobs      []JobDef       `yaml:"jobs"`
}

type JobDef struct {
	Name      string         `yaml:"name"`
	Command   []string       `yaml:"command"`
	Inputs    []string       `yaml:"inputs"`
	DependsOn []string       `yaml:"depends_on"`
	Options   domain.Options `yaml:"options"`
}

// Load reads the file at path, choosing the format by extension, and builds
// the experiment. defaults sit below the file's own experiment options.
func Load(path string, defaults domain.Options) (*domain.Experiment, error) {
	src, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading definition")
	}

	var def *Definition
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".hcl":
		def, err = ParseHCL(src, path, os.Environ())
	case ".yaml", ".yml":
		def, err = ParseYAML(src)
	default:
		return nil, domain.NewDefinitionError("%s: unknown definition format %q, use .hcl, .yaml or .yml", path, ext)
	}
	if err != nil {
		return nil, err
	}

	e, err := def.Build(defaults)
	if err != nil {
		return nil, err
	}
	log.WithFields(
		log.Fields{
			"definition": path,
			"experiment": e.Name(),
			"groups":     len(e.Groups()),
			"jobs":       len(e.Jobs()),
		}).Debug("Loaded definition")
	return e, nil
}

// Build creates and seals the experiment described by d.
func (d *Definition) Build(defaults domain.Options) (*domain.Experiment, error) {
	e, err := domain.NewExperiment(d.Name, d.Options.Inherit(defaults))
	if err != nil {
		return nil, err
	}
	for _, gd := range d.Groups {
		g, err := e.Group(gd.Name, gd.Options, byName(gd.DependsOn)...)
		if err != nil {
			return nil, err
		}
		for _, jd := range gd.Jobs {
			if _, err := g.Job(domain.JobSpec{
				Name:         jd.Name,
				Command:      jd.Command,
				Inputs:       jd.Inputs,
				Options:      jd.Options,
				Dependencies: byName(jd.DependsOn),
			}); err != nil {
				return nil, err
			}
		}
	}
	if err := e.Seal(); err != nil {
		return nil, err
	}
	return e, nil
}

func byName(names []string) []domain.Dependency {
	var deps []domain.Dependency
	for _, n := range names {
		deps = append(deps, domain.ByName(n))
	}
	return deps
}
