package definition

import (
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/twitter/vosges/scheduler/domain"
)

// An HCL definition looks like:
//
//	experiment "resnet" {
//	  parallel_jobs = 8
//	  env = { DATA = "${env.HOME}/data" }
//	}
//
//	group "train" {
//	  executable = "python -u"
//	  job "lr1" {
//	    command = ["train.py", "--lr", "0.1", "--out", "${experiment.dir}/lr1"]
//	  }
//	}
//
//	group "eval" {
//	  depends_on = ["/train"]
//	  job "all" { command = ["eval.py"] }
//	}
//
// Expressions see the process environment as env.NAME and the experiment as
// experiment.name and experiment.dir, the directory of the definition file.

type hclFile struct {
	Experiment *hclExperiment `hcl:"experiment,block"`
	Groups     []*hclGroup    `hcl:"group,block"`
}

type hclExperiment struct {
	Name    string   `hcl:"name,label"`
	Options hcl.Body `hcl:",remain"`
}

type hclGroup struct {
	Name      string    `hcl:"name,label"`
	DependsOn []string  `hcl:"depends_on,optional"`
	Jobs      []*hclJob `hcl:"job,block"`
	Options   hcl.Body  `hcl:",remain"`
}

type hclJob struct {
	Name      string   `hcl:"name,label"`
	Command   []string `hcl:"command"`
	Inputs    []string `hcl:"inputs,optional"`
	DependsOn []string `hcl:"depends_on,optional"`
	Options   hcl.Body `hcl:",remain"`
}

// hclOptions mirrors domain.Options.
type hclOptions struct {
	Queue         string            `hcl:"queue,optional"`
	ParallelJobs  int               `hcl:"parallel_jobs,optional"`
	BatchSize     int               `hcl:"batch_size,optional"`
	MemLoGB       float64           `hcl:"mem_lo_gb,optional"`
	MemHiGB       float64           `hcl:"mem_hi_gb,optional"`
	Executable    string            `hcl:"executable,optional"`
	Cwd           string            `hcl:"cwd,optional"`
	Env           map[string]string `hcl:"env,optional"`
	Source        []string          `hcl:"source,optional"`
	Path          []string          `hcl:"path,optional"`
	LDLibraryPath []string          `hcl:"ld_library_path,optional"`
}

func (o hclOptions) toDomain() domain.Options {
	return domain.Options{
		Queue:         o.Queue,
		ParallelJobs:  o.ParallelJobs,
		BatchSize:     o.BatchSize,
		MemLoGB:       o.MemLoGB,
		MemHiGB:       o.MemHiGB,
		Executable:    o.Executable,
		Cwd:           o.Cwd,
		Env:           o.Env,
		Source:        o.Source,
		Path:          o.Path,
		LDLibraryPath: o.LDLibraryPath,
	}
}

var experimentHeader = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{{Type: "experiment", LabelNames: []string{"name"}}},
}

// ParseHCL decodes an HCL definition. filename is used in diagnostics and for
// experiment.dir, environ (KEY=VALUE pairs) is exposed as env.
func ParseHCL(src []byte, filename string, environ []string) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, domain.NewDefinitionError("failed to parse HCL file %s: %s", filename, diags.Error())
	}

	// the experiment name is needed to evaluate everything else
	header, _, diags := file.Body.PartialContent(experimentHeader)
	if diags.HasErrors() {
		return nil, domain.NewDefinitionError("failed to decode HCL file %s: %s", filename, diags.Error())
	}
	if len(header.Blocks) != 1 {
		return nil, domain.NewDefinitionError("%s: expected exactly one experiment block, found %d", filename, len(header.Blocks))
	}
	ctx := evalContext(header.Blocks[0].Labels[0], filename, environ)

	var f hclFile
	if diags := gohcl.DecodeBody(file.Body, ctx, &f); diags.HasErrors() {
		return nil, domain.NewDefinitionError("failed to decode HCL file %s: %s", filename, diags.Error())
	}

	def := &Definition{Name: f.Experiment.Name}
	var err error
	if def.Options, err = decodeOptions(f.Experiment.Options, ctx, filename); err != nil {
		return nil, err
	}
	for _, g := range f.Groups {
		gd := GroupDef{Name: g.Name, DependsOn: g.DependsOn}
		if gd.Options, err = decodeOptions(g.Options, ctx, filename); err != nil {
			return nil, err
		}
		for _, j := range g.Jobs {
			jd := JobDef{Name: j.Name, Command: j.Command, Inputs: j.Inputs, DependsOn: j.DependsOn}
			if jd.Options, err = decodeOptions(j.Options, ctx, filename); err != nil {
				return nil, err
			}
			gd.Jobs = append(gd.Jobs, jd)
		}
		def.Groups = append(def.Groups, gd)
	}
	return def, nil
}

func decodeOptions(body hcl.Body, ctx *hcl.EvalContext, filename string) (domain.Options, error) {
	var o hclOptions
	if diags := gohcl.DecodeBody(body, ctx, &o); diags.HasErrors() {
		return domain.Options{}, domain.NewDefinitionError("failed to decode HCL file %s: %s", filename, diags.Error())
	}
	return o.toDomain(), nil
}

func evalContext(name string, filename string, environ []string) *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range environ {
		if i := strings.Index(kv, "="); i > 0 {
			env[kv[:i]] = cty.StringVal(kv[i+1:])
		}
	}
	dir := filepath.Dir(filename)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
			"experiment": cty.ObjectVal(map[string]cty.Value{
				"name": cty.StringVal(name),
				"dir":  cty.StringVal(dir),
			}),
		},
	}
}
