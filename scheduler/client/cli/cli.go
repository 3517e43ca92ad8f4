package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	commoncli "github.com/twitter/vosges/common/client"
	"github.com/twitter/vosges/common/errors"
	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/common/stats"
	"github.com/twitter/vosges/scheduler/config"
	"github.com/twitter/vosges/scheduler/definition"
	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/layout"
	"github.com/twitter/vosges/scheduler/queue"
)

// VosgesCLIClient includes fields required for CLI client handling
type VosgesCLIClient struct {
	commoncli.SimpleClient
}

func (c *VosgesCLIClient) Exec() error {
	return c.RootCmd.Execute()
}

// NewVosgesCLIClient creates the vosges command tree. Shell commands go
// through execer, user facing output goes to out.
func NewVosgesCLIClient(execer exec.OsExec, out io.Writer) commoncli.CLIClient {
	c := &VosgesCLIClient{}
	c.Execer = execer
	c.Out = out

	c.RootCmd = &cobra.Command{
		Use:               "vosges",
		Short:             "vosges runs experiments of dependent shell jobs on a batch queue",
		PersistentPreRunE: c.Init,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	c.RootCmd.SetOutput(out)
	c.RootCmd.PersistentFlags().StringVar(&c.LogLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
	c.RootCmd.PersistentFlags().StringVar(&c.Config, "config", "default",
		fmt.Sprintf("Named configuration, one of %v", configNames()))
	c.RootCmd.PersistentFlags().StringArrayVar(&c.Overrides, "config_override", nil,
		"JSON literal or JSON file applied on top of the configuration, may be repeated")

	c.addCmd(&runCmd{})
	c.addCmd(&stopCmd{})
	c.addCmd(&statusCmd{})
	c.addCmd(&logCmd{})
	c.addCmd(&cleanCmd{})

	return c
}

// Can only be called from cobra command run or hook
func (c *VosgesCLIClient) Init(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Error(err)
		return err
	}
	log.SetLevel(level)

	c.Configs, err = config.GetConfig(c.Config, c.Overrides...)
	if err != nil {
		return errors.NewError(err, errors.DefinitionFailureExitCode)
	}
	log.Debugf("Using configuration %s: %s", c.Config, c.Configs)

	if c.Stat == nil {
		c.Stat = stats.DefaultStatsReceiver()
	}
	return nil
}

func (c *VosgesCLIClient) addCmd(cmd commoncli.Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.Run(&c.SimpleClient, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}

func configNames() []string {
	var names []string
	for name := range config.Configs {
		if name != "default" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append(names, "default")
}

// experiment is a loaded definition and where its files live.
type experiment struct {
	path   string
	exp    *domain.Experiment
	layout layout.Layout
}

// openExperiment loads the definition at path with the configured job defaults.
func openExperiment(cl *commoncli.SimpleClient, path string) (*experiment, error) {
	e, err := definition.Load(path, cl.Configs.Experiment.Defaults())
	if err != nil {
		return nil, errors.NewError(err, errors.DefinitionFailureExitCode)
	}
	nameCode, err := layout.NameCode(e.Name(), path)
	if err != nil {
		return nil, errors.NewError(err, errors.DefinitionFailureExitCode)
	}
	root, err := filepath.Abs(cl.Configs.Experiment.Root)
	if err != nil {
		return nil, errors.NewError(err, errors.DefinitionFailureExitCode)
	}
	return &experiment{path: path, exp: e, layout: layout.New(root, nameCode)}, nil
}

func queueClient(cl *commoncli.SimpleClient) (*queue.Client, error) {
	client, err := cl.Configs.Queue.CreateClient(cl.Execer, cl.Stat)
	if err != nil {
		return nil, errors.NewError(err, errors.DefinitionFailureExitCode)
	}
	return client, nil
}

// stopUnits deletes every unit of x still in the queue and waits for them to leave.
func stopUnits(ctx context.Context, cl *commoncli.SimpleClient, client *queue.Client, x *experiment) error {
	interval, err := cl.Configs.Scheduler.Create()
	if err != nil {
		return errors.NewError(err, errors.DefinitionFailureExitCode)
	}
	return client.DeleteAll(ctx, x.layout.UnitPrefix(), interval.PollInterval)
}

// stopCommand is what a user types to stop the units of x.
func stopCommand(x *experiment) string {
	return fmt.Sprintf("%s stop %s", filepath.Base(os.Args[0]), x.path)
}
