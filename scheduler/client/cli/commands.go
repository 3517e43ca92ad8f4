package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/vosges/common/client"
	"github.com/twitter/vosges/common/errors"
	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/layout"
	"github.com/twitter/vosges/scheduler/report"
)

type stopCmd struct{}

func (c *stopCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [definition]",
		Short: "Deletes every queued or running unit of an experiment",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *stopCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	x, err := openExperiment(cl, args[0])
	if err != nil {
		return err
	}
	qc, err := queueClient(cl)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("Stopping units of %s", x.layout.NameCode)
	if err := stopUnits(ctx, cl, qc, x); err != nil {
		return err
	}
	fmt.Fprintf(cl.Out, "%s: no units left in the queue\n", x.layout.NameCode)
	return nil
}

type statusCmd struct {
	xpath string
}

func (c *statusCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "status [definition]",
		Short: "Prints the last report of an experiment",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().StringVar(&c.xpath, "xpath", "", "Print the report entry of this group or job (/group or /group/job) as JSON, / for the experiment")
	return r
}

func (c *statusCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	x, err := openExperiment(cl, args[0])
	if err != nil {
		return err
	}
	snap, err := report.Load(x.layout.Report())
	if err != nil {
		return err
	}

	if c.xpath == "" {
		fmt.Fprint(cl.Out, report.Table(snap))
		return nil
	}
	entry, err := snap.Select(c.xpath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cl.Out)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entry); err != nil {
		return fmt.Errorf("Error converting status to JSON: %v", err.Error())
	}
	return nil
}

type logCmd struct {
	xpath  string
	stdout bool
	stderr bool
}

func (c *logCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "log [definition]",
		Short: "Prints the captured output of a job, of the units of a group, or of the experiment",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().StringVar(&c.xpath, "xpath", "/", "Job (/group/job), group (/group) or experiment (/)")
	r.Flags().BoolVar(&c.stdout, "stdout", false, "Print stdout only")
	r.Flags().BoolVar(&c.stderr, "stderr", false, "Print stderr only")
	return r
}

func (c *logCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	x, err := openExperiment(cl, args[0])
	if err != nil {
		return err
	}
	stdout, stderr, err := logPaths(x.layout, x.exp, c.xpath)
	if err != nil {
		return err
	}

	var paths []string
	if !c.stderr || c.stdout {
		paths = append(paths, stdout...)
	}
	if !c.stdout || c.stderr {
		paths = append(paths, stderr...)
	}
	for _, p := range paths {
		if len(paths) > 1 {
			fmt.Fprintf(cl.Out, "==> %s <==\n", p)
		}
		if err := cat(cl.Out, p); err != nil {
			return err
		}
	}
	return nil
}

// logPaths lists the stdout and stderr files of the node named xpath. A group
// has the logs of each of its units.
func logPaths(l layout.Layout, e *domain.Experiment, xpath string) ([]string, []string, error) {
	if xpath == "" || xpath == "/" {
		return []string{l.ExperimentStdout()}, []string{l.ExperimentStderr()}, nil
	}
	if j := e.FindJob(xpath); j != nil {
		return []string{l.JobStdout(j)}, []string{l.JobStderr(j)}, nil
	}
	g := e.FindGroup(xpath)
	if g == nil {
		return nil, nil, errors.NewErrorf(errors.DefinitionFailureExitCode, "%s not found in %s", xpath, e.Name())
	}
	dir := filepath.Dir(l.UnitStdout(g.Name(), 0))
	stdout, err := doublestar.FilepathGlob(filepath.Join(dir, "stdout_unit_*.txt"))
	if err != nil {
		return nil, nil, err
	}
	stderr, err := doublestar.FilepathGlob(filepath.Join(dir, "stderr_unit_*.txt"))
	if err != nil {
		return nil, nil, err
	}
	return stdout, stderr, nil
}

func cat(w io.Writer, path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

type cleanCmd struct{}

func (c *cleanCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [definition]",
		Short: "Removes the files of an experiment",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *cleanCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	x, err := openExperiment(cl, args[0])
	if err != nil {
		return err
	}
	if err := x.layout.Clean(); err != nil {
		return err
	}
	if err := os.Remove(x.layout.LocalScript()); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Fprintf(cl.Out, "Removed %s\n", x.layout.Dir())
	return nil
}
