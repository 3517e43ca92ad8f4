package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/vosges/common/client"
	"github.com/twitter/vosges/common/errors"
	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/engine"
	"github.com/twitter/vosges/scheduler/notify"
	"github.com/twitter/vosges/scheduler/queue"
	"github.com/twitter/vosges/scheduler/report"
	"github.com/twitter/vosges/scheduler/script"
)

type runCmd struct {
	dry     bool
	locally bool
	resume  bool
	notify  bool
}

func (c *runCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "run [definition]",
		Short: "Submits the jobs of an experiment and waits until they are all done",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().BoolVar(&c.dry, "dry", false, "Generate scripts and the report, submit nothing")
	r.Flags().BoolVar(&c.locally, "locally", false, "Write a standalone script running every job in sequence, submit nothing")
	r.Flags().BoolVar(&c.resume, "resume", false, "Reattach to the previous run instead of starting over")
	r.Flags().BoolVar(&c.notify, "notify", false, "Run the configured notification command and webhook when done")
	return r
}

func (c *runCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	x, err := openExperiment(cl, args[0])
	if err != nil {
		return err
	}
	l := x.layout

	if c.locally {
		if err := script.WriteLocal(l.LocalScript(), x.exp, x.path); err != nil {
			return errors.NewError(err, errors.PreProcessingFailureExitCode)
		}
		fmt.Fprintf(cl.Out, "Wrote %s\n", l.LocalScript())
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	qc, err := queueClient(cl)
	if err != nil {
		return err
	}
	schedConfig, err := cl.Configs.Scheduler.Create()
	if err != nil {
		return errors.NewError(err, errors.DefinitionFailureExitCode)
	}

	if !c.resume && !c.dry {
		if err := c.stopPrevious(ctx, cl, qc, x); err != nil {
			return err
		}
	}
	if !c.resume {
		if err := l.Clean(); err != nil {
			return errors.NewError(err, errors.PreProcessingFailureExitCode)
		}
	}
	if err := l.Create(x.exp); err != nil {
		return errors.NewError(err, errors.PreProcessingFailureExitCode)
	}
	if err := script.WriteJobScripts(x.exp, l); err != nil {
		return errors.NewError(err, errors.PreProcessingFailureExitCode)
	}

	reporter := report.New(l, cl.Stat, report.Options{
		MaxStdoutSize: cl.Configs.Experiment.MaxStdoutSize,
		Definition:    x.path,
		Console:       cl.Out,
	})
	if err := reporter.Snapshot(x.exp, false); err != nil {
		return errors.NewError(err, errors.PreProcessingFailureExitCode)
	}
	if c.dry {
		fmt.Fprintf(cl.Out, "Dry run, scripts and report are in %s\n", l.Dir())
		return nil
	}

	sched, err := engine.New(x.exp, l, qc, schedConfig, reporter, cl.Stat)
	if err != nil {
		return errors.NewError(err, errors.PreProcessingFailureExitCode)
	}
	fmt.Fprintf(cl.Out, "%s: %d jobs in %d groups, report at %s\n",
		l.NameCode, len(x.exp.Jobs()), len(x.exp.Groups()), l.Report())

	var status domain.Status
	if c.resume {
		status, err = sched.Resume(ctx)
	} else {
		status, err = sched.Run(ctx)
	}

	if err == engine.ErrInterrupted {
		fmt.Fprintf(cl.Out, "Interrupted, submitted units keep running. To stop them:\n  %s\n", stopCommand(x))
		return errors.NewError(err, errors.InterruptedExitCode)
	}

	var notifyErr error
	if c.notify {
		n := notify.New(notify.Config{
			CommandOnError:   cl.Configs.Notification.CommandOnError,
			CommandOnSuccess: cl.Configs.Notification.CommandOnSuccess,
			WebhookURL:       cl.Configs.Notification.WebhookURL,
			WebhookTries:     cl.Configs.Notification.WebhookTries,
		}, cl.Execer, nil, cl.Out)
		// a fresh context, the run's may be canceled already
		notifyErr = n.Notify(context.Background(), notify.NewOutcome(x.exp, l, err))
	}

	switch {
	case queue.IsSubmissionError(err):
		return errors.NewError(err, errors.SubmissionFailureExitCode)
	case err != nil:
		return errors.NewError(err, errors.CouldNotExecExitCode)
	case status != domain.Success:
		return errors.NewErrorf(errors.JobFailureExitCode, "experiment %s is %s", l.NameCode, status)
	case notifyErr != nil:
		return errors.NewError(notifyErr, errors.PostProcessingFailureExitCode)
	}
	fmt.Fprintf(cl.Out, "%s: %s\n", l.NameCode, status)
	return nil
}

// stopPrevious stops units a former run of x left in the queue. The user gets
// StopDelay to interrupt before they go.
func (c *runCmd) stopPrevious(ctx context.Context, cl *client.SimpleClient, qc *queue.Client, x *experiment) error {
	ids, err := qc.List(ctx, x.layout.UnitPrefix(), queue.Any)
	if err != nil {
		return errors.NewError(err, errors.PreProcessingFailureExitCode)
	}
	if len(ids) == 0 {
		return nil
	}

	delay := cl.Configs.Experiment.StopDelay()
	fmt.Fprintf(cl.Out, "%d units of a previous run are still queued (%s), stopping them in %s. Press Ctrl-C to abort.\n",
		len(ids), strings.Join(ids, " "), delay)
	log.WithFields(
		log.Fields{
			"experiment": x.layout.NameCode,
			"units":      len(ids),
		}).Info("Stopping units of previous run")

	select {
	case <-ctx.Done():
		return errors.NewError(engine.ErrInterrupted, errors.InterruptedExitCode)
	case <-time.After(delay):
	}
	if err := stopUnits(ctx, cl, qc, x); err != nil {
		return errors.NewError(err, errors.PreProcessingFailureExitCode)
	}
	return nil
}
