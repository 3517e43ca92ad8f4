// Package notify tells the outside world how an experiment ended, by running
// a shell command and by posting the outcome to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/layout"
)

const DefaultWebhookTries = 3

// Outcome is what gets reported. Commands see it as template data, e.g.
// `mail -s "{{.NameCode}} {{.Status}}" me < {{.ReportPath}}`.
type Outcome struct {
	Experiment string        `json:"experiment"`
	NameCode   string        `json:"name_code"`
	Status     domain.Status `json:"status"`
	ReportPath string        `json:"report_path"`
	FailedJob  string        `json:"failed_job,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// NewOutcome summarizes e after a run that returned runErr.
func NewOutcome(e *domain.Experiment, l layout.Layout, runErr error) Outcome {
	o := Outcome{
		Experiment: e.Name(),
		NameCode:   l.NameCode,
		Status:     e.Status(),
		ReportPath: l.Report(),
	}
	for _, j := range e.Jobs() {
		if j.Status() == domain.Error || j.Status() == domain.Killed {
			o.FailedJob = j.QualifiedName()
			break
		}
	}
	if runErr != nil {
		o.Error = runErr.Error()
		if o.Status == domain.Success {
			o.Status = domain.Error
		}
	}
	return o
}

type Config struct {
	CommandOnError   string
	CommandOnSuccess string
	WebhookURL       string
	WebhookTries     int
}

// Client sends webhook requests, *pester.Client in production.
type Client interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

func MakePesterClient(tries int) *pester.Client {
	if tries <= 0 {
		tries = DefaultWebhookTries
	}
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = tries
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying webhook after failed attempt: %+v", e)
	}
	return client
}

type Notifier struct {
	config Config
	execer exec.OsExec
	client Client
	output io.Writer
}

// New creates a Notifier. Command output goes to output, nil discards it.
// client may be nil when no webhook is configured.
func New(config Config, execer exec.OsExec, client Client, output io.Writer) *Notifier {
	if output == nil {
		output = ioutil.Discard
	}
	if client == nil && config.WebhookURL != "" {
		client = MakePesterClient(config.WebhookTries)
	}
	return &Notifier{config: config, execer: execer, client: client, output: output}
}

// Notify runs the command matching o's status and posts o to the webhook.
// Both are attempted, their errors are combined.
func (n *Notifier) Notify(ctx context.Context, o Outcome) error {
	var failures []string

	command := n.config.CommandOnError
	if o.Status == domain.Success {
		command = n.config.CommandOnSuccess
	}
	if command != "" {
		if err := n.runCommand(command, o); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if n.config.WebhookURL != "" {
		if err := n.post(ctx, o); err != nil {
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("notification failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (n *Notifier) runCommand(command string, o Outcome) error {
	tmpl, err := template.New("command").Option("missingkey=error").Parse(command)
	if err != nil {
		return errors.Wrap(err, "parsing notification command")
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, o); err != nil {
		return errors.Wrap(err, "rendering notification command")
	}

	log.WithFields(
		log.Fields{
			"command": rendered.String(),
			"status":  o.Status,
		}).Info("Running notification command")
	cmd := n.execer.Command("bash", "-c", rendered.String())
	cmd.SetStdout(n.output)
	cmd.SetStderr(n.output)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "notification command %q", rendered.String())
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, o Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", n.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building webhook request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "posting to %s", n.config.WebhookURL)
	}
	defer resp.Body.Close()
	io.Copy(ioutil.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s answered %s", n.config.WebhookURL, resp.Status)
	}
	log.Infof("Posted outcome to %s", n.config.WebhookURL)
	return nil
}
