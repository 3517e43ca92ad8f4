package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/common/stats"
	"github.com/twitter/vosges/scheduler/domain"
	"github.com/twitter/vosges/scheduler/engine"
	"github.com/twitter/vosges/scheduler/queue"
	"github.com/twitter/vosges/scheduler/queue/local"
	"github.com/twitter/vosges/scheduler/queue/memory"
	"github.com/twitter/vosges/scheduler/queue/sge"
	"github.com/twitter/vosges/scheduler/queue/slurm"
)

// How long a fresh run waits before stopping the units of an earlier run.
const DefaultStopDelay = 10 * time.Second

// JSONConfigs holds every section of a vosges configuration.
type JSONConfigs struct {
	Queue        QueueJSONConfig        `json:"Queue"`
	Scheduler    SchedulerJSONConfig    `json:"Scheduler"`
	Experiment   ExperimentJSONConfig   `json:"Experiment"`
	Notification NotificationJSONConfig `json:"Notification"`
}

func (c JSONConfigs) String() string {
	return fmt.Sprintf("\n%s\n%s\n%s\n%s", c.Queue, c.Scheduler, c.Experiment, c.Notification)
}

type RetryJSONConfig struct {
	IntervalSec    float64 `json:"IntervalSec"`    // default to 2
	MaxIntervalSec float64 `json:"MaxIntervalSec"` // default to 60, only with Exponential
	MaxAttempts    int     `json:"MaxAttempts"`    // default to 0, unlimited
	Exponential    bool    `json:"Exponential"`
}

func (r RetryJSONConfig) Policy() queue.RetryPolicy {
	return queue.RetryPolicy{
		Interval:    seconds(r.IntervalSec),
		Exponential: r.Exponential,
		MaxInterval: seconds(r.MaxIntervalSec),
		MaxAttempts: r.MaxAttempts,
	}
}

type QueueJSONConfig struct {
	Type string `json:"Type"` // queue type: sge, slurm, local, memory

	// Binary overrides, e.g. a wrapper that ssh-es to the submit host.
	Qsub    string `json:"Qsub"`
	Qstat   string `json:"Qstat"`
	Qdel    string `json:"Qdel"`
	Sbatch  string `json:"Sbatch"`
	Squeue  string `json:"Squeue"`
	Scancel string `json:"Scancel"`

	User            string   `json:"User"` // slurm only
	ExtraSubmitArgs []string `json:"ExtraSubmitArgs"`

	MaxProcs     int     `json:"MaxProcs"`     // local only, default to 0, unbounded
	KillGraceSec float64 `json:"KillGraceSec"` // local only, default to 5

	QPS   float64         `json:"QPS"` // default to 0, no rate limit
	Burst int             `json:"Burst"`
	Retry RetryJSONConfig `json:"Retry"`
}

func (q QueueJSONConfig) String() string {
	return fmt.Sprintf("QueueJSONConfig: Type: %s, QPS: %.2f, Burst: %d, Retry: %+v, MaxProcs: %d, ExtraSubmitArgs: %v",
		q.Type, q.QPS, q.Burst, q.Retry, q.MaxProcs, q.ExtraSubmitArgs)
}

// Create builds the queue backend. Shell backends run their commands through execer.
func (q QueueJSONConfig) Create(execer exec.OsExec) (queue.Service, error) {
	switch q.Type {
	case "sge":
		return sge.New(sge.Config{
			Qsub:            q.Qsub,
			Qstat:           q.Qstat,
			Qdel:            q.Qdel,
			ExtraSubmitArgs: q.ExtraSubmitArgs,
		}, execer), nil
	case "slurm":
		return slurm.New(slurm.Config{
			Sbatch:          q.Sbatch,
			Squeue:          q.Squeue,
			Scancel:         q.Scancel,
			User:            q.User,
			ExtraSubmitArgs: q.ExtraSubmitArgs,
		}, execer), nil
	case "local":
		return local.New(local.Config{
			MaxProcs:  q.MaxProcs,
			KillGrace: seconds(q.KillGraceSec),
		}, execer), nil
	case "memory":
		// units run inline when the queue is polled, one poll to start, one to finish
		return memory.New(memory.WithHooks(memory.ScriptHooks(execer))), nil
	}
	return nil, fmt.Errorf("invalid queue type %q, supported values are [local memory sge slurm]", q.Type)
}

// CreateClient builds the backend and wraps it in a retrying Client.
func (q QueueJSONConfig) CreateClient(execer exec.OsExec, stat stats.StatsReceiver) (*queue.Client, error) {
	svc, err := q.Create(execer)
	if err != nil {
		return nil, err
	}
	return queue.NewClient(svc, queue.ClientConfig{
		Retry: q.Retry.Policy(),
		QPS:   q.QPS,
		Burst: q.Burst,
		Stat:  stat,
	}), nil
}

type SchedulerJSONConfig struct {
	Type              string  `json:"Type"`              // scheduler type: polling
	PollIntervalSec   float64 `json:"PollIntervalSec"`   // default to 2
	CancelPolicy      string  `json:"CancelPolicy"`      // downstream or all, default to downstream
	ReportIntervalSec float64 `json:"ReportIntervalSec"` // default to 5
	DrainTimeoutSec   float64 `json:"DrainTimeoutSec"`   // default to 0, wait forever
}

func (s SchedulerJSONConfig) String() string {
	return fmt.Sprintf("SchedulerJSONConfig: Type: %s, PollIntervalSec: %.2f, CancelPolicy: %s, ReportIntervalSec: %.2f, DrainTimeoutSec: %.2f",
		s.Type, s.PollIntervalSec, s.CancelPolicy, s.ReportIntervalSec, s.DrainTimeoutSec)
}

func (s SchedulerJSONConfig) Create() (engine.Config, error) {
	policy, err := engine.ParseCancelPolicy(s.CancelPolicy)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		PollInterval:   seconds(s.PollIntervalSec),
		CancelPolicy:   policy,
		ReportInterval: seconds(s.ReportIntervalSec),
		DrainTimeout:   seconds(s.DrainTimeoutSec),
	}, nil
}

type ExperimentJSONConfig struct {
	Root          string            `json:"Root"` // experiments live in <Root>/<name_code>
	Queue         string            `json:"Queue"`
	MemLoGB       float64           `json:"MemLoGB"`
	MemHiGB       float64           `json:"MemHiGB"`
	ParallelJobs  int               `json:"ParallelJobs"`
	BatchSize     int               `json:"BatchSize"`
	Executable    string            `json:"Executable"`
	Env           map[string]string `json:"Env"`
	Source        []string          `json:"Source"`
	Path          []string          `json:"Path"`
	LDLibraryPath []string          `json:"LDLibraryPath"`
	StopDelaySec  float64           `json:"StopDelaySec"`  // default to 10
	MaxStdoutSize int               `json:"MaxStdoutSize"` // default to 2048
}

func (e ExperimentJSONConfig) String() string {
	return fmt.Sprintf("ExperimentJSONConfig: Root: %s, Queue: %s, MemLoGB: %.2f, MemHiGB: %.2f, ParallelJobs: %d, BatchSize: %d, "+
		"Executable: %s, StopDelaySec: %.2f, MaxStdoutSize: %d",
		e.Root, e.Queue, e.MemLoGB, e.MemHiGB, e.ParallelJobs, e.BatchSize, e.Executable, e.StopDelaySec, e.MaxStdoutSize)
}

// Defaults are the job options every experiment inherits.
func (e ExperimentJSONConfig) Defaults() domain.Options {
	return domain.Options{
		Queue:         e.Queue,
		MemLoGB:       e.MemLoGB,
		MemHiGB:       e.MemHiGB,
		ParallelJobs:  e.ParallelJobs,
		BatchSize:     e.BatchSize,
		Executable:    e.Executable,
		Env:           e.Env,
		Source:        e.Source,
		Path:          e.Path,
		LDLibraryPath: e.LDLibraryPath,
	}
}

func (e ExperimentJSONConfig) StopDelay() time.Duration {
	if e.StopDelaySec <= 0 {
		return DefaultStopDelay
	}
	return seconds(e.StopDelaySec)
}

type NotificationJSONConfig struct {
	CommandOnError   string `json:"CommandOnError"`
	CommandOnSuccess string `json:"CommandOnSuccess"`
	WebhookURL       string `json:"WebhookURL"`
	WebhookTries     int    `json:"WebhookTries"` // default to 3
}

func (n NotificationJSONConfig) String() string {
	return fmt.Sprintf("NotificationJSONConfig: CommandOnError: %q, CommandOnSuccess: %q, WebhookURL: %q, WebhookTries: %d",
		n.CommandOnError, n.CommandOnSuccess, n.WebhookURL, n.WebhookTries)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func GetConfigText(configSelector string) ([]byte, error) {
	configText, ok := Configs[configSelector]
	if !ok {
		keys := make([]string, 0, len(Configs))
		for k := range Configs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("invalid configuration %s, supported values are %v", configSelector, keys)
	}
	return []byte(configText), nil
}

// GetConfig returns the named configuration. Sections left empty by it are
// taken from "default". Each override, a JSON literal or the path of a JSON
// file, is then applied on top: the fields it sets replace the configured ones.
func GetConfig(configName string, overrides ...string) (*JSONConfigs, error) {
	// get the default values, these will override any of the config
	// sections that are empty
	defaultConfigText, _ := GetConfigText("default")
	defaultConfig := &JSONConfigs{}
	if err := json.Unmarshal(defaultConfigText, defaultConfig); err != nil {
		return nil, fmt.Errorf("couldn't parse the default config: %v", err)
	}

	configText, err := GetConfigText(configName)
	if err != nil {
		return nil, err
	}
	config := &JSONConfigs{}
	if err := json.Unmarshal(configText, config); err != nil {
		return nil, fmt.Errorf("couldn't parse top-level config: %v", err)
	}

	if config.Queue.Type == "" {
		log.Debugf("using default Queue config")
		config.Queue = defaultConfig.Queue
	}
	if config.Scheduler.Type == "" {
		log.Debugf("using default Scheduler config")
		config.Scheduler = defaultConfig.Scheduler
	}
	if config.Experiment.Root == "" {
		log.Debugf("using default Experiment config")
		config.Experiment = defaultConfig.Experiment
	}
	if config.Notification == (NotificationJSONConfig{}) {
		config.Notification = defaultConfig.Notification
	}

	for _, o := range overrides {
		text := []byte(o)
		if !strings.HasPrefix(strings.TrimSpace(o), "{") {
			if text, err = ioutil.ReadFile(o); err != nil {
				return nil, fmt.Errorf("couldn't read config override: %v", err)
			}
		}
		if err := json.Unmarshal(text, config); err != nil {
			return nil, fmt.Errorf("couldn't parse config override %s: %v", o, err)
		}
	}
	return config, nil
}
