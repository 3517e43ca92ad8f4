package config

// Configs maps configuration names to their JSON text.
// !!! make sure a new configuration is also covered by config_test.go !!!
var Configs = map[string]string{
	"default": defaultConfig,
	"sge":     sgeConfig,
	"slurm":   slurmConfig,
	"local":   localConfig,
	"memory":  memoryConfig,
}

// defaultConfig the configuration values used for empty sections of a specific configuration
const defaultConfig = `
{
	"Queue": {
		"Type": "sge",
		"Retry": {
			"IntervalSec": 2,
			"MaxIntervalSec": 60,
			"Exponential": true
		}
	},
	"Scheduler": {
		"Type": "polling",
		"PollIntervalSec": 2,
		"CancelPolicy": "downstream",
		"ReportIntervalSec": 5
	},
	"Experiment": {
		"Root": "./.vosges",
		"MemLoGB": 2,
		"MemHiGB": 10,
		"ParallelJobs": 4,
		"BatchSize": 1,
		"Executable": "bash",
		"StopDelaySec": 10,
		"MaxStdoutSize": 2048
	},
	"Notification": {
		"WebhookTries": 3
	}
}
`

const sgeConfig = `
{
	"Queue": {
		"Type": "sge",
		"QPS": 2,
		"Burst": 4,
		"Retry": {
			"IntervalSec": 2,
			"MaxIntervalSec": 60,
			"Exponential": true
		}
	}
}
`

const slurmConfig = `
{
	"Queue": {
		"Type": "slurm",
		"QPS": 2,
		"Burst": 4,
		"Retry": {
			"IntervalSec": 2,
			"MaxIntervalSec": 60,
			"Exponential": true
		}
	}
}
`

const localConfig = `
{
	"Queue": {
		"Type": "local",
		"MaxProcs": 4,
		"KillGraceSec": 5,
		"Retry": {
			"IntervalSec": 1,
			"MaxAttempts": 5
		}
	},
	"Scheduler": {
		"Type": "polling",
		"PollIntervalSec": 0.5,
		"CancelPolicy": "downstream",
		"ReportIntervalSec": 2
	}
}
`

const memoryConfig = `
{
	"Queue": {
		"Type": "memory",
		"Retry": {
			"IntervalSec": 0.01,
			"MaxAttempts": 3
		}
	},
	"Scheduler": {
		"Type": "polling",
		"PollIntervalSec": 0.01,
		"CancelPolicy": "downstream",
		"ReportIntervalSec": 0.1,
		"DrainTimeoutSec": 5
	}
}
`
