package client

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/common/stats"
	"github.com/twitter/vosges/scheduler/config"
)

// Client interface that includes CLI handling
type CLIClient interface {
	Exec() error
}

// SimpleClient includes base fields required for implementing client
type SimpleClient struct {
	RootCmd   *cobra.Command
	LogLevel  string
	Config    string
	Overrides []string

	// Resolved by the root command before any subcommand runs.
	Configs *config.JSONConfigs

	Execer exec.OsExec
	Stat   stats.StatsReceiver
	Out    io.Writer
}

// Command interface used to run client commands
type Cmd interface {
	RegisterFlags() *cobra.Command
	Run(cl *SimpleClient, cmd *cobra.Command, args []string) error
}
