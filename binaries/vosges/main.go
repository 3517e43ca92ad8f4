package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/common/errors"
	"github.com/twitter/vosges/common/log/hooks"
	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/scheduler/client/cli"
)

// CLI binary driving experiments on a batch queue
//	Supported commands: (see "-h" for all options)
//		run [definition]
//		stop [definition]
//		status [definition]
//		log [definition]
//		clean [definition]
//	Global flags:
//		--config [<sge|slurm|local|memory|default> named configuration]
//		--config_override [<json literal or file> applied on top, may be repeated]
//		--log_level [<error|info|debug> level and above should be logged]

func main() {
	log.AddHook(hooks.NewContextHook())
	log.SetOutput(os.Stderr)

	cl := cli.NewVosgesCLIClient(exec.NewOsExec(), os.Stdout)
	if err := cl.Exec(); err != nil {
		log.Error("Error running vosges: ", err)
		os.Exit(int(errors.ExitCodeOf(err)))
	}
}
