package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/opencluster/execd/internal/bootstrap"
)

const (
	ServiceName      = "execd"
	ServiceNamespace = "opencluster"
)

var (
	version = "0.0.0"
	commit  = "hash"
	branch  = "branch"
)

// Run is the process entry point. It never returns a plain error for a
// failed bootstrap stage: ExitCoder carries the stage's own exit code all
// the way out to main, so an operator's exit-status check tells them which
// of the fifteen startup steps failed without opening a log.
func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Availability management executive",
		Version: version,
		Commands: []*cli.Command{
			runCmd(),
		},
	}

	return app.Run(os.Args)
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Run the executive in the foreground",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the YAML configuration file",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			exec, err := bootstrap.Bootstrap(c.String("config"))
			if err != nil {
				return asExitCoder(err)
			}

			runErr := exec.Run()

			if err := exec.Shutdown(); err != nil {
				fmt.Fprintf(os.Stderr, "%s: shutdown: %v\n", ServiceName, err)
			}

			if runErr != nil {
				return asExitCoder(runErr)
			}
			return nil
		},
	}
}

// asExitCoder maps a *bootstrap.FatalError's stage code onto the
// process's exit status, so cmd never has to special-case which of the
// fifteen startup steps failed.
func asExitCoder(err error) error {
	var fe *bootstrap.FatalError
	if !errors.As(err, &fe) {
		return err
	}
	return cli.Exit(fe.Error(), fe.Code)
}
