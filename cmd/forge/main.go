// Command forge is a minimal demonstration driver for the build engine: it
// wires a fixed sample graph (internal/demo) through the real plan and
// executor packages. It is not a language front-end — see §1 for what's
// explicitly out of scope.
package main

import (
	"os"

	"github.com/mitchellh/cli"

	"github.com/forgebuild/forge/internal/forgecli"
)

const appName = "forge"

func main() {
	c := cli.NewCLI(appName, "0.1.0")
	c.Args = os.Args[1:]
	c.HelpWriter = os.Stdout
	c.ErrorWriter = os.Stderr

	ui := &cli.ColoredUi{
		Ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
		OutputColor: cli.UiColorNone,
		InfoColor:   cli.UiColorNone,
		WarnColor:   cli.UiColorYellow,
		ErrorColor:  cli.UiColorRed,
	}

	c.Commands = map[string]cli.CommandFactory{
		"run": func() (cli.Command, error) {
			return &forgecli.RunCommand{Ui: ui}, nil
		},
		"plan": func() (cli.Command, error) {
			return &forgecli.PlanCommand{Ui: ui}, nil
		},
	}

	exitCode, err := c.Run()
	if err != nil {
		ui.Error(err.Error())
		os.Exit(1)
	}
	os.Exit(exitCode)
}
