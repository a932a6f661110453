// Package forgecli holds the cmd/forge demo driver's commands: a minimal
// mitchellh/cli harness that schedules the demo.Commands graph through the
// real plan/executor packages, standing in for the language-specific
// front-end described as out of scope in §1.
package forgecli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mitchellh/cli"

	"github.com/forgebuild/forge/internal/buildctx"
	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/config"
	"github.com/forgebuild/forge/internal/demo"
	"github.com/forgebuild/forge/internal/errs"
	"github.com/forgebuild/forge/internal/executor"
	"github.com/forgebuild/forge/internal/plan"
)

// RunCommand schedules and executes the demo graph to completion.
type RunCommand struct {
	Ui cli.Ui
}

func (c *RunCommand) Synopsis() string { return "Run the demo build graph" }

func (c *RunCommand) Help() string {
	return strings.TrimSpace(`
Usage: forge run [dir]

  Builds and executes a small compile -> link -> package demo graph rooted
  at dir (default: .forge-demo), using the on-disk cache under
  dir/.forge-cache. Re-running with no source changes skips every step.
`)
}

func (c *RunCommand) Run(args []string) int {
	bc, cmds, err := setup(args)
	if err != nil {
		c.Ui.Error(color.RedString("forge: %v", err))
		return errs.ExitCode(false, err)
	}
	defer bc.Close()

	p, err := plan.Build(cmds)
	if err != nil {
		c.Ui.Error(color.RedString("forge: %v", err))
		return errs.ExitCode(false, err)
	}

	outcomes, runErr := executor.New(bc, p, bc.Config.Workers).Run(context.Background())

	buildFailed := false
	for _, o := range outcomes {
		switch o.State {
		case plan.Succeeded:
			c.Ui.Output(fmt.Sprintf("  ok      %s", o.Node.Command.ShortName()))
		case plan.Skipped:
			c.Ui.Output(fmt.Sprintf("  cached  %s", o.Node.Command.ShortName()))
		case plan.Failed:
			buildFailed = true
		}
	}
	if failures := executor.FormatFailures(outcomes); failures != "" {
		fmt.Fprint(os.Stderr, failures)
	}

	return errs.ExitCode(buildFailed, runErr)
}

// PlanCommand previews the demo graph without executing anything.
type PlanCommand struct {
	Ui cli.Ui
}

func (c *PlanCommand) Synopsis() string { return "Preview the demo build graph without running it" }

func (c *PlanCommand) Help() string {
	return strings.TrimSpace(`
Usage: forge plan [dir]

  Reports which steps of the demo graph would run, without executing them.
`)
}

func (c *PlanCommand) Run(args []string) int {
	bc, cmds, err := setup(args)
	if err != nil {
		c.Ui.Error(color.RedString("forge: %v", err))
		return errs.ExitCode(false, err)
	}
	defer bc.Close()

	p, err := plan.Build(cmds)
	if err != nil {
		c.Ui.Error(color.RedString("forge: %v", err))
		return errs.ExitCode(false, err)
	}

	entries, err := executor.New(bc, p, bc.Config.Workers).Plan(context.Background())
	if err != nil {
		c.Ui.Error(color.RedString("forge: %v", err))
		return errs.ExitCode(false, err)
	}

	for _, e := range entries {
		status := "would run"
		if e.Fresh {
			status = "cached"
		}
		c.Ui.Output(fmt.Sprintf("  %-10s %s", status, e.Node.Command.ShortName()))
	}
	return 0
}

func setup(args []string) (*buildctx.BuildContext, []*command.Command, error) {
	dir := ".forge-demo"
	if len(args) > 0 {
		dir = args[0]
	}

	cmds, err := demo.Commands(dir)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(config.Config{
		Workers:     4,
		ProjectRoot: dir,
		StorageRoot: dir + "/.forge-cache",
	})
	if err != nil {
		return nil, nil, err
	}

	bc, err := buildctx.New(cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return bc, cmds, nil
}
