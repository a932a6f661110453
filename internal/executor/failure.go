package executor

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/forgebuild/forge/internal/plan"
)

// FormatFailure renders a failed command's §7 failure block: the invocation
// (response file already expanded back into its original arguments), the
// working directory, the exit code, and the captured output. Stdout is only
// included when the command actually produced something on a non-zero exit,
// matching the "captured_stderr always, captured_stdout on interest" framing
// in §7.
func FormatFailure(o Outcome) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", color.RedString("FAILED: %s", o.Node.Command.Name()))
	if inv := o.Result.Invocation; inv != "" {
		fmt.Fprintf(&b, "  command: %s\n", inv)
	}
	fmt.Fprintf(&b, "  cwd:     %s\n", o.Node.Command.Cwd().String())
	fmt.Fprintf(&b, "  exit:    %d\n", o.Result.ExitCode)

	if o.Err != nil {
		fmt.Fprintf(&b, "  error:   %s\n", o.Err.Error())
	}

	if len(o.Result.Stderr) > 0 {
		b.WriteString(color.RedString("  --- stderr ---\n"))
		b.Write(o.Result.Stderr)
		if o.Result.Stderr[len(o.Result.Stderr)-1] != '\n' {
			b.WriteByte('\n')
		}
	}

	if o.Result.ExitCode != 0 && len(o.Result.Stdout) > 0 {
		b.WriteString("  --- stdout ---\n")
		b.Write(o.Result.Stdout)
		if o.Result.Stdout[len(o.Result.Stdout)-1] != '\n' {
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// FormatFailures renders every failed outcome in o, in the order given.
func FormatFailures(outcomes []Outcome) string {
	var b strings.Builder
	for _, o := range outcomes {
		if o.State != plan.Failed {
			continue
		}
		b.WriteString(FormatFailure(o))
		b.WriteByte('\n')
	}
	return b.String()
}
