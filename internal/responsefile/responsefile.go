// Package responsefile detects command-line length overflow and rewrites
// long argument tails into an on-disk response file referenced by "@path",
// bypassing OS argv-length limits (§4.2, §6 "Response-file format").
package responsefile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/forgebuild/forge/internal/errs"
)

// Plan is the outcome of deciding whether a response file is needed.
type Plan struct {
	// Needed reports whether argv overflowed the threshold.
	Needed bool
	// Argv is the argument vector to actually exec: either
	// [program, args...] unchanged, or [program, args[:first]..., "@path"].
	Argv []string
	// Path is the response file location, empty when Needed is false.
	Path string
}

// Threshold-overflow decision: total byte length of program + args exceeds
// threshold.
func overflows(program string, args []string, threshold int) bool {
	total := len(program)
	for _, a := range args {
		total += len(a) + 1 // +1 for the separating space
	}
	return total > threshold
}

// Decide implements §4.2: if program+args exceeds threshold, arguments from
// index first onward are moved into a response file located next to
// firstOutput (or scratchDir if there is no output). The response file path
// is deterministic from fingerprint so repeated runs with the same
// identity reuse the same file.
func Decide(program string, args []string, threshold int, first int, fingerprint string, firstOutputDir string, scratchDir string) (Plan, error) {
	if !overflows(program, args, threshold) {
		return Plan{Needed: false, Argv: append([]string{program}, args...)}, nil
	}

	dir := firstOutputDir
	if dir == "" {
		dir = scratchDir
	}

	path := filepath.Join(dir, "rsp-"+fingerprint+".rsp")

	if first > len(args) {
		first = len(args)
	}

	argv := append([]string{program}, args[:first]...)
	argv = append(argv, "@"+path)

	return Plan{Needed: true, Argv: argv, Path: path}, nil
}

// Write materialises the response file content for args[first:], one
// argument per line, LF-terminated, quoting per §6.
func Write(path string, args []string, first int) error {
	if first > len(args) {
		first = len(args)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindIOWriteFailed, err, "mkdir for response file "+path)
	}

	var b strings.Builder
	for _, a := range args[first:] {
		b.WriteString(QuoteArgument(a))
		b.WriteByte('\n')
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errs.Wrap(errs.KindIOWriteFailed, err, "write response file "+path)
	}
	return nil
}

// QuoteArgument double-quotes an argument if it contains whitespace or a
// double quote, escaping inner quotes as \" (§6 "Response-file format").
func QuoteArgument(arg string) string {
	if !needsQuoting(arg) {
		return arg
	}
	escaped := strings.ReplaceAll(arg, `"`, `\"`)
	return `"` + escaped + `"`
}

func needsQuoting(arg string) bool {
	return strings.ContainsAny(arg, " \t\n\r\"")
}

// ExpandedInvocation renders a human-readable invocation line with the
// response file's logical arguments expanded back in, for the failure-block
// output described in §7 ("invocation line (with response file expanded if
// present)").
func ExpandedInvocation(program string, logicalArgs []string) string {
	var b strings.Builder
	b.WriteString(program)
	for _, a := range logicalArgs {
		b.WriteByte(' ')
		if needsQuoting(a) {
			b.WriteString(strconv.Quote(a))
		} else {
			b.WriteString(a)
		}
	}
	return b.String()
}
