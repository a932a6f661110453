// Package command describes one external-process (or in-process builtin)
// invocation: its program, arguments, environment, declared inputs and
// outputs, and the policies that govern freshness, response files, and
// resource acquisition (§3 DATA MODEL, §4.1 Command).
package command

import (
	"sort"

	"github.com/forgebuild/forge/internal/fileref"
)

// Redirect describes an optional stdin/stdout/stderr redirection to a file.
type Redirect struct {
	Path   fileref.FileRef
	Append bool
}

// ActionKind distinguishes a spawned external process from an in-process
// builtin (§9 DESIGN NOTES, "Dynamic dispatch of command subclasses").
type ActionKind int

const (
	// ActionSpawn runs an external program.
	ActionSpawn ActionKind = iota
	// ActionBuiltin runs an in-process function instead of spawning.
	ActionBuiltin
)

// BuiltinFunc is the payload a Builtin action runs. It receives the
// command's working directory for convenience.
type BuiltinFunc func(cwd string) error

// Action is the tagged variant CommandAction ∈ { Spawn(spec), Builtin(id, payload) }.
type Action struct {
	Kind ActionKind

	// Spawn fields.
	Program fileref.FileRef
	Args    []string

	// Builtin fields.
	BuiltinID      string
	BuiltinPayload []byte
	Run            BuiltinFunc
}

// Command is the immutable-after-freezing record described in §3 DATA MODEL.
// Builder methods (AddInput, AddOutput, ...) must only be called before
// Freeze; calling them afterward panics, since a frozen Command's fields
// participate in an already-computed fingerprint and node identity.
type Command struct {
	name      string
	shortName string

	action Action
	cwd    fileref.FileRef
	env    map[string]string

	inputs        fileref.Set
	outputs       fileref.Set
	intermediates fileref.Set

	stdinRedirect  *Redirect
	stdoutRedirect *Redirect
	stderrRedirect *Redirect

	alwaysRun                  bool
	hashable                   bool
	responseFileThreshold      int
	firstResponseFileArgument  int
	resourceTags               []string
	removeOutputsBeforeExecute bool

	// strictOrderAfter are ordering-only dependencies (§4.5 step 2, and the
	// supplemented Command.After builder): no shared file, but must not run
	// concurrently with / before the named commands.
	strictOrderAfter []*Command

	frozen bool
}

// New constructs a Command that spawns program with args in cwd. Use
// NewBuiltin for an in-process command.
func New(name string, program fileref.FileRef, args []string, cwd fileref.FileRef) *Command {
	return &Command{
		name:      name,
		shortName: name,
		action: Action{
			Kind:    ActionSpawn,
			Program: program,
			Args:    append([]string(nil), args...),
		},
		cwd:                   cwd,
		env:                   make(map[string]string),
		inputs:                fileref.NewSet(),
		outputs:               fileref.NewSet(),
		intermediates:         fileref.NewSet(),
		hashable:              true,
		responseFileThreshold: defaultResponseFileThreshold,
	}
}

// defaultResponseFileThreshold matches common OS argv limits with headroom;
// drivers may override via WithResponseFileThreshold.
const defaultResponseFileThreshold = 8 * 1024

// NewBuiltin constructs a Command whose action runs in-process. Builtins
// default to hashable=false per §9 ("isHashable() override { return false; }")
// since their side effects are typically not content-addressable by file
// inputs alone; callers that want memoization should call Hashable(true)
// and supply a stable BuiltinPayload via WithBuiltinPayload.
func NewBuiltin(name string, id string, run BuiltinFunc, cwd fileref.FileRef) *Command {
	return &Command{
		name:      name,
		shortName: name,
		action: Action{
			Kind:      ActionBuiltin,
			BuiltinID: id,
			Run:       run,
		},
		cwd:                   cwd,
		env:                   make(map[string]string),
		inputs:                fileref.NewSet(),
		outputs:               fileref.NewSet(),
		intermediates:         fileref.NewSet(),
		hashable:              false,
		responseFileThreshold: defaultResponseFileThreshold,
	}
}

func (c *Command) mustNotBeFrozen() {
	if c.frozen {
		panic("command: mutated after Freeze: " + c.name)
	}
}

// Name returns the command's full display name (§9 supplemented feature).
func (c *Command) Name() string { return c.name }

// ShortName returns the abbreviated display name used in compact logs.
func (c *Command) ShortName() string { return c.shortName }

// WithShortName sets the abbreviated display name.
func (c *Command) WithShortName(short string) *Command {
	c.mustNotBeFrozen()
	c.shortName = short
	return c
}

// AddInput declares a file that must exist before execution and whose
// content participates in the fingerprint. Declaring a directory is invalid
// and is caught at digest time (§4.3), not here, since that check requires
// a stat.
func (c *Command) AddInput(ref fileref.FileRef) *Command {
	c.mustNotBeFrozen()
	c.inputs.Add(ref)
	return c
}

// AddOutput declares a file the command promises to write.
func (c *Command) AddOutput(ref fileref.FileRef) *Command {
	c.mustNotBeFrozen()
	c.outputs.Add(ref)
	return c
}

// AddIntermediate declares a file written but excluded from the fingerprint.
func (c *Command) AddIntermediate(ref fileref.FileRef) *Command {
	c.mustNotBeFrozen()
	c.intermediates.Add(ref)
	return c
}

// SetEnv sets an environment variable. Whether it participates in the
// fingerprint is controlled by the Hasher's influential-keys policy, not by
// this method.
func (c *Command) SetEnv(key, value string) *Command {
	c.mustNotBeFrozen()
	c.env[key] = value
	return c
}

// Env returns a copy of the command's declared environment.
func (c *Command) Env() map[string]string {
	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

// SortedEnvKeys returns env keys in sorted order, canonicalised for hashing
// as described in §3.
func (c *Command) SortedEnvKeys() []string {
	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RedirectStdin, RedirectStdout, RedirectStderr set the optional I/O
// redirections described in §3.
func (c *Command) RedirectStdin(ref fileref.FileRef, appendMode bool) *Command {
	c.mustNotBeFrozen()
	c.stdinRedirect = &Redirect{Path: ref, Append: appendMode}
	return c
}

func (c *Command) RedirectStdout(ref fileref.FileRef, appendMode bool) *Command {
	c.mustNotBeFrozen()
	c.stdoutRedirect = &Redirect{Path: ref, Append: appendMode}
	return c
}

func (c *Command) RedirectStderr(ref fileref.FileRef, appendMode bool) *Command {
	c.mustNotBeFrozen()
	c.stderrRedirect = &Redirect{Path: ref, Append: appendMode}
	return c
}

// AlwaysRun marks the command to skip the freshness check entirely.
func (c *Command) AlwaysRun(always bool) *Command {
	c.mustNotBeFrozen()
	c.alwaysRun = always
	return c
}

// Hashable controls whether the command is ever memoized.
func (c *Command) Hashable(hashable bool) *Command {
	c.mustNotBeFrozen()
	c.hashable = hashable
	return c
}

// WithBuiltinPayload attaches a stable byte payload that participates in a
// Builtin command's fingerprint alongside its BuiltinID (§9).
func (c *Command) WithBuiltinPayload(payload []byte) *Command {
	c.mustNotBeFrozen()
	c.action.BuiltinPayload = append([]byte(nil), payload...)
	return c
}

// WithResponseFileThreshold overrides the default argv-length threshold
// above which a response file is produced (§4.2).
func (c *Command) WithResponseFileThreshold(threshold int) *Command {
	c.mustNotBeFrozen()
	c.responseFileThreshold = threshold
	return c
}

// WithFirstResponseFileArgument sets the argument index from which the
// ResponseFileManager may begin rewriting the argv tail into a response
// file; arguments before this index are never moved (e.g. subcommand
// names). Defaults to 0.
func (c *Command) WithFirstResponseFileArgument(index int) *Command {
	c.mustNotBeFrozen()
	c.firstResponseFileArgument = index
	return c
}

// WithResourceTags declares the resource pools this command must acquire
// before running.
func (c *Command) WithResourceTags(tags ...string) *Command {
	c.mustNotBeFrozen()
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	c.resourceTags = sorted
	return c
}

// RemoveOutputsBeforeExecution marks declared outputs (not intermediates)
// for deletion immediately before spawning.
func (c *Command) RemoveOutputsBeforeExecution(remove bool) *Command {
	c.mustNotBeFrozen()
	c.removeOutputsBeforeExecute = remove
	return c
}

// After declares an ordering-only dependency on other: this command may not
// start until other has completed, even though they share no declared file
// (§4.5 step 2, "strict_order_after"; supplemented feature #4 in SPEC_FULL.md).
func (c *Command) After(other *Command) *Command {
	c.mustNotBeFrozen()
	c.strictOrderAfter = append(c.strictOrderAfter, other)
	return c
}

// Freeze finalises the command; it must be called before the command is
// added to an ExecutionPlan (§3 "frozen when added to the plan").
func (c *Command) Freeze() *Command {
	c.frozen = true
	return c
}

// Frozen reports whether Freeze has been called.
func (c *Command) Frozen() bool { return c.frozen }

// Accessors used by plan, storage, and executor. These are read-only views;
// the Set types returned are owned by the Command and must not be mutated.

func (c *Command) Action() Action                   { return c.action }
func (c *Command) Cwd() fileref.FileRef              { return c.cwd }
func (c *Command) Inputs() fileref.Set               { return c.inputs }
func (c *Command) Outputs() fileref.Set              { return c.outputs }
func (c *Command) Intermediates() fileref.Set        { return c.intermediates }
func (c *Command) StdinRedirect() *Redirect          { return c.stdinRedirect }
func (c *Command) StdoutRedirect() *Redirect         { return c.stdoutRedirect }
func (c *Command) StderrRedirect() *Redirect         { return c.stderrRedirect }
func (c *Command) IsAlwaysRun() bool                 { return c.alwaysRun }
func (c *Command) IsHashable() bool                  { return c.hashable }
func (c *Command) ResponseFileThreshold() int        { return c.responseFileThreshold }
func (c *Command) FirstResponseFileArgument() int    { return c.firstResponseFileArgument }
func (c *Command) ResourceTags() []string            { return c.resourceTags }
func (c *Command) RemoveOutputsBeforeExecute() bool  { return c.removeOutputsBeforeExecute }
func (c *Command) StrictOrderAfter() []*Command      { return c.strictOrderAfter }
func (c *Command) BuiltinPayload() []byte            { return c.action.BuiltinPayload }
