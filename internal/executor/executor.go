// Package executor drives an ExecutionPlan to completion with a fixed-size
// worker pool (§4.7 Executor): pop a ready node, check freshness, run or
// skip, commit the outcome, push newly-ready successors.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgebuild/forge/internal/buildctx"
	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/errs"
	"github.com/forgebuild/forge/internal/fileref"
	"github.com/forgebuild/forge/internal/plan"
	"github.com/forgebuild/forge/internal/pool"
)

// Outcome is one node's final disposition, reported via Result.
type Outcome struct {
	Node     *plan.Node
	State    plan.State
	Result   command.Result
	Err      error
	Duration time.Duration
}

// Progress is the monotonically increasing (completed, total) pair from
// §4.7, safe for concurrent polling.
type Progress struct {
	completed int64
	total     int64
}

func (p *Progress) Completed() int64 { return atomic.LoadInt64(&p.completed) }
func (p *Progress) Total() int64     { return atomic.LoadInt64(&p.total) }

// Executor runs a plan's nodes with Workers concurrent goroutines standing
// in for the spec's worker threads (§4.7, §5).
type Executor struct {
	bc      *buildctx.BuildContext
	plan    *plan.ExecutionPlan
	workers int

	progress Progress

	mu        sync.Mutex
	outcomes  []Outcome
	cancelled int32
}

// New constructs an Executor for p using bc's shared dependencies. workers
// <= 0 defaults to bc.Config.Workers, or 1 if that is also unset.
func New(bc *buildctx.BuildContext, p *plan.ExecutionPlan, workers int) *Executor {
	if workers <= 0 {
		workers = bc.Config.Workers
	}
	if workers <= 0 {
		workers = 1
	}
	e := &Executor{bc: bc, plan: p, workers: workers}
	e.progress.total = int64(p.Total())
	return e
}

// Run drains the plan to completion, honoring ctx cancellation (§5): on
// cancel, or on the first node failure when keep_going is false, workers
// stop picking up new work but let their in-flight command finish. Returns
// every node's outcome plus a single error if the run was cancelled or any
// command failed (with or without keep_going).
func (e *Executor) Run(ctx context.Context) ([]Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx, cancel)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	outcomes := append([]Outcome(nil), e.outcomes...)

	if atomic.LoadInt32(&e.cancelled) != 0 {
		return outcomes, errs.New(errs.KindCancelled, "build cancelled")
	}
	for _, o := range outcomes {
		if o.State == plan.Failed && o.Err != nil {
			return outcomes, errs.New(errs.KindNonZeroExit, "one or more commands failed")
		}
	}
	return outcomes, nil
}

func (e *Executor) workerLoop(ctx context.Context, cancelAll context.CancelFunc) {
	for {
		if ctx.Err() != nil {
			return
		}

		// Suspension point (1): dequeue wait.
		n, ok := e.plan.Queue().Pop(ctx)
		if !ok {
			return
		}
		if n.State() == plan.Failed {
			// Marked Failed-by-propagation while it sat in the queue; it
			// must never run (§4.7).
			e.record(Outcome{Node: n, State: plan.Failed})
			continue
		}

		e.runNode(ctx, n, cancelAll)
	}
}

func (e *Executor) runNode(ctx context.Context, n *plan.Node, cancelAll context.CancelFunc) {
	start := time.Now()
	c := n.Command

	fresh, err := e.bc.Storage.Decide(c, fileRootOf(e.bc), e.bc.Digests)
	if err != nil {
		e.fail(n, err, time.Since(start), cancelAll)
		return
	}
	if fresh.Fresh {
		e.plan.Complete(n, plan.Skipped)
		e.record(Outcome{Node: n, State: plan.Skipped, Duration: time.Since(start)})
		return
	}

	// Suspension point (2): resource-pool acquire, in sorted order (§4.6).
	acquired, err := e.bc.Pools.AcquireAll(ctx, c.ResourceTags())
	if err != nil {
		e.fail(n, errs.Wrap(errs.KindCancelled, err, "resource acquire"), time.Since(start), cancelAll)
		return
	}

	// Suspension point (3): waiting on the child process, inside Execute.
	result, execErr := c.Execute(ctx, command.ExecuteOptions{
		ScratchDir:  e.bc.ScratchDir(),
		Fingerprint: fresh.Fingerprint.Hex(),
	})
	pool.ReleaseAll(acquired)

	if execErr != nil {
		e.fail(n, execErr, time.Since(start), cancelAll)
		return
	}

	outputs, err := digestOutputs(e.bc, c, fileRootOf(e.bc))
	if err != nil {
		e.fail(n, err, time.Since(start), cancelAll)
		return
	}
	if err := e.bc.Storage.Record(fresh.Fingerprint, outputs, int32(result.ExitCode)); err != nil {
		// StorageIOError is not fatal to execution (§7): the command still
		// succeeded, only incrementality is lost.
		e.bc.Logger.Warn("failed to record command outcome", "node", n.ID, "error", err)
	}

	e.plan.Complete(n, plan.Succeeded)
	e.record(Outcome{Node: n, State: plan.Succeeded, Result: result, Duration: time.Since(start)})
}

func (e *Executor) fail(n *plan.Node, err error, dur time.Duration, cancelAll context.CancelFunc) {
	e.plan.Complete(n, plan.Failed)
	e.record(Outcome{Node: n, State: plan.Failed, Err: err, Duration: dur})
	if !e.bc.Config.KeepGoing {
		atomic.StoreInt32(&e.cancelled, 1)
		cancelAll()
	}
}

func (e *Executor) record(o Outcome) {
	e.mu.Lock()
	e.outcomes = append(e.outcomes, o)
	e.mu.Unlock()

	completed := atomic.AddInt64(&e.progress.completed, 1)
	if completed >= e.progress.total {
		// Every node has reached a terminal state: there is nothing left to
		// dequeue, so wake any worker still blocked in Pop.
		e.plan.Queue().Close()
	}
}

// Progress exposes the executor's live (completed, total) counters.
func (e *Executor) Progress() *Progress { return &e.progress }

// DryRunEntry is one node's freshness verdict under Plan.
type DryRunEntry struct {
	Node  *plan.Node
	Fresh bool
}

// Plan previews a run without executing anything: it evaluates freshness for
// every node in the plan and reports which would run. Freshness is decided
// purely against what's already on disk in storage, so this is accurate
// regardless of node order or concurrency (§4.4's decision procedure never
// consults sibling nodes' planned-but-not-yet-produced outputs).
func (e *Executor) Plan(ctx context.Context) ([]DryRunEntry, error) {
	root := fileRootOf(e.bc)
	entries := make([]DryRunEntry, 0, len(e.plan.Nodes()))
	for _, n := range e.plan.Nodes() {
		if ctx.Err() != nil {
			return nil, errs.New(errs.KindCancelled, "dry run cancelled")
		}
		fresh, err := e.bc.Storage.Decide(n.Command, root, e.bc.Digests)
		if err != nil {
			return nil, err
		}
		entries = append(entries, DryRunEntry{Node: n, Fresh: fresh.Fresh})
	}
	return entries, nil
}

func fileRootOf(bc *buildctx.BuildContext) fileref.FileRef {
	return fileref.MustNew(bc.Config.ProjectRoot, "")
}

// digestOutputs computes the digest of every declared output after a
// successful run, for persistence via CommandStorage.Record.
func digestOutputs(bc *buildctx.BuildContext, c *command.Command, root fileref.FileRef) (map[string]digest.Digest, error) {
	outputs := c.Outputs().List()
	out := make(map[string]digest.Digest, len(outputs))
	for _, ref := range outputs {
		d, err := bc.Digests.Compute(ref.String())
		if err != nil {
			return nil, err
		}
		out[ref.RelativeTo(root)] = d
	}
	return out, nil
}
