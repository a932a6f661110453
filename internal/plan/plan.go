package plan

import (
	"fmt"
	"sort"

	"github.com/pyr-sh/dag"

	"github.com/forgebuild/forge/internal/command"
	"github.com/forgebuild/forge/internal/errs"
	"github.com/forgebuild/forge/internal/fileref"
)

// ExecutionPlan is the validated command DAG plus the ready-queue machinery
// the executor drains (§4.5). Nodes are keyed by string IDs and the plan
// owns every dependency edge (Node.dependents); the only command-to-command
// pointers are the ordering-only After declarations, which Build turns into
// plan edges (§9 "arena of nodes + integer indices").
type ExecutionPlan struct {
	nodes map[string]*Node
	order []*Node
	queue *Queue
}

// Build collects commands, derives dependency edges from declared
// inputs/outputs and strict_order_after, validates acyclicity via Tarjan's
// SCC, and seeds the ready queue (§4.5 construction steps 1-4).
func Build(commands []*command.Command) (*ExecutionPlan, error) {
	p := &ExecutionPlan{
		nodes: make(map[string]*Node, len(commands)),
		queue: NewQueue(),
	}

	for i, c := range commands {
		if !c.Frozen() {
			return nil, errs.New(errs.KindInvalidCommand, "command added to plan before Freeze: "+c.Name())
		}
		id := nodeID(c, i)
		if _, dup := p.nodes[id]; dup {
			return nil, errs.New(errs.KindInvalidCommand, "duplicate command name: "+id)
		}
		n := &Node{ID: id, Command: c, seq: i}
		n.setState(Pending)
		p.nodes[id] = n
		p.order = append(p.order, n)
	}

	producers, err := buildProducerIndex(p.order)
	if err != nil {
		return nil, err
	}

	graph := &dag.AcyclicGraph{}
	graph.Add(rootVertex)
	for _, n := range p.order {
		graph.Add(n.ID)
	}

	addEdge := func(dependent, dependency *Node) {
		dependency.dependents = append(dependency.dependents, dependent)
		dependent.inDegree++
		graph.Connect(dag.BasicEdge(dependent.ID, dependency.ID))
	}

	commandToNode := make(map[*command.Command]*Node, len(p.order))
	for _, n := range p.order {
		commandToNode[n.Command] = n
	}

	for _, n := range p.order {
		for _, in := range n.Command.Inputs().List() {
			if producer, ok := producers[in]; ok && producer != n {
				addEdge(n, producer)
			}
		}
		for _, after := range n.Command.StrictOrderAfter() {
			if dependency, ok := commandToNode[after]; ok && dependency != n {
				addEdge(n, dependency)
			}
		}
	}

	// Every node that no other node depends on is a top of the graph; the
	// synthetic root gets an edge to each of them, so the root is the only
	// vertex without incoming edges and Validate's single-root check holds
	// even for a forest of independent commands.
	for _, n := range p.order {
		if len(n.dependents) == 0 {
			graph.Connect(dag.BasicEdge(rootVertex, n.ID))
		}
	}

	if err := graph.Validate(); err != nil {
		return nil, cyclicDependencyError(graph, err)
	}

	for _, n := range p.order {
		n.remainingDeps = n.inDegree
	}
	computeTransitivePriorities(p.order)

	for _, n := range p.order {
		if n.inDegree == 0 {
			n.setState(Ready)
			p.queue.Push(n)
		}
	}

	return p, nil
}

// rootVertex is a synthetic vertex with an edge to every command that
// nothing depends on, satisfying the dag package's single-root requirement
// (see the comment at its connection site in Build).
const rootVertex = "___root___"

func nodeID(c *command.Command, index int) string {
	if c.Name() != "" {
		return c.Name()
	}
	return fmt.Sprintf("command-%d", index)
}

// buildProducerIndex implements step 1 of §4.5: every declared output maps
// to the single command that produces it. Two producers for the same
// output is a hard error at construction time, per §4.7.
func buildProducerIndex(nodes []*Node) (map[fileref.FileRef]*Node, error) {
	producers := make(map[fileref.FileRef]*Node)
	for _, n := range nodes {
		for _, out := range n.Command.Outputs().List() {
			if existing, ok := producers[out]; ok {
				return nil, errs.New(errs.KindInvalidCommand,
					fmt.Sprintf("output collision: %s is produced by both %s and %s", out, existing.ID, n.ID)).
					WithDetail(struct{ Path, A, B string }{out.String(), existing.ID, n.ID})
			}
			producers[out] = n
		}
	}
	return producers, nil
}

// cyclicDependencyError renders Validate's failure as a CyclicDependency
// error naming every node in the offending cycle(s) (§4.5 step 3).
func cyclicDependencyError(graph *dag.AcyclicGraph, cause error) error {
	var names []string
	for _, cycle := range graph.Cycles() {
		for _, v := range cycle {
			if name := dag.VertexName(v); name != rootVertex {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return errs.Wrap(errs.KindCyclicDependency, cause, "cyclic dependency detected").WithDetail(names)
}

// computeTransitivePriorities assigns each node the size of its transitive
// dependent set, used to break ready-queue ties by critical-path weight
// (§4.5 "descending transitive-dependent count").
func computeTransitivePriorities(nodes []*Node) {
	memo := make(map[*Node]map[*Node]struct{}, len(nodes))
	var visit func(n *Node) map[*Node]struct{}
	visit = func(n *Node) map[*Node]struct{} {
		if set, ok := memo[n]; ok {
			return set
		}
		set := make(map[*Node]struct{})
		memo[n] = set // break cycles defensively; Build already rejects real cycles
		for _, dep := range n.dependents {
			set[dep] = struct{}{}
			for d := range visit(dep) {
				set[d] = struct{}{}
			}
		}
		return set
	}
	for _, n := range nodes {
		n.transitivePriority = len(visit(n))
	}
}

// Node looks up a node by command ID.
func (p *ExecutionPlan) Node(id string) (*Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Nodes returns every node in construction order.
func (p *ExecutionPlan) Nodes() []*Node {
	return p.order
}

// Total is the number of nodes in the plan.
func (p *ExecutionPlan) Total() int {
	return len(p.order)
}

// Queue returns the plan's ready queue.
func (p *ExecutionPlan) Queue() *Queue {
	return p.queue
}

// Complete records a node's terminal outcome and propagates it: a
// Succeeded or Skipped node decrements its dependents' counters, pushing
// any that reach zero onto the ready queue; a Failed node instead marks
// every transitive dependent Failed without ever running them (§4.7).
func (p *ExecutionPlan) Complete(n *Node, outcome State) {
	n.setState(outcome)
	switch outcome {
	case Succeeded, Skipped:
		for _, dep := range n.dependents {
			if dep.decrement() {
				dep.setState(Ready)
				p.queue.Push(dep)
			}
		}
	case Failed:
		p.propagateFailure(n)
	}
}

func (p *ExecutionPlan) propagateFailure(n *Node) {
	for _, dep := range n.dependents {
		if !dep.markFailedOnce() {
			continue
		}
		// Push onto the ready queue so a worker dequeues it and reports it
		// (workerLoop's pre-failed check), the same way a node that's marked
		// Failed while already sitting in the queue gets reported: without
		// this, a transitively failed node is never dequeued at all, and its
		// outcome and contribution to progress.total are silently lost.
		p.queue.Push(dep)
		p.propagateFailure(dep)
	}
}
