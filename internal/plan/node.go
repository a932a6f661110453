// Package plan builds the command dependency graph, validates it (cycle
// detection via Tarjan's SCC), and exposes the ready-queue machinery the
// executor drains (§4.5 ExecutionPlan).
package plan

import (
	"sync/atomic"

	"github.com/forgebuild/forge/internal/command"
)

// State is a node's position in its lifecycle.
type State int32

const (
	Pending State = iota
	Ready
	Running
	Succeeded
	Skipped
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Skipped:
		return "Skipped"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Node is one vertex in the plan: a command plus the bookkeeping the
// scheduler needs (§4.5 "arena of nodes + integer indices" — Command itself
// never holds pointers to its dependents, only the plan does).
type Node struct {
	ID      string
	Command *command.Command

	// remainingDeps is decremented atomically as dependencies complete; a
	// node becomes Ready when it reaches zero.
	remainingDeps int32
	inDegree      int32

	// dependents are the nodes that depend on this one (the reverse edges),
	// populated at Build time and never mutated afterward.
	dependents []*Node

	// transitivePriority is the descending-sort key used to break ready-queue
	// ties: the count of nodes transitively depending on this one (§4.5).
	transitivePriority int

	// seq is insertion order, the final tie-break after priority.
	seq int

	state int32 // atomic, holds a State
}

// State reads the node's current state.
func (n *Node) State() State {
	return State(atomic.LoadInt32(&n.state))
}

func (n *Node) setState(s State) {
	atomic.StoreInt32(&n.state, int32(s))
}

// RemainingDeps reads the current outstanding-dependency count.
func (n *Node) RemainingDeps() int {
	return int(atomic.LoadInt32(&n.remainingDeps))
}

// decrement drops the remaining-dependency count by one, returning true if
// this call made it reach zero (i.e. this node just became Ready).
func (n *Node) decrement() bool {
	return atomic.AddInt32(&n.remainingDeps, -1) == 0
}

// markFailedOnce transitions the node to Failed if it is still Pending or
// Ready (a Running or terminal node is left as it is), reporting whether this call performed the
// transition. Used by failure propagation to avoid re-walking a diamond
// dependency's shared descendants more than once.
func (n *Node) markFailedOnce() bool {
	for {
		cur := State(atomic.LoadInt32(&n.state))
		if cur == Succeeded || cur == Skipped || cur == Failed || cur == Running {
			return false
		}
		if atomic.CompareAndSwapInt32(&n.state, int32(cur), int32(Failed)) {
			return true
		}
	}
}
