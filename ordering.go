package fluent

import (
	"container/heap"
	"fmt"
	"reflect"
	"slices"
)

// OrderOption configures a single Order call.
type OrderOption func(*orderSettings)

type orderSettings struct {
	strict bool
	logger Logger
}

// WithStrictDependencies makes a DependsOn reference to a missing or disabled
// middleware fail with ErrMiddlewareDependencyMissing instead of being dropped.
func WithStrictDependencies(strict bool) OrderOption {
	return func(s *orderSettings) { s.strict = strict }
}

// WithOrderLogger sets the logger that receives dropped-dependency warnings.
func WithOrderLogger(l Logger) OrderOption {
	return func(s *orderSettings) { s.logger = l }
}

// Order computes the execution order of the enabled middleware in descs.
//
// Constraints produce edges A->B (A runs before B) when B depends on A, A
// precedes B or B follows A. Among middleware whose constraints are satisfied,
// the one with the lowest (Priority, Group, registration index) runs first.
// A constraint cycle returns *OrderingConflictError and no order at all.
//
// Order does not mutate its input.
func Order(descs []*MiddlewareDescriptor, opts ...OrderOption) ([]*MiddlewareDescriptor, error) {
	settings := orderSettings{}
	for _, opt := range opts {
		opt(&settings)
	}
	logger := loggerOrNop(settings.logger)

	nodes := make([]*orderNode, 0, len(descs))
	byType := make(map[reflect.Type]*orderNode, len(descs))
	disabled := make(map[reflect.Type]bool)
	for i, d := range descs {
		if d == nil {
			continue
		}
		if !d.IsEnabled() {
			disabled[d.Type()] = true
			continue
		}
		idx := d.RegistrationIndex()
		if idx < 0 {
			idx = i
		}
		n := &orderNode{desc: d, index: idx}
		nodes = append(nodes, n)
		byType[d.Type()] = n
	}

	// A self-reference is a one-node cycle.
	var selfCycle *orderNode
	addEdge := func(from, to *orderNode) {
		if from == to {
			if selfCycle == nil {
				selfCycle = from
			}
			return
		}
		if slices.Contains(from.out, to) {
			return
		}
		from.out = append(from.out, to)
		to.inDegree++
	}

	for _, n := range nodes {
		for _, dep := range n.desc.dependencies {
			from, ok := byType[dep]
			if !ok {
				if settings.strict {
					return nil, fmt.Errorf("%w: %s depends on %s", ErrMiddlewareDependencyMissing, n.desc.Name(), dep)
				}
				reason := "not registered"
				if disabled[dep] {
					reason = "disabled"
				}
				logger.Warn("Dropping middleware dependency", "middleware", n.desc.Name(), "dependency", dep.String(), "reason", reason)
				continue
			}
			addEdge(from, n)
		}
		for _, t := range n.desc.precedes {
			if to, ok := byType[t]; ok {
				addEdge(n, to)
			}
		}
		for _, t := range n.desc.follows {
			if from, ok := byType[t]; ok {
				addEdge(from, n)
			}
		}
	}

	if selfCycle != nil {
		name := selfCycle.desc.Name()
		return nil, &OrderingConflictError{Cycle: []string{name, name}}
	}

	ready := &readyQueue{}
	for _, n := range nodes {
		if n.inDegree == 0 {
			heap.Push(ready, n)
		}
	}

	ordered := make([]*MiddlewareDescriptor, 0, len(nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(*orderNode)
		n.done = true
		ordered = append(ordered, n.desc)
		for _, next := range n.out {
			next.inDegree--
			if next.inDegree == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(ordered) != len(nodes) {
		return nil, &OrderingConflictError{Cycle: findCycle(nodes)}
	}
	return ordered, nil
}

type orderNode struct {
	desc     *MiddlewareDescriptor
	index    int
	out      []*orderNode
	inDegree int
	done     bool
}

func (n *orderNode) less(o *orderNode) bool {
	if p, q := n.desc.Priority(), o.desc.Priority(); p != q {
		return p < q
	}
	if g, h := n.desc.Group(), o.desc.Group(); g != h {
		return g < h
	}
	return n.index < o.index
}

type readyQueue []*orderNode

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i].less(q[j]) }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(*orderNode)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}

// findCycle walks the nodes Kahn could not emit and returns one cycle, by name,
// starting and ending at the same middleware.
func findCycle(nodes []*orderNode) []string {
	const (
		unvisited = iota
		onStack
		finished
	)
	state := make(map[*orderNode]int)
	var stack []*orderNode
	var cycle []string

	var visit func(n *orderNode) bool
	visit = func(n *orderNode) bool {
		state[n] = onStack
		stack = append(stack, n)
		for _, next := range n.out {
			if next.done {
				continue
			}
			switch state[next] {
			case onStack:
				start := slices.Index(stack, next)
				for _, s := range stack[start:] {
					cycle = append(cycle, s.desc.Name())
				}
				cycle = append(cycle, next.desc.Name())
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = finished
		return false
	}

	for _, n := range nodes {
		if n.done || state[n] != unvisited {
			continue
		}
		if visit(n) {
			return cycle
		}
	}
	return nil
}
