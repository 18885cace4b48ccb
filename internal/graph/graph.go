// Package graph holds the structural view of the service dependency graph.
//
// Nodes live in a dense slice and edges are index pairs, so the graph never
// holds references between the objects it describes. The engine rebuilds a
// Graph over the union of installed and incoming declarations to validate a
// batch before anything is created.
package graph

import (
	"fmt"
	"sort"
)

// NodeID indexes a node in a Graph.
type NodeID int

// Edge points from a dependent to one of its dependencies.
type Edge struct {
	To       NodeID
	Required bool
}

// Graph is a directed graph keyed by service name. It is not safe for
// concurrent use.
type Graph struct {
	keys  []string
	index map[string]NodeID
	out   [][]Edge
}

func New() *Graph {
	return &Graph{index: make(map[string]NodeID)}
}

// AddNode returns the node for key, creating it if needed.
func (g *Graph) AddNode(key string) NodeID {
	if id, ok := g.index[key]; ok {
		return id
	}
	id := NodeID(len(g.keys))
	g.keys = append(g.keys, key)
	g.out = append(g.out, nil)
	g.index[key] = id
	return id
}

func (g *Graph) Lookup(key string) (NodeID, bool) {
	id, ok := g.index[key]
	return id, ok
}

func (g *Graph) Key(id NodeID) string { return g.keys[id] }

func (g *Graph) Len() int { return len(g.keys) }

// AddEdge records that from depends on to. Parallel edges are coalesced; a
// required edge wins over an optional one.
func (g *Graph) AddEdge(from, to NodeID, required bool) {
	for i, e := range g.out[from] {
		if e.To == to {
			if required {
				g.out[from][i].Required = true
			}
			return
		}
	}
	g.out[from] = append(g.out[from], Edge{To: to, Required: required})
}

func (g *Graph) Edges(from NodeID) []Edge { return g.out[from] }

// CycleError describes a cycle among required edges.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph: required dependency cycle: %v", e.Path)
}

// FindRequiredCycle returns the first cycle among required edges, walking
// nodes in insertion order. The returned path starts and ends with the same
// key. It returns nil when required edges are acyclic.
func (g *Graph) FindRequiredCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.keys))
	stack := make([]NodeID, 0, 16)

	var visit func(n NodeID) []string
	visit = func(n NodeID) []string {
		state[n] = visiting
		stack = append(stack, n)
		for _, e := range g.out[n] {
			if !e.Required {
				continue
			}
			switch state[e.To] {
			case visiting:
				return g.cyclePath(stack, e.To)
			case unvisited:
				if path := visit(e.To); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for n := range g.keys {
		if state[n] != unvisited {
			continue
		}
		if path := visit(NodeID(n)); path != nil {
			return path
		}
	}
	return nil
}

func (g *Graph) cyclePath(stack []NodeID, start NodeID) []string {
	i := len(stack) - 1
	for ; i >= 0; i-- {
		if stack[i] == start {
			break
		}
	}
	path := make([]string, 0, len(stack)-i+1)
	for _, n := range stack[i:] {
		path = append(path, g.keys[n])
	}
	return append(path, g.keys[start])
}

// TopoOrder returns keys with every required dependency before its
// dependents. Ties are broken by key so the result is deterministic.
// Optional edges do not constrain the order.
func (g *Graph) TopoOrder() ([]string, error) {
	if path := g.FindRequiredCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}

	inDegree := make([]int, len(g.keys))
	dependents := make([][]NodeID, len(g.keys))
	for from, edges := range g.out {
		for _, e := range edges {
			if !e.Required {
				continue
			}
			inDegree[from]++
			dependents[e.To] = append(dependents[e.To], NodeID(from))
		}
	}

	ready := make([]NodeID, 0)
	for n, d := range inDegree {
		if d == 0 {
			ready = append(ready, NodeID(n))
		}
	}

	order := make([]string, 0, len(g.keys))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.keys[ready[i]] < g.keys[ready[j]] })
		current := ready[0]
		ready = ready[1:]
		order = append(order, g.keys[current])
		for _, dep := range dependents[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order, nil
}
