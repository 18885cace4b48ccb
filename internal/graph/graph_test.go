package graph

import (
	"errors"
	"reflect"
	"testing"
)

func build(edges map[string][]string, optional map[string][]string) *Graph {
	g := New()
	for _, k := range []string{"a", "b", "c", "d"} {
		g.AddNode(k)
	}
	for from, tos := range edges {
		for _, to := range tos {
			g.AddEdge(g.AddNode(from), g.AddNode(to), true)
		}
	}
	for from, tos := range optional {
		for _, to := range tos {
			g.AddEdge(g.AddNode(from), g.AddNode(to), false)
		}
	}
	return g
}

func TestFindRequiredCycle_Acyclic(t *testing.T) {
	g := build(map[string][]string{"a": {"b"}, "b": {"c"}, "d": {"c"}}, nil)
	if path := g.FindRequiredCycle(); path != nil {
		t.Fatalf("expected no cycle, got %v", path)
	}
}

func TestFindRequiredCycle_ReportsPath(t *testing.T) {
	g := build(map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}}, nil)
	path := g.FindRequiredCycle()
	if !reflect.DeepEqual(path, []string{"a", "b", "c", "a"}) {
		t.Fatalf("unexpected cycle path %v", path)
	}
}

func TestFindRequiredCycle_IgnoresOptionalEdges(t *testing.T) {
	g := build(map[string][]string{"a": {"b"}}, map[string][]string{"b": {"a"}})
	if path := g.FindRequiredCycle(); path != nil {
		t.Fatalf("optional back edge must not count as a cycle, got %v", path)
	}
}

func TestAddEdge_CoalescesRequiredWins(t *testing.T) {
	g := New()
	a, b := g.AddNode("a"), g.AddNode("b")
	g.AddEdge(a, b, false)
	g.AddEdge(a, b, true)
	g.AddEdge(a, b, false)
	edges := g.Edges(a)
	if len(edges) != 1 || !edges[0].Required {
		t.Fatalf("expected a single required edge, got %+v", edges)
	}
}

func TestTopoOrder(t *testing.T) {
	g := build(map[string][]string{"a": {"b", "c"}, "b": {"c"}}, nil)
	order, err := g.TopoOrder()
	if err != nil {
		t.Fatalf("TopoOrder: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"c", "b", "a", "d"}) && !reflect.DeepEqual(order, []string{"c", "d", "b", "a"}) {
		t.Fatalf("unexpected order %v", order)
	}
	pos := map[string]int{}
	for i, k := range order {
		pos[k] = i
	}
	if pos["c"] > pos["b"] || pos["b"] > pos["a"] {
		t.Fatalf("dependencies must come first: %v", order)
	}
}

func TestTopoOrder_Cycle(t *testing.T) {
	g := build(map[string][]string{"a": {"a"}}, nil)
	_, err := g.TopoOrder()
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !reflect.DeepEqual(ce.Path, []string{"a", "a"}) {
		t.Fatalf("unexpected path %v", ce.Path)
	}
}
