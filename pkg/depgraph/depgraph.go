// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package depgraph orders table syncs so that a table is never copied
// before the tables it references. Foreign-key metadata in lakehouse
// sources is frequently incomplete or self-referential, so cycles are
// broken deterministically instead of failing the run.
package depgraph

import (
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default depgraph error class.
var Error = errs.Class("depgraph error")

// TableMeta describes a table and the tables it references.
type TableMeta struct {
	Name       string
	References []string
}

// Graph is a dependency graph over table names. Nodes live in an arena and
// edges are index pairs, so cycle detection and edge removal stay simple
// index operations. An edge child -> parent means parent must sync first.
type Graph struct {
	nodes []string
	index map[string]int
	// edges[i] lists the nodes that node i depends on, sorted
	edges [][]int
}

// Analyzer builds graphs and computes sync orders.
type Analyzer struct {
	log *zap.Logger
}

// NewAnalyzer creates a dependency analyzer.
func NewAnalyzer(log *zap.Logger) *Analyzer {
	return &Analyzer{log: log}
}

// Build constructs a dependency graph from table metadata. Referenced
// tables that have no metadata of their own still become nodes, so the
// resulting order always contains them.
func (analyzer *Analyzer) Build(metas []TableMeta) *Graph {
	graph := &Graph{index: map[string]int{}}

	names := make([]string, 0, len(metas))
	for _, meta := range metas {
		names = append(names, meta.Name)
		names = append(names, meta.References...)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := graph.index[name]; ok {
			continue
		}
		graph.index[name] = len(graph.nodes)
		graph.nodes = append(graph.nodes, name)
	}

	graph.edges = make([][]int, len(graph.nodes))
	for _, meta := range metas {
		child := graph.index[meta.Name]
		for _, ref := range meta.References {
			parent := graph.index[ref]
			if !containsInt(graph.edges[child], parent) {
				graph.edges[child] = append(graph.edges[child], parent)
			}
		}
	}
	for _, deps := range graph.edges {
		sort.Ints(deps)
	}
	return graph
}

// Plan is the result of resolving a graph: a total sync order with
// dependencies first, the dependency sets that survived cycle breaking,
// and the cycles that were found.
type Plan struct {
	Order  []string
	Deps   map[string][]string
	Cycles [][]string
}

// SyncOrder returns a total order over all tables with every dependency
// placed before its dependents.
func (analyzer *Analyzer) SyncOrder(graph *Graph) []string {
	return analyzer.Resolve(graph).Order
}

// DetectCycles returns the dependency cycles in the graph. Each cycle is
// the path from the first repeated table back to itself.
func (analyzer *Analyzer) DetectCycles(graph *Graph) [][]string {
	return analyzer.Resolve(graph).Cycles
}

// Resolve runs a depth-first topological sort with three-color marking.
// When an in-progress node is reached again the closing back-edge is
// dropped and the cycle logged, so a total order is still produced.
func (analyzer *Analyzer) Resolve(graph *Graph) Plan {
	const (
		white = iota // unvisited
		gray         // in progress
		black        // done
	)

	n := len(graph.nodes)
	color := make([]int, n)
	// effective dependency sets after cycle breaking
	deps := make([][]int, n)
	for i := range deps {
		deps[i] = append([]int(nil), graph.edges[i]...)
	}

	plan := Plan{Deps: map[string][]string{}}
	var stack []int

	var visit func(node int)
	visit = func(node int) {
		color[node] = gray
		stack = append(stack, node)

		kept := deps[node][:0]
		for _, dep := range deps[node] {
			switch color[dep] {
			case black:
				kept = append(kept, dep)
			case white:
				visit(dep)
				kept = append(kept, dep)
			case gray:
				// found a cycle: the path from dep back to node, plus dep.
				// drop this back-edge so the sort can complete.
				cycle := cyclePath(graph, stack, dep)
				plan.Cycles = append(plan.Cycles, cycle)
				analyzer.log.Warn("dependency cycle detected, breaking edge",
					zap.Strings("cycle", cycle),
					zap.String("from", graph.nodes[node]),
					zap.String("to", graph.nodes[dep]))
			}
		}
		deps[node] = kept

		stack = stack[:len(stack)-1]
		color[node] = black
		plan.Order = append(plan.Order, graph.nodes[node])
	}

	for node := 0; node < n; node++ {
		if color[node] == white {
			visit(node)
		}
	}

	for node, kept := range deps {
		names := make([]string, 0, len(kept))
		for _, dep := range kept {
			names = append(names, graph.nodes[dep])
		}
		plan.Deps[graph.nodes[node]] = names
	}
	return plan
}

// cyclePath extracts the cycle that starts at the stack entry for from and
// runs to the top of the stack, closed by from itself.
func cyclePath(graph *Graph, stack []int, from int) []string {
	start := 0
	for i, node := range stack {
		if node == from {
			start = i
			break
		}
	}
	cycle := make([]string, 0, len(stack)-start+1)
	for _, node := range stack[start:] {
		cycle = append(cycle, graph.nodes[node])
	}
	return append(cycle, graph.nodes[from])
}

func containsInt(list []int, value int) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
