// Package graph derives the dependency graph from a loaded set of targets.
//
// The graph is immutable once built and safe for concurrent reads. Edges are
// not authored: they are recomputed on every load from each target's
// statically discovered references. Direction is dependency -> dependent.
package graph

import (
	"container/heap"
	"sort"
	"strings"

	"pipeweaver/internal/pipeline"
)

// Edge is one dependency relation: To's command references From's result.
type Edge struct {
	From string
	To   string
}

// Graph is the validated DAG over a single pipeline load.
type Graph struct {
	nodes       []*pipeline.Target // sorted by name
	indexByName map[string]int

	outgoing [][]int // dependents, by node index, sorted
	incoming [][]int // dependencies, by node index, sorted
	indeg    []int
	depth    []int // longest path from any root
}

// Build constructs and validates the graph. A cycle is a load-time error.
func Build(targets []*pipeline.Target) (*Graph, error) {
	nodes := make([]*pipeline.Target, len(targets))
	copy(nodes, targets)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	indexByName := make(map[string]int, len(nodes))
	for i, t := range nodes {
		indexByName[t.Name] = i
	}

	g := &Graph{
		nodes:       nodes,
		indexByName: indexByName,
		outgoing:    make([][]int, len(nodes)),
		incoming:    make([][]int, len(nodes)),
		indeg:       make([]int, len(nodes)),
	}

	for to, t := range nodes {
		for _, dep := range t.Deps {
			from := indexByName[dep] // resolution already validated at load
			g.outgoing[from] = append(g.outgoing[from], to)
			g.incoming[to] = append(g.incoming[to], from)
			g.indeg[to]++
		}
	}
	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
	}
	for i := range g.incoming {
		sort.Ints(g.incoming[i])
	}

	if order := g.topoIndices(); len(order) != len(g.nodes) {
		return nil, pipeline.Specf(pipeline.ErrCycle, "%s", strings.Join(g.cycleWitness(), " -> "))
	}

	g.depth = g.computeDepth()
	return g, nil
}

// Target returns the target definition for name.
func (g *Graph) Target(name string) (*pipeline.Target, bool) {
	i, ok := g.indexByName[name]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Targets returns the targets in canonical (name) order.
func (g *Graph) Targets() []*pipeline.Target {
	out := make([]*pipeline.Target, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the dependency edges in canonical order.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for from, dependents := range g.outgoing {
		for _, to := range dependents {
			out = append(out, Edge{From: g.nodes[from].Name, To: g.nodes[to].Name})
		}
	}
	return out
}

// Dependencies returns the direct upstream target names of name, sorted.
func (g *Graph) Dependencies(name string) []string {
	i, ok := g.indexByName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.incoming[i]))
	for _, p := range g.incoming[i] {
		out = append(out, g.nodes[p].Name)
	}
	return out
}

// Dependents returns the direct downstream target names of name, sorted.
func (g *Graph) Dependents(name string) []string {
	i, ok := g.indexByName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.outgoing[i]))
	for _, d := range g.outgoing[i] {
		out = append(out, g.nodes[d].Name)
	}
	return out
}

// TopologicalOrder returns a deterministic topological ordering of target
// names: ready nodes are drained in name order.
func (g *Graph) TopologicalOrder() []string {
	order := g.topoIndices()
	names := make([]string, len(order))
	for i, idx := range order {
		names[i] = g.nodes[idx].Name
	}
	return names
}

// Depth returns the longest-path depth of name from any root.
func (g *Graph) Depth(name string) (int, bool) {
	i, ok := g.indexByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[i], true
}

// Downstream returns every target transitively reachable from name, sorted.
func (g *Graph) Downstream(name string) []string {
	start, ok := g.indexByName[name]
	if !ok {
		return nil
	}
	visited := make([]bool, len(g.nodes))
	stack := []int{start}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, v := range g.outgoing[u] {
			if !visited[v] {
				visited[v] = true
				stack = append(stack, v)
			}
		}
	}
	var out []string
	for i, seen := range visited {
		if seen && i != start {
			out = append(out, g.nodes[i].Name)
		}
	}
	sort.Strings(out)
	return out
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoIndices runs Kahn's algorithm with a min-heap ready queue, so the
// ordering is deterministic. A short result means a cycle exists.
func (g *Graph) topoIndices() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

func (g *Graph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoIndices() {
		for _, p := range g.incoming[u] {
			if depth[p]+1 > depth[u] {
				depth[u] = depth[p] + 1
			}
		}
	}
	return depth
}

// cycleWitness extracts one cycle path, deterministically, for the error
// message. DFS over sorted adjacency with parent tracking.
func (g *Graph) cycleWitness() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.nodes[cycle[i]].Name)
	}
	return out
}
