package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// State is the value bag handed from node to node during a run.
// Producers set named values (paths, counts), consumers read them.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState creates an empty state.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Set stores a value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key has been set.
func (s *State) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Path returns the string value stored under key, or "" when absent
// or not a string. Most handed values are filesystem paths.
func (s *State) Path(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Int returns the int value stored under key, or 0 when absent.
func (s *State) Int(key string) int {
	v, ok := s.Get(key)
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}

// Node is one unit of work in a graph.
type Node struct {
	Name string
	Run  func(ctx context.Context, st *State) error
}

// Edge declares that To runs after From. Field names the state value the
// producer hands to the consumer; it is checked after From completes.
type Edge struct {
	From  string
	To    string
	Field string
}

// Graph is a declarative set of nodes wired by edges.
type Graph struct {
	Name  string
	Nodes []Node
	Edges []Edge
}

// Validate checks the wiring: duplicate node names, nodes without a run
// function, edges referencing unknown nodes, and cycles.
func (g *Graph) Validate() error {
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Name == "" {
			return fmt.Errorf("workflow %s: node with empty name", g.Name)
		}
		if seen[n.Name] {
			return fmt.Errorf("workflow %s: duplicate node %q", g.Name, n.Name)
		}
		if n.Run == nil {
			return fmt.Errorf("workflow %s: node %q has no run function", g.Name, n.Name)
		}
		seen[n.Name] = true
	}

	for _, e := range g.Edges {
		if !seen[e.From] {
			return fmt.Errorf("workflow %s: edge from unknown node %q", g.Name, e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("workflow %s: edge to unknown node %q", g.Name, e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("workflow %s: node %q depends on itself", g.Name, e.From)
		}
	}

	if _, err := g.order(); err != nil {
		return err
	}
	return nil
}

// order returns the node names in execution order (Kahn's algorithm).
// Ties resolve in declaration order so runs are deterministic.
func (g *Graph) order() ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string)
	for _, n := range g.Nodes {
		inDegree[n.Name] = 0
	}
	for _, e := range g.Edges {
		inDegree[e.To]++
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	var queue []string
	for _, n := range g.Nodes {
		if inDegree[n.Name] == 0 {
			queue = append(queue, n.Name)
		}
	}

	var result []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		result = append(result, name)

		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(result) != len(g.Nodes) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("workflow %s: cycle involving %s", g.Name, strings.Join(stuck, ", "))
	}
	return result, nil
}

// Run executes the graph sequentially in topological order against st.
// The first node error aborts the run. After a node completes, every
// state field its outgoing edges declare must have been set.
func (g *Graph) Run(ctx context.Context, st *State) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if st == nil {
		st = NewState()
	}

	order, err := g.order()
	if err != nil {
		return err
	}

	nodes := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.Name] = n
	}

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		node := nodes[name]
		if err := node.Run(ctx, st); err != nil {
			return fmt.Errorf("workflow %s: node %s: %w", g.Name, name, err)
		}
		for _, e := range g.Edges {
			if e.From != name || e.Field == "" {
				continue
			}
			if !st.Has(e.Field) {
				return fmt.Errorf("workflow %s: node %s did not produce %q for %s", g.Name, name, e.Field, e.To)
			}
		}
	}
	return nil
}
