package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func noop(ctx context.Context, st *State) error { return nil }

func TestGraphValidate(t *testing.T) {
	tests := []struct {
		name    string
		graph   Graph
		wantErr string
	}{
		{
			name: "valid chain",
			graph: Graph{
				Name:  "chain",
				Nodes: []Node{{Name: "a", Run: noop}, {Name: "b", Run: noop}},
				Edges: []Edge{{From: "a", To: "b"}},
			},
		},
		{
			name: "duplicate node",
			graph: Graph{
				Name:  "dup",
				Nodes: []Node{{Name: "a", Run: noop}, {Name: "a", Run: noop}},
			},
			wantErr: `duplicate node "a"`,
		},
		{
			name: "missing run function",
			graph: Graph{
				Name:  "norun",
				Nodes: []Node{{Name: "a"}},
			},
			wantErr: "no run function",
		},
		{
			name: "edge from unknown node",
			graph: Graph{
				Name:  "unknown-from",
				Nodes: []Node{{Name: "a", Run: noop}},
				Edges: []Edge{{From: "x", To: "a"}},
			},
			wantErr: `edge from unknown node "x"`,
		},
		{
			name: "edge to unknown node",
			graph: Graph{
				Name:  "unknown-to",
				Nodes: []Node{{Name: "a", Run: noop}},
				Edges: []Edge{{From: "a", To: "x"}},
			},
			wantErr: `edge to unknown node "x"`,
		},
		{
			name: "self edge",
			graph: Graph{
				Name:  "self",
				Nodes: []Node{{Name: "a", Run: noop}},
				Edges: []Edge{{From: "a", To: "a"}},
			},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			graph: Graph{
				Name:  "cycle",
				Nodes: []Node{{Name: "a", Run: noop}, {Name: "b", Run: noop}, {Name: "c", Run: noop}},
				Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"}},
			},
			wantErr: "cycle involving",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.graph.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGraphRun_TopologicalOrder(t *testing.T) {
	var order []string
	record := func(name string) func(context.Context, *State) error {
		return func(ctx context.Context, st *State) error {
			order = append(order, name)
			return nil
		}
	}

	// Diamond: a fans out to b and c, both join into d.
	g := Graph{
		Name: "diamond",
		Nodes: []Node{
			{Name: "a", Run: record("a")},
			{Name: "b", Run: record("b")},
			{Name: "c", Run: record("c")},
			{Name: "d", Run: record("d")},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	}

	if err := g.Run(context.Background(), NewState()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	if len(order) != len(want) {
		t.Fatalf("ran %d nodes, want %d (%v)", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q (full order %v)", i, order[i], want[i], order)
		}
	}
}

func TestGraphRun_FirstErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	var ran []string
	g := Graph{
		Name: "abort",
		Nodes: []Node{
			{Name: "a", Run: func(ctx context.Context, st *State) error {
				ran = append(ran, "a")
				return nil
			}},
			{Name: "b", Run: func(ctx context.Context, st *State) error {
				ran = append(ran, "b")
				return boom
			}},
			{Name: "c", Run: func(ctx context.Context, st *State) error {
				ran = append(ran, "c")
				return nil
			}},
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}

	err := g.Run(context.Background(), NewState())
	if !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want wrapped boom", err)
	}
	if len(ran) != 2 {
		t.Errorf("ran %v, want a and b only", ran)
	}
}

func TestGraphRun_EdgeFieldChecked(t *testing.T) {
	g := Graph{
		Name: "handoff",
		Nodes: []Node{
			{Name: "produce", Run: func(ctx context.Context, st *State) error {
				st.Set("epi_path", "/tmp/epi.nii.gz")
				return nil
			}},
			{Name: "consume", Run: func(ctx context.Context, st *State) error {
				if st.Path("epi_path") == "" {
					return errors.New("epi_path not handed over")
				}
				return nil
			}},
		},
		Edges: []Edge{{From: "produce", To: "consume", Field: "epi_path"}},
	}
	if err := g.Run(context.Background(), NewState()); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	// Producer that forgets to set the declared field fails the run.
	g.Nodes[0].Run = func(ctx context.Context, st *State) error { return nil }
	err := g.Run(context.Background(), NewState())
	if err == nil || !strings.Contains(err.Error(), `did not produce "epi_path"`) {
		t.Errorf("Run() = %v, want missing-field error", err)
	}
}

func TestGraphRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := Graph{
		Name:  "cancelled",
		Nodes: []Node{{Name: "a", Run: noop}},
	}
	if err := g.Run(ctx, NewState()); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestState(t *testing.T) {
	st := NewState()
	st.Set("path", "/data/sub-01")
	st.Set("count", 3)

	if got := st.Path("path"); got != "/data/sub-01" {
		t.Errorf("Path() = %q, want /data/sub-01", got)
	}
	if got := st.Int("count"); got != 3 {
		t.Errorf("Int() = %d, want 3", got)
	}
	if st.Path("missing") != "" {
		t.Error("Path(missing) should be empty")
	}
	if st.Has("missing") {
		t.Error("Has(missing) = true, want false")
	}
}
