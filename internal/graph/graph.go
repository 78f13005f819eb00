// Package graph builds the hazard and control dependency graph over a
// resolved operation list. Hazard edges come from an ordered-pair scan
// of declared footprints (write/write and read-then-write only; a read
// after a write is not an ordering hazard here because batches merge
// writes atomically). Control edges come from explicit sequencing and
// branch constructs; every branch reconvergence gets a synthetic join
// node with an empty footprint.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/op"
	"github.com/covenant-engine/covenant/internal/state"
)

// EdgeKind is the closed set of dependency edge kinds.
type EdgeKind string

const (
	EdgeWAW     EdgeKind = "waw"
	EdgeWAR     EdgeKind = "war"
	EdgeControl EdgeKind = "control"
)

// Edge orders From before To.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// Control is a sealed explicit-ordering construct: Seq or Branch.
type Control interface {
	control()
}

// Seq orders one operation strictly before another.
type Seq struct {
	Before string
	After  string
}

func (Seq) control() {}

// Branch declares parallel arms that reconverge. Each arm is an
// ordered list of op IDs; consecutive arm members are sequenced, and
// every arm tail feeds the synthetic join node.
type Branch struct {
	Arms [][]string
}

func (Branch) control() {}

// ErrCycle reports that the combined hazard+control relation is not a
// partial order. Members lists every node on or downstream of a cycle,
// sorted. Nothing else about the graph is exposed once a cycle exists.
type ErrCycle struct {
	Members []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("dependency cycle involving %d node(s): %s",
		len(e.Members), strings.Join(e.Members, ", "))
}

// IsCycle reports whether err is (or wraps) an ErrCycle.
func IsCycle(err error) bool {
	var ce *ErrCycle
	return errors.As(err, &ce)
}

// Graph is the immutable build result. Order is the canonical
// topological order (Kahn, ready-set tie-break byte-lexicographic on
// op ID).
type Graph struct {
	nodes map[string]op.Operation
	order []string
	edges []Edge
	preds map[string][]string
	succs map[string][]string
}

// Build constructs the graph. Duplicated op IDs and controls that
// reference unknown ops are rejected; a cycle yields *ErrCycle.
func Build(ops []op.Operation, controls []Control) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]op.Operation, len(ops)),
		preds: make(map[string][]string),
		succs: make(map[string][]string),
	}

	for _, o := range ops {
		if _, dup := g.nodes[o.ID]; dup {
			return nil, fmt.Errorf("duplicate op id %s", o.ID)
		}
		g.nodes[o.ID] = o
	}

	g.hazardScan(ops)

	if err := g.applyControls(controls); err != nil {
		return nil, err
	}

	order, err := g.toposort()
	if err != nil {
		return nil, err
	}
	g.order = order

	sortEdges(g.edges)
	return g, nil
}

// hazardScan adds WAW and WAR edges for every ordered pair in program
// order. RAW pairs are deliberately not edges.
func (g *Graph) hazardScan(ops []op.Operation) {
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			earlier, later := ops[i], ops[j]
			if fieldSetsIntersect(earlier.Writes, later.Writes) {
				g.addEdge(Edge{From: earlier.ID, To: later.ID, Kind: EdgeWAW})
			}
			if fieldSetsIntersect(earlier.Reads, later.Writes) {
				g.addEdge(Edge{From: earlier.ID, To: later.ID, Kind: EdgeWAR})
			}
		}
	}
}

func (g *Graph) applyControls(controls []Control) error {
	for i, c := range controls {
		switch ctl := c.(type) {
		case Seq:
			if err := g.checkNode(ctl.Before); err != nil {
				return fmt.Errorf("control %d: %w", i, err)
			}
			if err := g.checkNode(ctl.After); err != nil {
				return fmt.Errorf("control %d: %w", i, err)
			}
			g.addEdge(Edge{From: ctl.Before, To: ctl.After, Kind: EdgeControl})

		case Branch:
			if len(ctl.Arms) == 0 {
				return fmt.Errorf("control %d: branch with no arms", i)
			}
			tails := make([]string, 0, len(ctl.Arms))
			for a, arm := range ctl.Arms {
				if len(arm) == 0 {
					return fmt.Errorf("control %d: arm %d is empty", i, a)
				}
				for k, id := range arm {
					if err := g.checkNode(id); err != nil {
						return fmt.Errorf("control %d arm %d: %w", i, a, err)
					}
					if k > 0 {
						g.addEdge(Edge{From: arm[k-1], To: id, Kind: EdgeControl})
					}
				}
				tails = append(tails, arm[len(arm)-1])
			}
			sort.Strings(tails)

			join, err := op.JoinOp(tails)
			if err != nil {
				return fmt.Errorf("control %d: %w", i, err)
			}
			if _, exists := g.nodes[join.ID]; !exists {
				g.nodes[join.ID] = join
			}
			for _, tail := range tails {
				g.addEdge(Edge{From: tail, To: join.ID, Kind: EdgeControl})
			}

		default:
			return fmt.Errorf("control %d: unknown construct %T", i, c)
		}
	}
	return nil
}

func (g *Graph) checkNode(id string) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("control references unknown op %s", id)
	}
	return nil
}

func (g *Graph) addEdge(e Edge) {
	// Parallel edges of the same kind are idempotent.
	for _, have := range g.edges {
		if have == e {
			return
		}
	}
	g.edges = append(g.edges, e)
	g.succs[e.From] = appendUnique(g.succs[e.From], e.To)
	g.preds[e.To] = appendUnique(g.preds[e.To], e.From)
}

func appendUnique(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}

// toposort runs Kahn's algorithm. The ready set is kept sorted so the
// emitted order is canonical for a given edge relation.
func (g *Graph) toposort() ([]string, error) {
	indeg := g.InDegrees()

	ready := make([]string, 0, len(g.nodes))
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := make([]string, 0)
		for _, succ := range g.succs[id] {
			indeg[succ]--
			if indeg[succ] == 0 {
				released = append(released, succ)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.nodes) {
		members := make([]string, 0, len(g.nodes)-len(order))
		for id, d := range indeg {
			if d > 0 {
				members = append(members, id)
			}
		}
		sort.Strings(members)
		return nil, &ErrCycle{Members: members}
	}
	return order, nil
}

// Order returns the canonical topological order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Node returns the operation for id.
func (g *Graph) Node(id string) (op.Operation, bool) {
	o, ok := g.nodes[id]
	return o, ok
}

// Len returns the node count including synthetic joins.
func (g *Graph) Len() int { return len(g.nodes) }

// Edges returns all edges sorted by (from, to, kind).
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Predecessors returns the sorted direct predecessors of id.
func (g *Graph) Predecessors(id string) []string {
	return sortedCopy(g.preds[id])
}

// Successors returns the sorted direct successors of id.
func (g *Graph) Successors(id string) []string {
	return sortedCopy(g.succs[id])
}

// InDegrees returns the in-degree of every node.
func (g *Graph) InDegrees() map[string]int {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.preds[id])
	}
	return indeg
}

func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Kind < edges[j].Kind
	})
}

// Digest returns the content hash of the graph: sorted nodes (with
// footprints) plus sorted edges.
func (g *Graph) Digest() (string, error) {
	nodeIDs := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	nodes := make(canon.Array, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		o := g.nodes[id]
		nodes = append(nodes, canon.Object{
			"id":     canon.String(o.ID),
			"reads":  fieldIDsToArray(o.Reads),
			"writes": fieldIDsToArray(o.Writes),
			"join":   canon.Bool(o.Join),
		})
	}

	edges := make(canon.Array, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, canon.Object{
			"from": canon.String(e.From),
			"to":   canon.String(e.To),
			"kind": canon.String(string(e.Kind)),
		})
	}

	return canon.HashValue(canon.DomainGraph, canon.Object{
		"nodes": nodes,
		"edges": edges,
	})
}

func fieldIDsToArray(ids []state.FieldID) canon.Array {
	arr := make(canon.Array, len(ids))
	for i, id := range ids {
		arr[i] = canon.String(id)
	}
	return arr
}

func fieldSetsIntersect(a, b []state.FieldID) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return true
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return false
}
