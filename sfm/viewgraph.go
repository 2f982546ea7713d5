package sfm

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

type viewPair struct {
	from, to ViewID
}

// SpanningTree is the maximum-confidence spanning forest of a view graph
// together with the two-way relative rotation lookup of all observed pairs.
type SpanningTree struct {
	// Views lists every observed view in ascending order.
	Views []ViewID
	// Adjacency holds the tree neighbours of each view, ascending.
	Adjacency map[ViewID][]ViewID

	rotations map[viewPair]Rotation
	edges     int
}

// EdgeCount returns the number of tree edges.
func (t *SpanningTree) EdgeCount() int {
	return t.edges
}

// Contains reports whether v is observed by some relative rotation.
func (t *SpanningTree) Contains(v ViewID) bool {
	_, ok := t.Adjacency[v]
	return ok
}

// Rotation returns the rotation carrying view from's frame into view to's.
// Parallel observations of a pair resolve to the strongest one.
func (t *SpanningTree) Rotation(from, to ViewID) (Rotation, bool) {
	r, ok := t.rotations[viewPair{from, to}]
	return r, ok
}

// orderedViewGraph iterates its edges in insertion order so Kruskal sees the
// same input on every run.
type orderedViewGraph struct {
	*simple.WeightedUndirectedGraph
	edges []graph.WeightedEdge
}

func (g *orderedViewGraph) WeightedEdges() graph.WeightedEdges {
	return iterator.NewOrderedWeightedEdges(g.edges)
}

// FindMaximumSpanningTree builds the view graph of rel and extracts its
// maximum-weight spanning forest (Kruskal on negated confidences).
func FindMaximumSpanningTree(rel RelativeRotations) (*SpanningTree, error) {
	if len(rel) == 0 {
		return nil, fmt.Errorf("spanning tree: %w", ErrEmptyInput)
	}

	strongest := make(map[viewPair]int, len(rel))
	for idx, r := range rel {
		if r.I == r.J {
			return nil, fmt.Errorf("spanning tree: %w: self loop on view %d", ErrInvalidRelativeRotation, r.I)
		}
		key := unorderedPair(r.I, r.J)
		if prev, ok := strongest[key]; ok && rel[prev].Weight >= r.Weight {
			continue
		}
		strongest[key] = idx
	}

	g := &orderedViewGraph{
		WeightedUndirectedGraph: simple.NewWeightedUndirectedGraph(0, math.Inf(1)),
		edges:                   make([]graph.WeightedEdge, 0, len(strongest)),
	}
	rotations := make(map[viewPair]Rotation, 2*len(strongest))
	added := make(map[viewPair]bool, len(strongest))
	for _, r := range rel {
		key := unorderedPair(r.I, r.J)
		if added[key] {
			continue
		}
		added[key] = true

		s := rel[strongest[key]]
		e := simple.WeightedEdge{F: simple.Node(s.I), T: simple.Node(s.J), W: -s.Weight}
		g.SetWeightedEdge(e)
		g.edges = append(g.edges, e)

		rotations[viewPair{s.I, s.J}] = s.R
		rotations[viewPair{s.J, s.I}] = s.R.Transpose()
	}

	mst := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	path.Kruskal(mst, g)

	tree := &SpanningTree{
		Adjacency: make(map[ViewID][]ViewID, g.Nodes().Len()),
		rotations: rotations,
	}
	nodes := g.Nodes()
	for nodes.Next() {
		v := ViewID(nodes.Node().ID())
		tree.Views = append(tree.Views, v)
		tree.Adjacency[v] = nil
	}
	slices.Sort(tree.Views)

	edges := mst.WeightedEdges()
	for edges.Next() {
		e := edges.WeightedEdge()
		a, b := ViewID(e.From().ID()), ViewID(e.To().ID())
		tree.Adjacency[a] = append(tree.Adjacency[a], b)
		tree.Adjacency[b] = append(tree.Adjacency[b], a)
		tree.edges++
	}
	for v := range tree.Adjacency {
		slices.Sort(tree.Adjacency[v])
	}
	return tree, nil
}

func unorderedPair(a, b ViewID) viewPair {
	if a > b {
		a, b = b, a
	}
	return viewPair{a, b}
}
