package sfm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/num/quat"
)

const (
	g2oVertexTag = "VERTEX_SE3:QUAT"
	g2oEdgeTag   = "EDGE_SE3:QUAT"
)

// G2OGraph is the rotation content of a g2o SE3 pose graph.
//
// g2o poses are camera-to-world, so a vertex stores Riᵀ and an edge from i
// to j stores the rotation of j in i's frame, Rijᵀ. Translations are
// written as zero and ignored on read.
type G2OGraph struct {
	Vertices map[ViewID]Rotation
	Edges    RelativeRotations
}

// NewG2OGraph builds a graph from global rotations (valid may be nil to
// keep every slot) and relative rotations.
func NewG2OGraph(rs []Rotation, valid []bool, rel RelativeRotations) *G2OGraph {
	g := &G2OGraph{Vertices: make(map[ViewID]Rotation, len(rs)), Edges: rel}
	for v, r := range rs {
		if valid == nil || valid[v] {
			g.Vertices[ViewID(v)] = r
		}
	}
	return g
}

// Rotations returns the vertex rotations as a slice indexed by view id and
// the mask of ids present in the graph.
func (g *G2OGraph) Rotations() ([]Rotation, []bool) {
	n := 0
	for v := range g.Vertices {
		n = max(n, int(v)+1)
	}
	rs := make([]Rotation, n)
	valid := make([]bool, n)
	for i := range rs {
		rs[i] = IdentityRotation()
	}
	for v, r := range g.Vertices {
		rs[v] = r
		valid[v] = true
	}
	return rs, valid
}

// ReadG2OFile reads a g2o pose graph file.
func ReadG2OFile(path string) (*G2OGraph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening g2o file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadG2O(f)
}

// ReadG2O parses VERTEX_SE3:QUAT and EDGE_SE3:QUAT records. Other records
// are skipped. Edge weights are the mean of the rotational diagonal of the
// information matrix, 1 when it is absent.
func ReadG2O(r io.Reader) (*G2OGraph, error) {
	g := &G2OGraph{Vertices: make(map[ViewID]Rotation)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case g2oVertexTag:
			if len(fields) < 9 {
				return nil, fmt.Errorf("g2o line %d: vertex needs 8 values, got %d", line, len(fields)-1)
			}
			id, err := parseViewID(fields[1])
			if err != nil {
				return nil, fmt.Errorf("g2o line %d: %w", line, err)
			}
			rot, err := parseG2OQuat(fields[5:9])
			if err != nil {
				return nil, fmt.Errorf("g2o line %d: %w", line, err)
			}
			g.Vertices[id] = rot.Transpose()

		case g2oEdgeTag:
			if len(fields) < 10 {
				return nil, fmt.Errorf("g2o line %d: edge needs at least 9 values, got %d", line, len(fields)-1)
			}
			i, err := parseViewID(fields[1])
			if err != nil {
				return nil, fmt.Errorf("g2o line %d: %w", line, err)
			}
			j, err := parseViewID(fields[2])
			if err != nil {
				return nil, fmt.Errorf("g2o line %d: %w", line, err)
			}
			rot, err := parseG2OQuat(fields[6:10])
			if err != nil {
				return nil, fmt.Errorf("g2o line %d: %w", line, err)
			}
			weight := 1.0
			if len(fields) >= 31 {
				if weight, err = g2oRotationWeight(fields[10:31]); err != nil {
					return nil, fmt.Errorf("g2o line %d: %w", line, err)
				}
			}
			g.Edges = append(g.Edges, RelativeRotation{I: i, J: j, R: rot.Transpose(), Weight: weight})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading g2o: %w", err)
	}
	return g, nil
}

// WriteG2OFile writes the graph to path.
func WriteG2OFile(path string, g *G2OGraph) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating g2o file: %w", err)
	}
	if err := WriteG2O(f, g); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing g2o file: %w", err)
	}
	return nil
}

// WriteG2O writes vertices in ascending id order followed by the edges.
func WriteG2O(w io.Writer, g *G2OGraph) error {
	bw := bufio.NewWriter(w)
	ids := make([]ViewID, 0, len(g.Vertices))
	for v := range g.Vertices {
		ids = append(ids, v)
	}
	slices.Sort(ids)

	for _, v := range ids {
		q := g.Vertices[v].Transpose().Quaternion()
		fmt.Fprintf(bw, "%s %d 0 0 0 %s\n", g2oVertexTag, v, formatG2OQuat(q))
	}
	for _, e := range g.Edges {
		q := e.R.Transpose().Quaternion()
		fmt.Fprintf(bw, "%s %d %d 0 0 0 %s %s\n", g2oEdgeTag, e.I, e.J, formatG2OQuat(q), formatG2OInfo(e.Weight))
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing g2o: %w", err)
	}
	return nil
}

func parseViewID(s string) (ViewID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid view id %q: %w", s, err)
	}
	return ViewID(v), nil
}

// parseG2OQuat reads qx qy qz qw.
func parseG2OQuat(fields []string) (Rotation, error) {
	var v [4]float64
	for k, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Rotation{}, fmt.Errorf("invalid quaternion component %q: %w", f, err)
		}
		v[k] = x
	}
	return RotationFromQuaternion(quat.Number{Real: v[3], Imag: v[0], Jmag: v[1], Kmag: v[2]})
}

func formatG2OQuat(q quat.Number) string {
	// keep the scalar part non-negative so output is canonical
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return strings.Join([]string{
		strconv.FormatFloat(q.Imag, 'g', 17, 64),
		strconv.FormatFloat(q.Jmag, 'g', 17, 64),
		strconv.FormatFloat(q.Kmag, 'g', 17, 64),
		strconv.FormatFloat(q.Real, 'g', 17, 64),
	}, " ")
}

// g2oInfoDiagonal lists the diagonal positions of the row-major upper
// triangle of a 6x6 information matrix.
var g2oInfoDiagonal = [6]int{0, 6, 11, 15, 18, 20}

func g2oRotationWeight(info []string) (float64, error) {
	var sum float64
	for _, idx := range g2oInfoDiagonal[3:] {
		v, err := strconv.ParseFloat(info[idx], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid information value %q: %w", info[idx], err)
		}
		sum += v
	}
	return sum / 3, nil
}

func formatG2OInfo(weight float64) string {
	vals := make([]string, 21)
	for k := range vals {
		vals[k] = "0"
	}
	for n, idx := range g2oInfoDiagonal {
		if n < 3 {
			vals[idx] = "1"
		} else {
			vals[idx] = strconv.FormatFloat(weight, 'g', -1, 64)
		}
	}
	return strings.Join(vals, " ")
}
