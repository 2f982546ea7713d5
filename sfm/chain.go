package sfm

import "fmt"

// InitRotationsMST chains relative rotations along the tree outward from the
// reference view: R[ref] = I and R[child] = R_{parent→child} · R[parent].
// It returns one rotation per view id below numViews and a mask of the views
// that were reached.
func InitRotationsMST(tree *SpanningTree, numViews int, ref ViewID) ([]Rotation, []bool, error) {
	if int(ref) >= numViews {
		return nil, nil, fmt.Errorf("%w: %d is not below %d views", ErrInvalidReference, ref, numViews)
	}
	if !tree.Contains(ref) {
		return nil, nil, fmt.Errorf("%w: view %d is not observed by any relative rotation", ErrInvalidReference, ref)
	}

	for _, v := range tree.Views {
		if int(v) >= numViews {
			return nil, nil, fmt.Errorf("%w: view %d is not below %d views", ErrInvalidRelativeRotation, v, numViews)
		}
	}

	rs := make([]Rotation, numViews)
	for i := range rs {
		rs[i] = IdentityRotation()
	}
	reached := make([]bool, numViews)
	reached[ref] = true

	queue := []ViewID{ref}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range tree.Adjacency[parent] {
			if reached[child] {
				continue
			}
			rpc, ok := tree.Rotation(parent, child)
			if !ok {
				return nil, nil, fmt.Errorf("tree edge (%d,%d) has no relative rotation", parent, child)
			}
			rs[child] = rpc.Mul(rs[parent])
			reached[child] = true
			queue = append(queue, child)
		}
	}

	var unreached []ViewID
	for _, v := range tree.Views {
		if !reached[v] {
			unreached = append(unreached, v)
		}
	}
	if len(unreached) > 0 {
		return nil, nil, &UnreachableViewsError{Reference: ref, Views: unreached}
	}
	return rs, reached, nil
}
