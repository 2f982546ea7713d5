package sfm

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// edgeSamples is the number of segments an edge arc is split into.
const edgeSamples = 16

// ViewDirection returns the optical axis of a view in world coordinates.
// The camera looks down its +Z axis, which is row 2 of the world-to-camera
// rotation.
func ViewDirection(r Rotation) r3.Vector {
	return r.Row(2).Normalize()
}

// directionLonLat maps a unit direction to (longitude, latitude) degrees.
func directionLonLat(d r3.Vector) orb.Point {
	ll := s2.LatLngFromPoint(s2.Point{Vector: d})
	return orb.Point{ll.Lng.Degrees(), ll.Lat.Degrees()}
}

// ViewDirectionsGeoJSON plots view directions on the unit sphere as
// longitude/latitude points, with every relative rotation joining two
// valid views drawn as a great-circle arc. Arc properties carry the edge
// weight, its residual in degrees and whether it is an inlier.
func ViewDirectionsGeoJSON(res *Result, rel RelativeRotations) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if res == nil {
		return fc
	}

	for v, r := range res.Rotations {
		if !isValid(res.Valid, v) {
			continue
		}
		f := geojson.NewFeature(directionLonLat(ViewDirection(r)))
		f.ID = v
		f.Properties["kind"] = "view"
		f.Properties["view"] = v
		f.Properties["reference"] = ViewID(v) == res.Reference
		f.Properties["angleDegrees"] = r.Angle() * 180 / math.Pi
		fc.Append(f)
	}

	for k, e := range rel {
		if int(e.I) >= len(res.Rotations) || int(e.J) >= len(res.Rotations) ||
			!isValid(res.Valid, int(e.I)) || !isValid(res.Valid, int(e.J)) {
			continue
		}
		f := geojson.NewFeature(edgeArc(res.Rotations[e.I], res.Rotations[e.J]))
		f.Properties["kind"] = "edge"
		f.Properties["index"] = k
		f.Properties["i"] = e.I
		f.Properties["j"] = e.J
		f.Properties["weight"] = e.Weight
		if k < len(res.Residuals) {
			f.Properties["residualDegrees"] = res.Residuals[k] * 180 / math.Pi
		}
		if k < len(res.Inliers) {
			f.Properties["inlier"] = res.Inliers[k]
		}
		fc.Append(f)
	}
	return fc
}

// edgeArc samples the great circle between two view directions.
func edgeArc(ri, rj Rotation) orb.LineString {
	a := s2.Point{Vector: ViewDirection(ri)}
	b := s2.Point{Vector: ViewDirection(rj)}

	ls := make(orb.LineString, 0, edgeSamples+1)
	for s := 0; s <= edgeSamples; s++ {
		p := s2.Interpolate(float64(s)/edgeSamples, a, b)
		ll := s2.LatLngFromPoint(p)
		pt := orb.Point{ll.Lng.Degrees(), ll.Lat.Degrees()}
		// unwrap longitude so arcs crossing the antimeridian stay continuous
		if n := len(ls); n > 0 {
			for pt[0]-ls[n-1][0] > 180 {
				pt[0] -= 360
			}
			for pt[0]-ls[n-1][0] < -180 {
				pt[0] += 360
			}
		}
		ls = append(ls, pt)
	}
	return ls
}

func isValid(valid []bool, v int) bool {
	return v < len(valid) && valid[v]
}
