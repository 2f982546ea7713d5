package sfm

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// GraphPalette holds the colors of a view graph plot.
type GraphPalette struct {
	Reference color.NRGBA
	View      color.NRGBA
	Inlier    color.NRGBA
	Outlier   color.NRGBA
}

// DefaultGraphPalette returns the standard plot colors.
func DefaultGraphPalette() GraphPalette {
	return GraphPalette{
		Reference: color.NRGBA{0, 0, 139, 255},     // dark blue
		View:      color.NRGBA{100, 149, 237, 255}, // cornflower blue
		Inlier:    color.NRGBA{0, 100, 0, 140},     // translucent dark green
		Outlier:   color.NRGBA{220, 20, 60, 255},   // crimson
	}
}

// nrgbaToRGBA premultiplies alpha, which canvas expects.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// ViewGraphRenderer draws the view graph in an equirectangular projection
// of view directions: views are dots, relative rotations are great-circle
// arcs colored by their inlier state.
type ViewGraphRenderer struct {
	Result      *Result
	Edges       RelativeRotations
	Palette     GraphPalette
	Scale       float64           // millimeters per degree
	Padding     float64           // degrees
	Resolution  canvas.Resolution // PNG resolution
	GridSpacing float64           // degrees; 0 disables the graticule
	ViewRadius  float64           // millimeters
	// SimplifyTolerance is the Douglas-Peucker tolerance applied to edge
	// arcs, in degrees; 0 keeps every sample.
	SimplifyTolerance float64
}

// NewViewGraphRenderer creates a renderer with default settings.
func NewViewGraphRenderer(res *Result, rel RelativeRotations) *ViewGraphRenderer {
	return &ViewGraphRenderer{
		Result:      res,
		Edges:       rel,
		Palette:     DefaultGraphPalette(),
		Scale:       2.0,
		Padding:     10.0,
		Resolution:  canvas.DPI(50),
		GridSpacing: 30.0,
		ViewRadius:  3.0,

		SimplifyTolerance: 0.05,
	}
}

// minArcLength is the shortest plotted edge arc, in degrees.
const minArcLength = 1e-6

// canvasRenderer is implemented by the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the plot as SVG.
func (r *ViewGraphRenderer) RenderToSVG(w io.Writer) error {
	fc, bound, err := r.prepare()
	if err != nil {
		return err
	}
	width, height := r.canvasSize(bound)
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, fc, bound, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the plot as PNG.
func (r *ViewGraphRenderer) RenderToPNG(w io.Writer) error {
	fc, bound, err := r.prepare()
	if err != nil {
		return err
	}
	width, height := r.canvasSize(bound)
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, fc, bound, width, height)
	return png.Encode(w, rast)
}

func (r *ViewGraphRenderer) prepare() (*geojson.FeatureCollection, orb.Bound, error) {
	if r.Result == nil || r.Result.NumViews() == 0 {
		return nil, orb.Bound{}, fmt.Errorf("no averaging result to render")
	}
	fc := ViewDirectionsGeoJSON(r.Result, r.Edges)
	if len(fc.Features) == 0 {
		return nil, orb.Bound{}, fmt.Errorf("no valid views to render")
	}

	geoms := make(orb.Collection, 0, len(fc.Features))
	for _, f := range fc.Features {
		geoms = append(geoms, f.Geometry)
	}
	return fc, geoms.Bound().Pad(r.Padding), nil
}

func (r *ViewGraphRenderer) canvasSize(b orb.Bound) (float64, float64) {
	return (b.Right() - b.Left()) * r.Scale, (b.Top() - b.Bottom()) * r.Scale
}

func (r *ViewGraphRenderer) renderToCanvas(renderer canvasRenderer, fc *geojson.FeatureCollection, b orb.Bound, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(p orb.Point) (float64, float64) {
		return (p.Lon() - b.Left()) * r.Scale, (p.Lat() - b.Bottom()) * r.Scale
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.3
		gridStyle.Dashes = []float64{1.0, 1.0}

		for lon := math.Ceil(b.Left()/r.GridSpacing) * r.GridSpacing; lon <= b.Right(); lon += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(toCanvas(orb.Point{lon, b.Bottom()}))
			gridPath.LineTo(toCanvas(orb.Point{lon, b.Top()}))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for lat := math.Ceil(b.Bottom()/r.GridSpacing) * r.GridSpacing; lat <= b.Top(); lat += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(toCanvas(orb.Point{b.Left(), lat}))
			gridPath.LineTo(toCanvas(orb.Point{b.Right(), lat}))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// edges below views, outliers on top of inliers
	for _, wantInlier := range []bool{true, false} {
		edgeStyle := canvas.DefaultStyle
		edgeStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		if wantInlier {
			edgeStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(r.Palette.Inlier)}
			edgeStyle.StrokeWidth = 0.4
		} else {
			edgeStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(r.Palette.Outlier)}
			edgeStyle.StrokeWidth = 0.8
		}

		for _, f := range fc.Features {
			ls, ok := f.Geometry.(orb.LineString)
			if !ok {
				continue
			}
			// edges of an unfiltered run count as inliers
			inlier, filtered := f.Properties["inlier"].(bool)
			if (!filtered || inlier) != wantInlier {
				continue
			}
			// views looking the same way have nothing to draw between them
			if planar.Length(ls) < minArcLength {
				continue
			}
			if r.SimplifyTolerance > 0 {
				if s, ok := simplify.DouglasPeucker(r.SimplifyTolerance).Simplify(ls.Clone()).(orb.LineString); ok {
					ls = s
				}
			}
			cp := &canvas.Path{}
			for i, p := range ls {
				if i == 0 {
					cp.MoveTo(toCanvas(p))
				} else {
					cp.LineTo(toCanvas(p))
				}
			}
			renderer.RenderPath(cp, edgeStyle, canvas.Identity)
		}
	}

	for _, f := range fc.Features {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		fill := r.Palette.View
		radius := r.ViewRadius
		if ref, _ := f.Properties["reference"].(bool); ref {
			fill = r.Palette.Reference
			radius *= 1.5
		}
		viewStyle := canvas.DefaultStyle
		viewStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(fill)}
		viewStyle.Stroke = canvas.Paint{Color: canvas.Black}
		viewStyle.StrokeWidth = 0.3

		cx, cy := toCanvas(p)
		renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), viewStyle, canvas.Identity)
	}
}
