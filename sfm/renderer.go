package sfm

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// HistogramRenderer draws the distribution of edge residuals, with the
// outlier threshold marked.
type HistogramRenderer struct {
	Width   int
	Height  int
	Bins    int
	Padding int
	Palette GraphPalette
}

// NewHistogramRenderer creates a renderer with default settings.
func NewHistogramRenderer() *HistogramRenderer {
	return &HistogramRenderer{
		Width:   640,
		Height:  360,
		Bins:    36,
		Padding: 40,
		Palette: DefaultGraphPalette(),
	}
}

// histogram bins residuals (degrees) on [0, upper).
func histogram(residualsDeg []float64, bins int, upper float64) []int {
	counts := make([]int, bins)
	for _, r := range residualsDeg {
		b := int(r / upper * float64(bins))
		counts[min(max(b, 0), bins-1)]++
	}
	return counts
}

// Render draws the residual histogram of res.
func (h *HistogramRenderer) Render(res *Result) (*image.RGBA, error) {
	if res == nil || len(res.Residuals) == 0 {
		return nil, fmt.Errorf("no residuals to render")
	}

	deg := make([]float64, len(res.Residuals))
	maxDeg := 0.0
	for k, r := range res.Residuals {
		deg[k] = r * 180 / math.Pi
		maxDeg = math.Max(maxDeg, deg[k])
	}
	thresholdDeg := res.Threshold * 180 / math.Pi
	upper := math.Max(maxDeg, 2*thresholdDeg)
	if upper <= 0 {
		upper = 1
	}
	upper *= 1.0001 // keep the largest residual inside the last bin

	counts := histogram(deg, h.Bins, upper)
	peak := 1
	for _, c := range counts {
		peak = max(peak, c)
	}

	img := image.NewRGBA(image.Rect(0, 0, h.Width, h.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	plotW := h.Width - 2*h.Padding
	plotH := h.Height - 2*h.Padding
	barW := max(plotW/h.Bins, 1)
	baseline := h.Height - h.Padding

	inlier := color.NRGBA{h.Palette.Inlier.R, h.Palette.Inlier.G, h.Palette.Inlier.B, 255}
	for b, c := range counts {
		if c == 0 {
			continue
		}
		x0 := h.Padding + b*barW
		barH := c * plotH / peak
		fill := inlier
		binStart := float64(b) * upper / float64(h.Bins)
		if res.Threshold > 0 && binStart >= thresholdDeg {
			fill = h.Palette.Outlier
		}
		draw.Draw(img, image.Rect(x0, baseline-barH, x0+barW-1, baseline), image.NewUniform(fill), image.Point{}, draw.Src)
	}

	axis := color.RGBA{0, 0, 0, 255}
	draw.Draw(img, image.Rect(h.Padding, baseline, h.Padding+plotW, baseline+1), image.NewUniform(axis), image.Point{}, draw.Src)

	if res.Threshold > 0 {
		x := h.Padding + int(thresholdDeg/upper*float64(barW*h.Bins))
		for y := h.Padding; y < baseline; y += 4 {
			draw.Draw(img, image.Rect(x, y, x+1, y+2), image.NewUniform(h.Palette.Reference), image.Point{}, draw.Src)
		}
		drawText(img, x+4, h.Padding+12, fmt.Sprintf("threshold %.2f deg", thresholdDeg), axis)
	}

	drawText(img, h.Padding, baseline+16, "0", axis)
	drawText(img, h.Padding+plotW-60, baseline+16, fmt.Sprintf("%.1f deg", upper), axis)
	drawText(img, h.Padding, h.Padding-12,
		fmt.Sprintf("%d edges, %d inliers, peak %d", len(deg), res.InlierCount, peak), axis)
	return img, nil
}

// WritePNG renders the histogram of res as PNG to w.
func (h *HistogramRenderer) WritePNG(w io.Writer, res *Result) error {
	img, err := h.Render(res)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// SavePNG renders the histogram of res to a PNG file.
func (h *HistogramRenderer) SavePNG(path string, res *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := h.WritePNG(f, res); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
