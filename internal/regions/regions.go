// Package regions turns detector output into pixel-space crops of a source image.
package regions

import (
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/glimpse/internal/types"
)

// ErrNoMatch means no box carried the target label. It is not fatal; callers decide.
var ErrNoMatch = errors.New("no detected region matches the target label")

// Extractor selects boxes by label and crops them.
type Extractor struct {
	// FoldCase makes label matching case-insensitive. Off by default: labels match exactly.
	FoldCase bool
}

// Extract crops every box whose detection label equals target, in detector order.
// Sequence numbers start at 1 for each call. Boxes are clamped to [0,1] before scaling, so every
// PixelBox lies inside img.Bounds(). Boxes that collapse to nothing after clamping are skipped.
func (e Extractor) Extract(img image.Image, detections []types.Detection, target string) ([]types.ExtractedRegion, error) {
	return e.ExtractFrom("", img, detections, target)
}

// ExtractFrom is Extract with the source reference recorded on each region.
func (e Extractor) ExtractFrom(source string, img image.Image, detections []types.Detection, target string) ([]types.ExtractedRegion, error) {
	bounds := img.Bounds()
	var out []types.ExtractedRegion
	seq := 0

	for _, d := range detections {
		if !e.matches(d.Label, target) {
			continue
		}
		for _, box := range d.Boxes {
			rect := PixelRect(box, bounds)
			if rect.Empty() {
				continue
			}
			seq++
			out = append(out, types.ExtractedRegion{
				Source:   source,
				Label:    d.Label,
				PixelBox: rect,
				Sequence: seq,
				Image:    imaging.Crop(img, rect),
			})
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoMatch, target)
	}
	return out, nil
}

func (e Extractor) matches(label, target string) bool {
	if e.FoldCase {
		return strings.EqualFold(label, target)
	}
	return label == target
}

// PixelRect converts a normalized box to a rectangle in bounds' coordinate space. Boxes with a
// negative extent map to the empty rectangle.
func PixelRect(box types.BoundingBox, bounds image.Rectangle) image.Rectangle {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())

	left := clamp01(box.Left)
	top := clamp01(box.Top)
	right := clamp01(box.Left + box.Width)
	bottom := clamp01(box.Top + box.Height)
	// image.Rect would swap the corners of an inverted box and crop the wrong side.
	if right < left || bottom < top {
		return image.Rectangle{}
	}

	r := image.Rect(
		bounds.Min.X+int(math.Round(left*w)),
		bounds.Min.Y+int(math.Round(top*h)),
		bounds.Min.X+int(math.Round(right*w)),
		bounds.Min.Y+int(math.Round(bottom*h)),
	)
	return r.Intersect(bounds)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FileName is the artifact name for a region: <stem>_<label>_<seq>.jpg
func FileName(r types.ExtractedRegion) string {
	stem := strings.TrimSuffix(filepath.Base(r.Source), filepath.Ext(r.Source))
	if stem == "" || stem == "." {
		stem = "region"
	}
	label := strings.ReplaceAll(strings.ToLower(r.Label), " ", "-")
	return fmt.Sprintf("%s_%s_%d.jpg", stem, label, r.Sequence)
}
