package task

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

// Palette of the split heatmap, indexed by colour.
var Palette = []color.RGBA{
	Unused:     {0xff, 0xff, 0xff, 0xff},
	Train:      {0x1f, 0x4e, 0xb4, 0xff},
	Validation: {0xf2, 0xc8, 0x1d, 0xff},
	Test:       {0xc8, 0x22, 0x1e, 0xff},
}

// RenderSplitImage draws rows as a PNG heatmap, one band per split. Sizes
// scale with dpi; wide tasks are binned so the image stays at most 8 inches
// wide, each pixel column showing the highest colour of its bin.
func RenderSplitImage(rows [][]int32, dpi int) ([]byte, error) {
	if dpi <= 0 {
		dpi = 50
	}
	n := 0
	for _, r := range rows {
		if len(r) > n {
			n = len(r)
		}
	}
	band := dpi / 5
	if band < 2 {
		band = 2
	}
	cell := dpi / 50
	if cell < 1 {
		cell = 1
	}
	width := n * cell
	if limit := 8 * dpi; width > limit {
		width = limit
	}
	if width == 0 {
		width = 1
	}
	height := band * len(rows)
	if height == 0 {
		height = band
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, Palette[Unused])
		}
	}
	for s, row := range rows {
		for x := 0; x < width; x++ {
			lo, hi := x*n/width, (x+1)*n/width
			if hi <= lo {
				hi = lo + 1
			}
			c := Unused
			for i := lo; i < hi && i < len(row); i++ {
				if row[i] > c && int(row[i]) < len(Palette) {
					c = row[i]
				}
			}
			for y := s * band; y < (s+1)*band; y++ {
				img.SetRGBA(x, y, Palette[c])
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
