package render

import (
	"termcall/media"
	"termcall/term"
)

// luminanceRamp orders glyphs from empty to solid. A cell's glyph is chosen
// by the average luminance of the pixels it covers.
var luminanceRamp = []rune{' ', '░', '▒', '▓', '█'}

// Ascii converts an RGB frame into a character grid of the requested size
// using integer box sampling. The output is deterministic for a given frame
// and geometry.
func Ascii(f *media.Frame, cols, rows int) *term.Grid {
	if f == nil || !f.Valid() || cols <= 0 || rows <= 0 {
		return nil
	}

	g := term.NewGrid(cols, rows)
	for row := 0; row < rows; row++ {
		y0 := row * f.Height / rows
		y1 := (row + 1) * f.Height / rows
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for col := 0; col < cols; col++ {
			x0 := col * f.Width / cols
			x1 := (col + 1) * f.Width / cols
			if x1 <= x0 {
				x1 = x0 + 1
			}
			r, gc, b := boxAverage(f, x0, y0, x1, y1)
			lum := luminance(r, gc, b)
			ramp := luminanceRamp[int(lum)*len(luminanceRamp)/256]
			g.Set(col, row, term.Cell{
				Glyph: ramp,
				Fg:    term.RGB{R: r, G: gc, B: b},
			})
		}
	}
	return g
}

// boxAverage averages the RGB values of the pixel rectangle [x0,x1)x[y0,y1).
func boxAverage(f *media.Frame, x0, y0, x1, y1 int) (uint8, uint8, uint8) {
	if x1 > f.Width {
		x1 = f.Width
	}
	if y1 > f.Height {
		y1 = f.Height
	}
	var sumR, sumG, sumB, n int
	for y := y0; y < y1; y++ {
		base := y * f.Width * 3
		for x := x0; x < x1; x++ {
			i := base + x*3
			sumR += int(f.Data[i])
			sumG += int(f.Data[i+1])
			sumB += int(f.Data[i+2])
			n++
		}
	}
	if n == 0 {
		return 0, 0, 0
	}
	return uint8(sumR / n), uint8(sumG / n), uint8(sumB / n)
}

// luminance is the integer BT.601 weighting of an RGB triple.
func luminance(r, g, b uint8) uint8 {
	return uint8((299*int(r) + 587*int(g) + 114*int(b)) / 1000)
}

// FitSize scales a source aspect ratio into the available cell area,
// compensating for the roughly 1:2 width to height shape of terminal cells.
func FitSize(srcW, srcH, maxCols, maxRows int) (cols, rows int) {
	if srcW <= 0 || srcH <= 0 || maxCols <= 0 || maxRows <= 0 {
		return 0, 0
	}
	// one cell covers about twice as many pixels vertically as horizontally
	cols = maxCols
	rows = cols * srcH / (srcW * 2)
	if rows > maxRows {
		rows = maxRows
		cols = rows * srcW * 2 / srcH
		if cols > maxCols {
			cols = maxCols
		}
	}
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return cols, rows
}
