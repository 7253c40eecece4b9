package render

import (
	"termcall/media"
	"termcall/term"
)

// Preview renders the local camera feed as a small half-block pane. Each cell
// packs two vertical pixels: the upper half block glyph takes the top pixel
// color as foreground and the bottom pixel color as background, doubling the
// effective vertical resolution. When truecolor is unavailable the ramp
// renderer is used instead, since half blocks degrade badly under 256-color
// quantization.
func Preview(f *media.Frame, cols, rows int, mode term.ColorMode) *term.Grid {
	if f == nil || !f.Valid() || cols <= 0 || rows <= 0 {
		return nil
	}
	if mode != term.ColorTrue {
		return Ascii(f, cols, rows)
	}

	g := term.NewGrid(cols, rows)
	// each cell covers two sampled rows, top and bottom half
	for row := 0; row < rows; row++ {
		yTop0 := (row * 2) * f.Height / (rows * 2)
		yTop1 := (row*2 + 1) * f.Height / (rows * 2)
		yBot1 := (row*2 + 2) * f.Height / (rows * 2)
		if yTop1 <= yTop0 {
			yTop1 = yTop0 + 1
		}
		if yBot1 <= yTop1 {
			yBot1 = yTop1 + 1
		}
		for col := 0; col < cols; col++ {
			x0 := col * f.Width / cols
			x1 := (col + 1) * f.Width / cols
			if x1 <= x0 {
				x1 = x0 + 1
			}
			tr, tg, tb := boxAverage(f, x0, yTop0, x1, yTop1)
			br, bg, bb := boxAverage(f, x0, yTop1, x1, yBot1)
			g.Set(col, row, term.Cell{
				Glyph: '▀',
				Fg:    term.RGB{R: tr, G: tg, B: tb},
				Bg:    term.RGB{R: br, G: bg, B: bb},
			})
		}
	}
	return g
}
