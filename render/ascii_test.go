package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termcall/media"
	"termcall/term"
)

// gradientFrame builds a frame whose luminance rises left to right.
func gradientFrame(w, h int) *media.Frame {
	f := &media.Frame{Width: w, Height: h, Data: make([]byte, w*h*3)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte(x * 255 / (w - 1))
			i := (y*w + x) * 3
			f.Data[i], f.Data[i+1], f.Data[i+2] = v, v, v
		}
	}
	return f
}

func TestAsciiDeterministic(t *testing.T) {
	f := gradientFrame(64, 48)

	a := Ascii(f, 32, 12)
	b := Ascii(f, 32, 12)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.True(t, a.Equal(b), "same frame and geometry must render identically")
}

func TestAsciiLuminanceOrdering(t *testing.T) {
	f := gradientFrame(64, 8)
	g := Ascii(f, 16, 2)
	require.NotNil(t, g)

	// darkest column renders emptier than the brightest one
	left := g.At(0, 0).Glyph
	right := g.At(15, 0).Glyph
	assert.Equal(t, ' ', left)
	assert.Equal(t, '█', right)
}

func TestAsciiRejectsBadInput(t *testing.T) {
	assert.Nil(t, Ascii(nil, 10, 10))
	assert.Nil(t, Ascii(&media.Frame{}, 10, 10))
	assert.Nil(t, Ascii(gradientFrame(8, 8), 0, 10))
}

func TestFitSizePreservesAspect(t *testing.T) {
	cases := []struct {
		name                 string
		srcW, srcH           int
		maxCols, maxRows     int
		wantCols, wantRows   int
	}{
		{"wide terminal", 352, 288, 200, 50, 122, 50},
		{"narrow terminal", 352, 288, 40, 100, 40, 16},
		{"degenerate", 0, 0, 80, 24, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cols, rows := FitSize(tc.srcW, tc.srcH, tc.maxCols, tc.maxRows)
			assert.Equal(t, tc.wantCols, cols)
			assert.Equal(t, tc.wantRows, rows)
			assert.LessOrEqual(t, cols, tc.maxCols)
			assert.LessOrEqual(t, rows, tc.maxRows)
		})
	}
}

func TestPreviewHalfBlocks(t *testing.T) {
	f := gradientFrame(32, 32)
	g := Preview(f, 8, 4, term.ColorTrue)
	require.NotNil(t, g)
	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Cols; col++ {
			assert.Equal(t, '▀', g.At(col, row).Glyph)
		}
	}
}

func TestPreviewFallsBackWithoutTruecolor(t *testing.T) {
	f := gradientFrame(32, 32)
	g := Preview(f, 8, 4, term.Color256)
	require.NotNil(t, g)
	// ramp glyphs, not half blocks
	assert.NotEqual(t, '▀', g.At(0, 0).Glyph)
}
