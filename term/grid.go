// Package term owns the character screen: the cell grid model, the diffing
// compositor and the raw ANSI output path.
package term

// RGB is a terminal cell color.
type RGB struct {
	R, G, B uint8
}

// Cell is one character cell: glyph plus foreground and background color.
type Cell struct {
	Glyph rune
	Fg    RGB
	Bg    RGB
}

var blankCell = Cell{Glyph: ' '}

// Grid is an ordered 2-D field of cells addressed as (col, row), zero-based.
type Grid struct {
	Cols, Rows int
	cells      []Cell
}

// NewGrid allocates a blank grid.
func NewGrid(cols, rows int) *Grid {
	if cols < 0 {
		cols = 0
	}
	if rows < 0 {
		rows = 0
	}
	g := &Grid{Cols: cols, Rows: rows, cells: make([]Cell, cols*rows)}
	g.Clear()
	return g
}

// Clear resets every cell to a blank.
func (g *Grid) Clear() {
	for i := range g.cells {
		g.cells[i] = blankCell
	}
}

// At returns the cell at (col, row); out-of-bounds reads return a blank.
func (g *Grid) At(col, row int) Cell {
	if col < 0 || row < 0 || col >= g.Cols || row >= g.Rows {
		return blankCell
	}
	return g.cells[row*g.Cols+col]
}

// Set writes the cell at (col, row); out-of-bounds writes are dropped.
func (g *Grid) Set(col, row int, c Cell) {
	if col < 0 || row < 0 || col >= g.Cols || row >= g.Rows {
		return
	}
	g.cells[row*g.Cols+col] = c
}

// Blit copies src onto g with its top-left corner at (col, row), clipping at
// the edges.
func (g *Grid) Blit(src *Grid, col, row int) {
	if src == nil {
		return
	}
	for r := 0; r < src.Rows; r++ {
		for c := 0; c < src.Cols; c++ {
			g.Set(col+c, row+r, src.At(c, r))
		}
	}
}

// WriteString stamps text starting at (col, row) with the given colors.
func (g *Grid) WriteString(col, row int, text string, fg, bg RGB) {
	for i, r := range []rune(text) {
		g.Set(col+i, row, Cell{Glyph: r, Fg: fg, Bg: bg})
	}
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	out := &Grid{Cols: g.Cols, Rows: g.Rows, cells: make([]Cell, len(g.cells))}
	copy(out.cells, g.cells)
	return out
}

// Equal reports whether both grids have identical geometry and cells.
func (g *Grid) Equal(other *Grid) bool {
	if other == nil || g.Cols != other.Cols || g.Rows != other.Rows {
		return false
	}
	for i := range g.cells {
		if g.cells[i] != other.cells[i] {
			return false
		}
	}
	return true
}
