package term

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// resizePollInterval bounds how quickly the compositor notices a resize.
	resizePollInterval = 50 * time.Millisecond

	statusRows = 1

	// previewScale divides the screen dimensions to size the corner preview.
	previewScale = 4
)

// Overlay is the status information drawn over the composed screen.
type Overlay struct {
	PeerName   string
	StateLabel string
	Duration   time.Duration
	AudioMuted bool
	VideoMuted bool

	// Status replaces the whole screen with a centered message while no
	// frames are available (dialing, ringing, errors).
	Status string
}

// Compositor owns the authoritative on-screen grid and a shadow copy of what
// was last written. Each redraw composes remote pane + preview corner +
// status line, then emits only the cells that differ from the shadow. A
// resize invalidates the shadow and forces exactly one full rewrite.
type Compositor struct {
	out    io.Writer
	sizeFn func() (int, int, error)
	mode   ColorMode
	log    *logrus.Entry

	mu        sync.Mutex
	remote    *Grid
	preview   *Grid
	overlay   Overlay
	shadow    *Grid
	lastCols  int
	lastRows  int
	forceFull bool

	fullRedraws int
	diffRedraws int

	redrawCh chan struct{}
}

// NewCompositor builds a compositor writing ANSI output to out. sizeFn
// reports the terminal dimensions; pass term.Size in production.
func NewCompositor(out io.Writer, sizeFn func() (int, int, error), mode ColorMode) *Compositor {
	return &Compositor{
		out:      out,
		sizeFn:   sizeFn,
		mode:     mode,
		log:      logrus.WithField("comp", "term"),
		redrawCh: make(chan struct{}, 1),
	}
}

// RequestRedraw schedules a redraw; multiple requests coalesce into one.
func (c *Compositor) RequestRedraw() {
	select {
	case c.redrawCh <- struct{}{}:
	default:
	}
}

// SetRemote installs the latest rendered remote pane.
func (c *Compositor) SetRemote(g *Grid) {
	c.mu.Lock()
	c.remote = g
	c.mu.Unlock()
	c.RequestRedraw()
}

// SetPreview installs the latest local preview pane.
func (c *Compositor) SetPreview(g *Grid) {
	c.mu.Lock()
	c.preview = g
	c.mu.Unlock()
	c.RequestRedraw()
}

// SetOverlay replaces the status overlay.
func (c *Compositor) SetOverlay(o Overlay) {
	c.mu.Lock()
	c.overlay = o
	c.mu.Unlock()
	c.RequestRedraw()
}

// RemoteGridSize returns the character dimensions the remote renderer should
// target for the current terminal, excluding the status line.
func (c *Compositor) RemoteGridSize() (cols, rows int, ok bool) {
	cols, rows, err := c.sizeFn()
	if err != nil || cols <= 0 || rows <= statusRows {
		return 0, 0, false
	}
	return cols, rows - statusRows, true
}

// PreviewGridSize returns the corner preview dimensions for the current
// terminal.
func (c *Compositor) PreviewGridSize() (cols, rows int, ok bool) {
	cols, rows, err := c.sizeFn()
	if err != nil || cols <= 0 || rows <= 0 {
		return 0, 0, false
	}
	pc, pr := cols/previewScale, rows/previewScale
	if pc < 2 || pr < 1 {
		return 0, 0, false
	}
	return pc, pr, true
}

// Run drives redraws until ctx ends: on demand via RequestRedraw and on a
// short poll that reacts to terminal resizes.
func (c *Compositor) Run(ctx context.Context) {
	tick := time.NewTicker(resizePollInterval)
	defer tick.Stop()

	c.Redraw()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.redrawCh:
			// coalesce any queued requests into this draw
			for {
				select {
				case <-c.redrawCh:
					continue
				default:
				}
				break
			}
			c.Redraw()
		case <-tick.C:
			cols, rows, err := c.sizeFn()
			if err != nil {
				continue
			}
			c.mu.Lock()
			resized := cols != c.lastCols || rows != c.lastRows
			c.mu.Unlock()
			if resized {
				c.Redraw()
			}
		}
	}
}

// Redraw composes and writes one screen update.
func (c *Compositor) Redraw() {
	cols, rows, err := c.sizeFn()
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}

	c.mu.Lock()
	if cols != c.lastCols || rows != c.lastRows {
		// resize: the shadow no longer matches what is on screen
		c.lastCols, c.lastRows = cols, rows
		c.shadow = nil
		c.forceFull = true
	}
	active := c.composeLocked(cols, rows)
	full := c.forceFull || c.shadow == nil
	shadow := c.shadow
	c.mu.Unlock()

	var data string
	if full {
		data = c.renderFull(active)
	} else {
		data = c.renderDiff(active, shadow)
	}

	c.mu.Lock()
	c.shadow = active
	c.forceFull = false
	if full {
		c.fullRedraws++
	} else if data != "" {
		c.diffRedraws++
	}
	c.mu.Unlock()

	if data == "" {
		return
	}
	fmt.Fprint(c.out, beginSync)
	fmt.Fprint(c.out, data)
	fmt.Fprint(c.out, endSync)
}

// RedrawCounts reports how many full and diff-only writes have happened.
func (c *Compositor) RedrawCounts() (full, diff int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullRedraws, c.diffRedraws
}

// composeLocked builds the authoritative grid for the current geometry.
// Caller holds mu.
func (c *Compositor) composeLocked(cols, rows int) *Grid {
	g := NewGrid(cols, rows)

	if c.remote == nil && c.preview == nil {
		c.composeStatusScreenLocked(g)
		c.composeStatusLineLocked(g)
		return g
	}

	if c.remote != nil {
		// center the remote pane inside the video area
		videoRows := rows - statusRows
		startCol := maxInt(0, (cols-c.remote.Cols)/2)
		startRow := maxInt(0, (videoRows-c.remote.Rows)/2)
		g.Blit(c.remote, startCol, startRow)
	}

	if c.preview != nil {
		// fixed corner region: top-right, one cell of margin
		startCol := cols - c.preview.Cols - 1
		if startCol < 0 {
			startCol = 0
		}
		g.Blit(c.preview, startCol, 1)
	}

	c.composeStatusLineLocked(g)
	return g
}

func (c *Compositor) composeStatusScreenLocked(g *Grid) {
	msg := strings.TrimSpace(c.overlay.Status)
	if msg == "" {
		return
	}
	lines := strings.Split(msg, "\n")
	startRow := maxInt(0, (g.Rows-len(lines))/2)
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if width := len([]rune(line)); width > g.Cols {
			line = string([]rune(line)[:g.Cols])
		}
		col := maxInt(0, (g.Cols-len([]rune(line)))/2)
		g.WriteString(col, startRow+i, line, RGB{245, 245, 245}, RGB{})
	}
}

func (c *Compositor) composeStatusLineLocked(g *Grid) {
	if g.Rows < 1 {
		return
	}
	row := g.Rows - 1
	label := c.statusLabelLocked()
	bg := RGB{20, 20, 24}
	fg := RGB{245, 245, 245}
	for col := 0; col < g.Cols; col++ {
		g.Set(col, row, Cell{Glyph: ' ', Fg: fg, Bg: bg})
	}
	runes := []rune(label)
	if len(runes) > g.Cols {
		runes = runes[:g.Cols]
	}
	start := maxInt(0, (g.Cols-len(runes))/2)
	g.WriteString(start, row, string(runes), fg, bg)
}

func (c *Compositor) statusLabelLocked() string {
	parts := make([]string, 0, 4)
	if c.overlay.PeerName != "" {
		parts = append(parts, c.overlay.PeerName)
	}
	if c.overlay.StateLabel != "" {
		parts = append(parts, c.overlay.StateLabel)
	}
	if c.overlay.Duration > 0 {
		parts = append(parts, formatDuration(c.overlay.Duration))
	}
	if c.overlay.AudioMuted {
		parts = append(parts, "MIC MUTED")
	}
	if c.overlay.VideoMuted {
		parts = append(parts, "CAM OFF")
	}
	return strings.Join(parts, " │ ")
}

// renderFull emits every cell after a clear.
func (c *Compositor) renderFull(active *Grid) string {
	var out strings.Builder
	out.WriteString("\x1b[2J\x1b[H")
	for row := 0; row < active.Rows; row++ {
		c.emitRow(&out, active, row, 0, active.Cols)
	}
	out.WriteString("\x1b[0m")
	return out.String()
}

// renderDiff emits only cells that differ from the shadow grid.
func (c *Compositor) renderDiff(active, shadow *Grid) string {
	var out strings.Builder
	for row := 0; row < active.Rows; row++ {
		col := 0
		for col < active.Cols {
			if active.At(col, row) == shadow.At(col, row) {
				col++
				continue
			}
			// extend the run of changed cells to batch cursor moves
			end := col + 1
			for end < active.Cols && active.At(end, row) != shadow.At(end, row) {
				end++
			}
			c.emitRow(&out, active, row, col, end)
			col = end
		}
	}
	if out.Len() == 0 {
		return ""
	}
	out.WriteString("\x1b[0m")
	return out.String()
}

// emitRow writes cells [startCol, endCol) of one row, coalescing SGR runs.
func (c *Compositor) emitRow(out *strings.Builder, g *Grid, row, startCol, endCol int) {
	fmt.Fprintf(out, "\x1b[%d;%dH", row+1, startCol+1)
	var lastFg, lastBg RGB
	first := true
	for col := startCol; col < endCol; col++ {
		cell := g.At(col, row)
		if first || cell.Fg != lastFg {
			out.WriteString(c.sgr(38, cell.Fg))
			lastFg = cell.Fg
		}
		if first || cell.Bg != lastBg {
			out.WriteString(c.sgr(48, cell.Bg))
			lastBg = cell.Bg
		}
		first = false
		if cell.Glyph == 0 {
			out.WriteRune(' ')
		} else {
			out.WriteRune(cell.Glyph)
		}
	}
}

// sgr renders a color as either a truecolor or 256-color SGR sequence.
func (c *Compositor) sgr(plane int, color RGB) string {
	if c.mode == ColorTrue {
		return fmt.Sprintf("\x1b[%d;2;%d;%d;%dm", plane, color.R, color.G, color.B)
	}
	return fmt.Sprintf("\x1b[%d;5;%dm", plane, Index256(color))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
