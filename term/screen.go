package term

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ColorMode is the terminal's negotiated color depth.
type ColorMode int

const (
	ColorTrue ColorMode = iota
	Color256
)

// DetectColorMode inspects the environment the way terminal emulators
// advertise truecolor support.
func DetectColorMode() ColorMode {
	ct := strings.ToLower(os.Getenv("COLORTERM"))
	if strings.Contains(ct, "truecolor") || strings.Contains(ct, "24bit") {
		return ColorTrue
	}
	return Color256
}

// Size queries the terminal dimensions in character cells via stdout.
func Size() (cols, rows int, err error) {
	return term.GetSize(int(os.Stdout.Fd()))
}

// IsTerminal reports whether stdout is attached to a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

const (
	enterAltSeq = "\x1b[?1049h\x1b[?25l\x1b[?7l\x1b[3J\x1b[H"
	exitAltSeq  = "\x1b[?7h\x1b[?25h\x1b[?1049l"
	beginSync   = "\x1b[?2026h"
	endSync     = "\x1b[?2026l"
)

// EnterAltScreen switches to the alternate screen buffer and hides the
// cursor.
func EnterAltScreen(w io.Writer) {
	fmt.Fprint(w, enterAltSeq)
}

// ExitAltScreen restores the main screen buffer and cursor.
func ExitAltScreen(w io.Writer) {
	fmt.Fprint(w, exitAltSeq)
}
