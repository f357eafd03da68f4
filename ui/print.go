package ui

import (
	"fmt"
	"io"
)

const (
	colorReset  = "\033[0m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[92m"
	colorAmber  = "\033[93m"
	colorRed    = "\033[91m"
)

// Printer writes colored status lines. Color can be turned off for
// redirected output.
type Printer struct {
	W     io.Writer
	Color bool
	Debug bool
}

func (p Printer) print(color, format string, a ...interface{}) {
	if p.Color {
		fmt.Fprint(p.W, color)
		defer fmt.Fprint(p.W, colorReset)
	}
	fmt.Fprintf(p.W, format, a...)
}

func (p Printer) Debugf(format string, a ...interface{}) {
	if p.Debug {
		p.print(colorYellow, "[DEBUG] "+format, a...)
	}
}

func (p Printer) Greenf(format string, a ...interface{}) { p.print(colorGreen, format, a...) }

func (p Printer) Warnf(format string, a ...interface{}) { p.print(colorAmber, format, a...) }

func (p Printer) Errorf(format string, a ...interface{}) { p.print(colorRed, format, a...) }

func (p Printer) Printf(format string, a ...interface{}) { fmt.Fprintf(p.W, format, a...) }

// ClearScreen homes the cursor on a cleared terminal.
func (p Printer) ClearScreen() {
	if p.Color {
		fmt.Fprint(p.W, "\033[2J\033[1;1H")
	}
}
