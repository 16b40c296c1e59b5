// Package logger provides the colorized Section/Banner console furniture
// the teacher CLI used, which still prints straight to stdout, plus New,
// a zerolog.Logger constructor so level filtering and JSON output stay
// available for production deployments instead of a hand-rolled formatter
// writing to stdlib log.
package logger

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// ANSI color codes, used only by Section/Banner — zerolog's own console
// writer handles coloring the structured log lines.
const (
	ColorReset  = "\033[0m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
)

// New builds a zerolog.Logger writing human-readable colored output to
// stderr in development and compact JSON in production, selected by
// format ("console" or "json").
func New(levelName, format string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w = os.Stderr
	if format == "console" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = os.Stderr
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Section prints a console section header. Cosmetic CLI furniture kept
// from the original logger; it writes directly to stdout rather than
// through the structured logger since it has no level or fields.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n%s╔%s╗%s\n", ColorCyan, border, ColorReset)
	fmt.Printf("%s║%s %-57s %s║%s\n", ColorCyan, ColorReset, title, ColorCyan, ColorReset)
	fmt.Printf("%s╚%s╝%s\n\n", ColorCyan, border, ColorReset)
}

// Banner prints the application banner shown once at process start.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║   ██████╗ ███████╗██████╗                                ║
║   ██╔══██╗██╔════╝██╔══██╗                               ║
║   ██████╔╝███████╗██████╔╝                                ║
║   ██╔══██╗╚════██║██╔═══╝                                 ║
║   ██║  ██║███████║██║                                     ║
║   ╚═╝  ╚═╝╚══════╝╚═╝                                     ║
║                                                           ║
║              %s%-37s%s║
║                    %sVersion %-7s%s                      ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, ColorCyan, title, ColorReset, ColorGreen, version, ColorReset)
}
