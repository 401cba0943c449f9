// Package printer writes the CLI's human-facing output: coloured status
// lines, tables and formatted errors.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)

	mu     sync.Mutex
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// SetOutput redirects status output and error output. Nil restores the
// process defaults.
func SetOutput(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out, errOut = stdout, stderr
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
}

func writers() (io.Writer, io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	return out, errOut
}

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	w, _ := writers()
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(w, msg)
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	w, _ := writers()
	fmt.Fprintf(w, format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func Warning(format string, a ...any) {
	w, _ := writers()
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(w, msg)
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	w, _ := writers()
	cyan.Fprintf(w, "→ %s", fmt.Sprintf(format, a...))
}

// Table prints rows under a bold header, columns padded to the widest cell.
func Table(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	format := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if i == len(cells)-1 || i >= len(widths) {
				parts[i] = cell
				continue
			}
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		return strings.Join(parts, "  ")
	}

	bold.Fprintln(w, format(headers))
	for _, row := range rows {
		fmt.Fprintln(w, format(row))
	}
}

// Error creates a formatted error message with title, explanation, and suggestions
// Prints the formatted error to stderr with colors and returns a simple error for Cobra
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext creates a formatted error with context details, printed
// in key order.
// Prints the formatted error to stderr with colors and returns a simple error for Cobra
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	_, w := writers()

	red.Fprintf(w, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(w, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(w, "\n")
		for _, key := range keys {
			fmt.Fprintf(w, "  %s: %s\n", key, context[key])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(w, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(w, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(w, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(w, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Return simple error for Cobra (won't be printed due to SilenceErrors)
	return fmt.Errorf("%s", title)
}
