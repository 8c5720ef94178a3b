// Package report prints readings and averages for a human watching the
// terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/banshee-data/dust.report/internal/aggregate"
	"github.com/banshee-data/dust.report/internal/sds011"
)

// Console writes one line per reading and one line per summary. Averages
// are printed even when Quiet is set.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
}

// NewConsole returns a reporter writing to w (stdout if nil).
func NewConsole(w io.Writer, quiet bool) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w, quiet: quiet}
}

// Reading prints a single measurement unless the reporter is quiet.
func (c *Console) Reading(m sds011.Measurement) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "PM2.5: %.1f μg/m³, PM10: %.1f μg/m³\n", m.PM25, m.PM10)
}

// Summary prints the averages of a reporting window.
func (c *Console) Summary(s aggregate.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "AVERAGE: PM2.5: %.1f μg/m³, PM10: %.1f μg/m³ (from %d readings)\n",
		s.AvgPM25, s.AvgPM10, s.Count)
	return err
}

// Settings prints the startup banner describing the active configuration.
func (c *Console) Settings(lines ...string) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, "Settings:")
	for _, l := range lines {
		fmt.Fprintf(c.w, "  %s\n", l)
	}
}

// Enabled formats a boolean setting the way the banner shows it.
func Enabled(b bool) string {
	if b {
		return "Enabled"
	}
	return "Disabled"
}
