// Package aggregate folds particulate measurements into running averages.
package aggregate

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/dust.report/internal/sds011"
)

// Summary is the result of one reporting window.
type Summary struct {
	AvgPM25     float64   `json:"avg_pm25"`
	AvgPM10     float64   `json:"avg_pm10"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

func (s Summary) String() string {
	return fmt.Sprintf("PM2.5 %.1f PM10 %.1f (n=%d, %s..%s)",
		s.AvgPM25, s.AvgPM10, s.Count,
		s.WindowStart.Format(time.RFC3339), s.WindowEnd.Format(time.RFC3339))
}

// Aggregator accumulates measurements in O(1) memory. It never resets on its
// own: the caller decides when a window ends by calling Reset after
// Summarize. Not safe for concurrent use.
type Aggregator struct {
	count       int
	sumPM25     float64
	sumPM10     float64
	windowStart time.Time
	windowEnd   time.Time
}

// New returns an empty aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Ingest folds one measurement into the window. The window spans the
// timestamps of the first and last ingested measurements.
func (a *Aggregator) Ingest(m sds011.Measurement) {
	if a.count == 0 {
		a.windowStart = m.Timestamp
	}
	a.count++
	a.sumPM25 += m.PM25
	a.sumPM10 += m.PM10
	a.windowEnd = m.Timestamp
}

// Count returns the number of measurements in the current window.
func (a *Aggregator) Count() int {
	return a.count
}

// Summarize returns the averages of the current window, or false when the
// window is empty.
func (a *Aggregator) Summarize() (Summary, bool) {
	if a.count == 0 {
		return Summary{}, false
	}
	n := float64(a.count)
	return Summary{
		AvgPM25:     a.sumPM25 / n,
		AvgPM10:     a.sumPM10 / n,
		Count:       a.count,
		WindowStart: a.windowStart,
		WindowEnd:   a.windowEnd,
	}, true
}

// Reset empties the window.
func (a *Aggregator) Reset() {
	*a = Aggregator{}
}

// Latest holds the most recently published summary for concurrent readers.
// Publishing swaps the pointer; a published Summary is never modified.
type Latest struct {
	p atomic.Pointer[Summary]
}

// Publish replaces the current summary.
func (l *Latest) Publish(s Summary) {
	l.p.Store(&s)
}

// Load returns the current summary, or false if nothing was published yet.
func (l *Latest) Load() (Summary, bool) {
	s := l.p.Load()
	if s == nil {
		return Summary{}, false
	}
	return *s, true
}

// Summary implements the poll loop's sink interface.
func (l *Latest) Summary(s Summary) error {
	l.Publish(s)
	return nil
}
