// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Series names recorded by the load test commands.
const (
	SeriesConnect = "connect"
	SeriesCreate  = "create"
	SeriesJoin    = "join"
	SeriesFanout  = "move fan-out"
	SeriesProbe   = "liveness probe"
)

// Collector aggregates latencies and counters. Safe for concurrent use.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	counters    map[string]int64
	connections int
	errors      int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		counters:  make(map[string]int64),
		startTime: time.Now(),
	}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.series[SeriesConnect] = append(c.series[SeriesConnect], d)
	c.connections++
	c.mu.Unlock()
}

// AddLatency records one observation in the named series.
func (c *Collector) AddLatency(name string, d time.Duration) {
	c.mu.Lock()
	c.series[name] = append(c.series[name], d)
	c.mu.Unlock()
}

// Inc adds one to the named counter.
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// Add adds n to the named counter.
func (c *Collector) Add(name string, n int64) {
	c.mu.Lock()
	c.counters[name] += n
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Counter returns the value of the named counter.
func (c *Collector) Counter(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Summary returns the distribution of the named series.
func (c *Collector) Summary(name string) Percentiles {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summarize(c.series[name])
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	if len(c.counters) > 0 {
		fmt.Fprintln(w, "\n--- Counters ---")
		names := lo.Keys(c.counters)
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-16s %d\n", name, c.counters[name])
		}
	}

	names := lo.Keys(c.series)
	slices.Sort(names)
	for _, name := range names {
		if len(c.series[name]) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s latency ---\n", name)
		fmt.Fprintf(w, "  %s\n", Summarize(c.series[name]))
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Percentiles is the distribution of a latency series.
type Percentiles struct {
	N   int
	Avg time.Duration
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
}

func (p Percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}

// Summarize computes the distribution of durations without modifying it.
func Summarize(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Percentiles{
		N:   n,
		Avg: lo.Sum(sorted) / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}
