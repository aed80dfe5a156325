package stats

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	p := Summarize(ds)
	assert.Equal(t, 100, p.N)
	assert.Equal(t, 51*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, 100*time.Millisecond, p.Max)
	assert.Equal(t, 50500*time.Microsecond, p.Avg)

	// input order is left alone
	assert.Equal(t, 100*time.Millisecond, ds[0])
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, Percentiles{}, Summarize(nil))
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AddConnect(time.Millisecond)
			c.AddLatency(SeriesFanout, 2*time.Millisecond)
			c.Inc("moves sent")
		}()
	}
	wg.Wait()
	c.AddError()

	assert.Equal(t, 50, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())
	assert.Equal(t, int64(50), c.Counter("moves sent"))
	assert.Equal(t, 50, c.Summary(SeriesFanout).N)

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  50")
	assert.Contains(t, out, "--- move fan-out latency ---")
	assert.Contains(t, out, "moves sent")
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"duel_connections_total 42", "duel_connections_total", 42, true},
		{`duel_messages_total{result="handled"} 7`, "duel_messages_total", 7, true},
		{`duel_messages_total{result="a b"} 3 1700000000000`, "duel_messages_total", 3, true},
		{"duel_persist_latency_seconds_sum 0.25", "duel_persist_latency_seconds_sum", 0.25, true},
		{`broken{label="x" 1`, "", 0, false},
		{"lonely", "", 0, false},
		{"duel_x NaNope", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, value, ok := parseMetricLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.value, value)
		})
	}
}

func TestScraper_Report(t *testing.T) {
	var mu sync.Mutex
	conns := 1
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, "# HELP duel_connections_total x")
		fmt.Fprintf(w, "duel_connections_total %d\n", conns)
		fmt.Fprintln(w, `duel_messages_total{result="handled"} 10`)
		fmt.Fprintln(w, `duel_messages_total{result="malformed"} 2`)
		fmt.Fprintln(w, "duel_message_latency_seconds_sum 0.5")
		fmt.Fprintf(w, "duel_message_latency_seconds_count %d\n", conns*10)
		fmt.Fprintln(w, "go_goroutines 12")
		conns += 4
	}))
	defer hs.Close()

	s := NewScraper(hs.URL, 10*time.Millisecond)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Snapshots() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	var buf bytes.Buffer
	s.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "--- Server Metrics (Prometheus) ---")

	var messages string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "Messages") {
			messages = line
		}
	}
	assert.Equal(t, []string{"Messages", "12", "12", "0", "12"}, strings.Fields(messages))
	assert.Contains(t, out, "Handle latency")
	assert.NotContains(t, out, "go_goroutines")
}

func TestScraper_NoData(t *testing.T) {
	s := NewScraper("http://127.0.0.1:0/metrics", time.Second)
	var buf bytes.Buffer
	s.Report(&buf)
	assert.Contains(t, buf.String(), "no data collected")
}
