package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/duel-relay/loadtest/client"
	"github.com/whisper/duel-relay/loadtest/stats"
)

// runSaturate opens the requested number of connections over the ramp, then
// holds them while probing a sample for liveness. It finds how many
// connections the relay accepts before it starts refusing or dropping them.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	probeEvery := fs.Duration("probe-interval", 5*time.Second, "Interval between liveness probes during hold")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL (empty to disable)")
	_ = fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)
	defer func() {
		mu.Lock()
		fmt.Printf("\nClosing %d connections...\n", len(clients))
		for _, c := range clients {
			_ = c.Close()
		}
		mu.Unlock()
	}()

	// --- Ramp-up ---
	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	stopProgress := progress(collector, *connections)

	interrupted := ramp(ctx, *connections, *rampUp, *concurrency, func(ctx context.Context) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.New(connCtx, *url)
		if err != nil {
			collector.AddError()
			return
		}
		collector.AddConnect(c.Metrics().ConnectLatency)
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	stopProgress()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// --- Hold ---
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		holdConnections(ctx, collector, &mu, &clients, *hold, *probeEvery)
	}

	collector.Report(os.Stdout)
}

// ramp calls connect n times spread over d with at most concurrency calls in
// flight. It reports whether ctx ended first.
func ramp(ctx context.Context, n int, d time.Duration, concurrency int, connect func(context.Context)) bool {
	interval := d / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g := new(errgroup.Group)
	g.SetLimit(max(concurrency, 1))

	interrupted := false
	for launched := 0; launched < n && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-ticker.C:
			launched++
			g.Go(func() error {
				connect(ctx)
				return nil
			})
		}
	}
	_ = g.Wait()
	return interrupted
}

// progress prints ramp progress every second until the returned func is
// called.
func progress(collector *stats.Collector, target int) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastAt := 0, time.Now()
		for {
			select {
			case now := <-ticker.C:
				n := collector.ConnectionCount()
				rate := float64(n-last) / now.Sub(lastAt).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					n, target, collector.ErrorCount(), rate)
				last, lastAt = n, now
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func holdConnections(ctx context.Context, collector *stats.Collector, mu *sync.Mutex, clients *[]*client.Client, hold, probeEvery time.Duration) {
	mu.Lock()
	initial := len(*clients)
	mu.Unlock()
	fmt.Printf("Holding %d connections for %s...\n", initial, hold)

	holdTimer := time.NewTimer(hold)
	defer holdTimer.Stop()
	probeTicker := time.NewTicker(probeEvery)
	defer probeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-holdTimer.C:
			fmt.Println("\nHold period complete.")
			return
		case <-probeTicker.C:
			mu.Lock()
			snapshot := append([]*client.Client(nil), *clients...)
			mu.Unlock()

			alive := 0
			for i, c := range snapshot {
				if !c.Alive() {
					continue
				}
				alive++
				// probe a sample so the hold stays mostly idle
				if i%100 != 0 {
					continue
				}
				probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				rtt, err := c.Probe(probeCtx)
				cancel()
				if err != nil {
					collector.AddError()
					continue
				}
				collector.AddLatency(stats.SeriesProbe, rtt)
			}
			collector.Add("dropped", int64(initial-alive)-collector.Counter("dropped"))
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, initial-alive)
		}
	}
}
