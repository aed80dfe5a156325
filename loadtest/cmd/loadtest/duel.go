package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/duel-relay/internal/protocol"
	"github.com/whisper/duel-relay/loadtest/client"
	"github.com/whisper/duel-relay/loadtest/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// movePayload is the opaque state each ply sends. SentAt lets the receiver
// measure fan-out latency.
type movePayload struct {
	Ply    int   `json:"ply"`
	SentAt int64 `json:"sent_at"`
}

type duelOptions struct {
	url      string
	plies    int
	interval time.Duration
	timeout  time.Duration
	settle   time.Duration
}

// runDuel runs pairs of participants through create, join and a move
// exchange. Each ply is sent by alternating seats and timed from send to
// arrival at the opponent.
func runDuel(args []string) {
	fs := flag.NewFlagSet("duel", flag.ExitOnError)
	var opts duelOptions
	fs.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of sessions to run")
	fs.IntVar(&opts.plies, "plies", 40, "Moves per session")
	fs.DurationVar(&opts.interval, "move-interval", 250*time.Millisecond, "Delay between plies in a session")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Timeout for each request or awaited move")
	fs.DurationVar(&opts.settle, "settle", time.Second, "Wait before verifying stored state (0 to skip)")
	concurrency := fs.Int("concurrency", 100, "Maximum sessions in flight")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL (empty to disable)")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	_ = fs.Parse(args)

	fmt.Printf("Duel test: %d sessions, %d plies each, to %s (move-interval=%s, concurrency=%d)\n",
		*pairs, opts.plies, opts.url, opts.interval, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	start := time.Now()
	g := new(errgroup.Group)
	g.SetLimit(max(*concurrency, 1))
	for i := 0; i < *pairs && ctx.Err() == nil; i++ {
		g.Go(func() error {
			if err := runPair(ctx, collector, opts, i); err != nil {
				collector.AddError()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				var re *client.ReplyError
				if errors.As(err, &re) && re.Type == protocol.TypeRateLimited {
					collector.Inc("rate limited")
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	fmt.Printf("\nCompleted %d sessions in %s\n", collector.Counter("sessions completed"),
		time.Since(start).Round(time.Millisecond))
	collector.Report(os.Stdout)
}

func runPair(ctx context.Context, collector *stats.Collector, opts duelOptions, n int) error {
	a, err := dialTimed(ctx, collector, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	b, err := dialTimed(ctx, collector, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	first, second := fmt.Sprintf("lt-%d-a", n), fmt.Sprintf("lt-%d-b", n)

	reqCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	t0 := time.Now()
	created, err := a.CreateSession(reqCtx, first, "white")
	if err != nil {
		collector.Inc("create failed")
		return err
	}
	collector.AddLatency(stats.SeriesCreate, time.Since(t0))

	t0 = time.Now()
	if _, err := b.JoinSession(reqCtx, created.SessionID, second); err != nil {
		collector.Inc("join failed")
		return err
	}
	collector.AddLatency(stats.SeriesJoin, time.Since(t0))
	if _, err := a.Next(reqCtx, protocol.TypeSessionJoined); err != nil {
		return errors.Wrap(err, "await join broadcast")
	}

	// Each seat counts the plies that reach it from the other seat.
	arrivals := map[*client.Client]chan movePayload{
		a: make(chan movePayload, opts.plies),
		b: make(chan movePayload, opts.plies),
	}
	for c, ch := range arrivals {
		c.On(protocol.TypeMoveRecorded, func(f client.Frame) {
			var m protocol.MoveRecordedMsg
			var p movePayload
			if json.Unmarshal(f.Data, &m) != nil || json.Unmarshal(m.Payload, &p) != nil {
				collector.Inc("bad move frames")
				return
			}
			select {
			case ch <- p:
			default:
			}
		})
	}

	seats := []struct {
		c           *client.Client
		participant string
	}{{a, first}, {b, second}}

	for ply := 1; ply <= opts.plies; ply++ {
		mover, opponent := seats[(ply-1)%2], seats[ply%2]
		p := movePayload{Ply: ply, SentAt: time.Now().UnixNano()}
		if err := mover.c.RecordMove(created.SessionID, mover.participant, p); err != nil {
			return err
		}
		collector.Inc("moves sent")

		if err := awaitPly(ctx, arrivals[opponent.c], ply, opts.timeout, collector); err != nil {
			collector.Inc("moves lost")
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.interval):
		}
	}

	if opts.settle > 0 {
		verifyState(ctx, collector, a, created.SessionID, opts)
	}
	collector.Inc("sessions completed")
	return nil
}

func dialTimed(ctx context.Context, collector *stats.Collector, opts duelOptions) (*client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	c, err := client.New(dialCtx, opts.url)
	if err != nil {
		return nil, err
	}
	collector.AddConnect(c.Metrics().ConnectLatency)
	return c, nil
}

func awaitPly(ctx context.Context, ch <-chan movePayload, ply int, timeout time.Duration, collector *stats.Collector) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.Newf("ply %d not relayed within %s", ply, timeout)
		case p := <-ch:
			collector.AddLatency(stats.SeriesFanout, time.Since(time.Unix(0, p.SentAt)))
			collector.Inc("moves received")
			if p.Ply == ply {
				return nil
			}
		}
	}
}

// verifyState checks that the stored snapshot caught up with the last ply.
// Persistence trails the broadcast, so a stale read is counted rather than
// failed.
func verifyState(ctx context.Context, collector *stats.Collector, c *client.Client, sessionID string, opts duelOptions) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(opts.settle):
	}

	reqCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	s, err := c.GetSession(reqCtx, sessionID)
	if err != nil || s == nil {
		collector.Inc("state missing")
		return
	}
	var p movePayload
	if json.Unmarshal(s.State, &p) != nil || p.Ply != opts.plies {
		collector.Inc("state stale")
		return
	}
	collector.Inc("state verified")
}
