// Command e2etest checks a running duel relay end to end: health and
// metrics endpoints, session create and join, join failures, move relay and
// stored state, liveness probes, malformed input and rate limiting.
//
// Usage:
//
//	go run ./loadtest/cmd/e2etest [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/whisper/duel-relay/internal/protocol"
	"github.com/whisper/duel-relay/internal/session"
	"github.com/whisper/duel-relay/loadtest/client"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func pass(name, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name, resultPass, fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name, resultFail, fmt.Sprintf(format, args...)}
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	settle := flag.Duration("settle", time.Second, "Wait for write-behind persistence before reading state")
	flag.Parse()

	fmt.Println("=== Duel Relay E2E Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := []scenarioResult{
		scenarioHealth(ctx, *apiBase),
		scenarioCreateJoin(ctx, *wsURL),
		scenarioJoinFailures(ctx, *wsURL),
		scenarioMoveRelay(ctx, *wsURL, *settle),
		scenarioLivenessProbe(ctx, *wsURL),
		scenarioMalformed(ctx, *wsURL),
		scenarioRateLimiting(ctx, *wsURL),
	}

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func scenarioHealth(ctx context.Context, apiBase string) scenarioResult {
	name := "Health and metrics"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return fail(name, "/health: %v", err)
	}
	if status := json.Get(body, "status").ToString(); status != "ok" {
		return fail(name, "/health: status %q", status)
	}

	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return fail(name, "/metrics: %v", err)
	}
	if !strings.Contains(string(metricsBody), "duel_connections_total") {
		return fail(name, "/metrics: missing duel_connections_total")
	}

	return pass(name, "connections=%d store=%s bus=%s",
		json.Get(body, "connections").ToInt(),
		json.Get(body, "store").ToString(),
		json.Get(body, "bus").ToString())
}

func scenarioCreateJoin(ctx context.Context, wsURL string) scenarioResult {
	name := "Create and join"

	a, b, id, err := pair(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer a.Close()
	defer b.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f, err := a.Next(waitCtx, protocol.TypeSessionJoined)
	if err != nil {
		return fail(name, "first seat did not see the join: %v", err)
	}
	if second := json.Get(f.Data, "session", "second_participant_id").ToString(); second == "" {
		return fail(name, "join broadcast without second participant")
	}
	return pass(name, "session=%s", id)
}

func scenarioJoinFailures(ctx context.Context, wsURL string) scenarioResult {
	name := "Join failures"

	a, b, id, err := pair(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer a.Close()
	defer b.Close()

	c, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "third client: %v", err)
	}
	defer c.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if code := replyCode(c.JoinSession(reqCtx, id, "e2e-third")); code != session.CodeSeatTaken {
		return fail(name, "full session: got %q, want %q", code, session.CodeSeatTaken)
	}
	if code := replyCode(c.JoinSession(reqCtx, "NOSUCHID", "e2e-third")); code != session.CodeNotFound {
		return fail(name, "unknown session: got %q, want %q", code, session.CodeNotFound)
	}
	return pass(name, "seat_taken and not_found reported")
}

func scenarioMoveRelay(ctx context.Context, wsURL string, settle time.Duration) scenarioResult {
	name := "Move relay and state"

	a, b, id, err := pair(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer a.Close()
	defer b.Close()

	got := make(chan client.Frame, 4)
	b.On(protocol.TypeMoveRecorded, func(f client.Frame) {
		select {
		case got <- f:
		default:
		}
	})

	start := time.Now()
	if err := a.RecordMove(id, "e2e-first", map[string]string{"board": "e4"}); err != nil {
		return fail(name, "send move: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var f client.Frame
	select {
	case f = <-got:
	case <-waitCtx.Done():
		return fail(name, "opponent did not receive the move")
	}
	if board := json.Get(f.Data, "payload", "board").ToString(); board != "e4" {
		return fail(name, "payload altered: %s", f.Data)
	}
	relayed := time.Since(start)

	time.Sleep(settle)
	s, err := b.GetSession(waitCtx, id)
	if err != nil || s == nil {
		return fail(name, "get-session: %v", err)
	}
	if board := json.Get(s.State, "board").ToString(); board != "e4" {
		return fail(name, "stored state %s", s.State)
	}
	return pass(name, "relay=%s", relayed.Round(time.Millisecond))
}

func scenarioLivenessProbe(ctx context.Context, wsURL string) scenarioResult {
	name := "Liveness probe"

	c, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer c.Close()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rtt, err := c.Probe(probeCtx)
	if err != nil {
		return fail(name, "%v", err)
	}
	return pass(name, "rtt=%s", rtt.Round(time.Microsecond))
}

func scenarioMalformed(ctx context.Context, wsURL string) scenarioResult {
	name := "Malformed input"

	c, err := dial(ctx, wsURL)
	if err != nil {
		return fail(name, "%v", err)
	}
	defer c.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, raw := range []string{`not json`, `{"type":"record-move"}`, `{"type":"no-such-event"}`} {
		if err := c.SendRaw([]byte(raw)); err != nil {
			return fail(name, "send %q: %v", raw, err)
		}
		f, err := c.Next(waitCtx, protocol.TypeError)
		if err != nil {
			return fail(name, "%q: no error reply: %v", raw, err)
		}
		if code := json.Get(f.Data, "code").ToString(); code != session.CodeMalformedEvent {
			return fail(name, "%q: code %q", raw, code)
		}
	}

	// The connection stays usable after bad input.
	if _, err := c.Probe(waitCtx); err != nil {
		return fail(name, "connection unusable after errors: %v", err)
	}
	return pass(name, "3 rejections, connection kept")
}

func scenarioRateLimiting(ctx context.Context, wsURL string) scenarioResult {
	name := "Rate limiting"

	c, err := dial(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer c.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	participant := "e2e-rl-" + uuid.NewString()[:8]
	for i := 1; i <= 30; i++ {
		_, err := c.CreateSession(reqCtx, participant, "white")
		var re *client.ReplyError
		if errors.As(err, &re) && re.Type == protocol.TypeRateLimited {
			return scenarioResult{name, resultInfo,
				fmt.Sprintf("rate-limited after %d creates, retry_after=%ds", i-1, re.RetryAfter)}
		}
		if err != nil {
			return scenarioResult{name, resultInfo, fmt.Sprintf("create %d: %v", i, err)}
		}
	}
	return scenarioResult{name, resultInfo, "no rate-limited reply after 30 creates (limiting may be disabled)"}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func dial(ctx context.Context, wsURL string) (*client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.New(dialCtx, wsURL)
}

// pair connects two clients and seats them in a fresh session.
func pair(ctx context.Context, wsURL string) (a, b *client.Client, sessionID string, err error) {
	if a, err = dial(ctx, wsURL); err != nil {
		return nil, nil, "", errors.Wrap(err, "client A connect")
	}
	if b, err = dial(ctx, wsURL); err != nil {
		a.Close()
		return nil, nil, "", errors.Wrap(err, "client B connect")
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s, err := a.CreateSession(reqCtx, "e2e-first", "white")
	if err == nil {
		_, err = b.JoinSession(reqCtx, s.SessionID, "e2e-second")
	}
	if err != nil {
		a.Close()
		b.Close()
		return nil, nil, "", err
	}
	return a, b, s.SessionID, nil
}

func replyCode(_ *protocol.Session, err error) string {
	var re *client.ReplyError
	if errors.As(err, &re) {
		return re.Code
	}
	if err != nil {
		return err.Error()
	}
	return "ok"
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}
