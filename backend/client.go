// Package backend implements the Backend Client (spec.md §4.1): the
// single-backend HTTP/WebSocket adapter the Dispatcher and Event Hub use to
// submit prompts, poll state, and receive upstream events.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/comfylb/balancer/errs"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// QueueSnapshot is the decoded response of a backend's GET /queue.
type QueueSnapshot struct {
	Pending []string
	Running []string
}

// HistoryEntry is the decoded response of a backend's GET /history/{id}.
type HistoryEntry struct {
	PromptID string
	Status   string
	Outputs  json.RawMessage
}

// Frame is a decoded upstream WebSocket event, tagged with the backend it
// came from so the Event Hub can attribute it without a second lookup.
type Frame struct {
	Backend  string
	Type     string
	PromptID string
	Raw      json.RawMessage
}

// Client is a ready-to-use adapter for one ComfyUI backend. Construct with
// New; call Subscribe once to start the upstream WS reader.
type Client struct {
	Name    string
	baseURL string

	httpClient *http.Client
	limiter    *rate.Limiter

	dialer *websocket.Dialer
}

// New creates a Client for a single backend. submitRate bounds how many
// submit() calls per second may be made against this backend; pass
// rate.Inf to leave it unbounded. main.go and the admin API pass rate.Inf
// for every backend; the config file has no per-backend rate setting.
func New(name, host string, port int, timeout time.Duration, submitRate rate.Limit) *Client {
	return &Client{
		Name:    name,
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(submitRate, 1),
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

// Submit posts a prompt payload to the backend's /prompt endpoint and
// returns the upstream prompt id it assigns. Fails with errs.SubmitRejected
// on 4xx and errs.SubmitUnavailable on network errors or 5xx.
func (c *Client) Submit(ctx context.Context, payload []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", errs.Wrap(errs.SubmitUnavailable, "rate limiter wait cancelled", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", errs.Wrap(errs.SubmitUnavailable, "building submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.SubmitUnavailable, "submit request to "+c.Name+" failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Wrap(errs.SubmitUnavailable, "reading submit response", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", errs.New(errs.SubmitRejected, fmt.Sprintf("backend %s rejected prompt: %s", c.Name, strings.TrimSpace(string(raw))))
	}
	if resp.StatusCode >= 500 || resp.StatusCode < 200 {
		return "", errs.New(errs.SubmitUnavailable, fmt.Sprintf("backend %s returned status %d", c.Name, resp.StatusCode))
	}

	var body struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", errs.Wrap(errs.SubmitUnavailable, "decoding submit response", err)
	}
	if body.PromptID == "" {
		return "", errs.New(errs.SubmitUnavailable, "backend "+c.Name+" submit response missing prompt_id")
	}
	return body.PromptID, nil
}

// QueryHistory fetches the recorded status/outputs for a prompt id.
// Returns errs.NotFound if the backend has no record of it.
func (c *Client) QueryHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "building history request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "history request to "+c.Name+" failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "reading history response", err)
	}

	var entries map[string]struct {
		Status struct {
			Completed bool   `json:"completed"`
			Status    string `json:"status_str"`
		} `json:"status"`
		Outputs json.RawMessage `json:"outputs"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "decoding history response", err)
	}
	entry, ok := entries[promptID]
	if !ok {
		return nil, errs.New(errs.NotFound, "no history for prompt "+promptID+" on "+c.Name)
	}
	return &HistoryEntry{PromptID: promptID, Status: entry.Status.Status, Outputs: entry.Outputs}, nil
}

// QueryQueue fetches the backend's current pending/running prompt lists.
// The Health Monitor uses this as its probe call.
func (c *Client) QueryQueue(ctx context.Context) (*QueueSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "building queue request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "queue request to "+c.Name+" failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.SubmitUnavailable, fmt.Sprintf("backend %s /queue returned %d", c.Name, resp.StatusCode))
	}

	var body struct {
		QueuePending [][]json.RawMessage `json:"queue_pending"`
		QueueRunning [][]json.RawMessage `json:"queue_running"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "reading queue response", err)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errs.Wrap(errs.SubmitUnavailable, "decoding queue response", err)
	}

	return &QueueSnapshot{
		Pending: extractPromptIDs(body.QueuePending),
		Running: extractPromptIDs(body.QueueRunning),
	}, nil
}

func extractPromptIDs(entries [][]json.RawMessage) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(entry[1], &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Cancel issues a best-effort delete against the backend's /queue endpoint.
// Failures are logged, not returned — spec.md §4.6 treats cancellation of a
// dispatched task as immediate from the balancer's point of view regardless
// of upstream acknowledgement.
func (c *Client) Cancel(ctx context.Context, promptID string) {
	body, _ := json.Marshal(map[string]any{"delete": []string{promptID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/queue", bytes.NewReader(body))
	if err != nil {
		slog.Warn("backend: failed to build cancel request", "backend", c.Name, "prompt_id", promptID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("backend: cancel request failed", "backend", c.Name, "prompt_id", promptID, "error", err)
		return
	}
	_ = resp.Body.Close()
}

// Subscribe maintains a single upstream WebSocket connection to the
// backend, decoding frames onto out until ctx is cancelled. Reconnects with
// exponential backoff starting at 1s, capped at 30s, full jitter; a
// successful connection resets the backoff. This call blocks until ctx is
// done — run it in its own goroutine.
func (c *Client) Subscribe(ctx context.Context, out chan<- Frame) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := c.readLoop(ctx, out)
		if err != nil {
			slog.Warn("backend: upstream websocket closed", "backend", c.Name, "error", err)
		}
		if connected {
			backoff = minBackoff
		}

		if ctx.Err() != nil {
			return
		}
		wait := jitter(backoff)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		backoff = backoff * 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// readLoop reports whether the dial succeeded, alongside the error that
// ended the connection (nil when ctx was cancelled).
func (c *Client) readLoop(ctx context.Context, out chan<- Frame) (bool, error) {
	wsURL := "ws://" + strings.TrimPrefix(strings.TrimPrefix(c.baseURL, "http://"), "https://") + "/ws"
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.Name, err)
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.Close()
		close(done)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
			}
			return true, err
		}

		frame, ok := decodeFrame(c.Name, raw)
		if !ok {
			continue
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return true, nil
		}
	}
}

func decodeFrame(backendName string, raw []byte) (Frame, bool) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Frame{}, false
	}

	var body struct {
		PromptID string `json:"prompt_id"`
	}
	_ = json.Unmarshal(envelope.Data, &body)

	return Frame{
		Backend:  backendName,
		Type:     envelope.Type,
		PromptID: body.PromptID,
		Raw:      raw,
	}, true
}

// Pool keys clients by backend name; the Dispatcher and Event Hub share one
// instance, built from the Registry's configured backend set at startup and
// updated as backends are added/removed via the admin API.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewPool creates an empty client pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Put registers or replaces the client for a backend name.
func (p *Pool) Put(c *Client) {
	p.mu.Lock()
	p.clients[c.Name] = c
	p.mu.Unlock()
}

// Remove drops the client for a backend name.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	delete(p.clients, name)
	p.mu.Unlock()
}

// Get returns the client for a backend name, or false if none is registered.
func (p *Pool) Get(name string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[name]
	return c, ok
}

// All returns every registered client, for the Health Monitor's probe round
// and the Event Hub's reader fan-out.
func (p *Pool) All() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}
