// Package bridge implements the request/response protocol between a bot
// engine and the executor embedded in its game page: adaptive timeouts,
// monotonic request ids so the executor can discard replayed requests,
// retry on transient disconnects, and the liveness probing used after
// page navigations.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/warden-project/warden/internal/game"
)

// Request message types.
const (
	TypeScan     = "SCAN"
	TypeExecute  = "EXECUTE"
	TypeGetState = "GET_STATE"
)

// Adaptive timeout tuning. Each timeout widens the window by TimeoutStep
// up to TimeoutCap; any successful response resets it to TimeoutBase.
const (
	TimeoutBase = 30 * time.Second
	TimeoutCap  = 60 * time.Second
	TimeoutStep = 10 * time.Second
)

// Liveness probe tuning for WaitForContentScript.
const (
	probeTimeout = 1500 * time.Millisecond
	probeGap     = 800 * time.Millisecond
)

var (
	// ErrTimeout fires when the executor did not answer within the window.
	// The pending call is settled: a late response is discarded, never
	// double-resolved.
	ErrTimeout = errors.New("executor request timed out")
	// ErrNotAttached means no executor is currently bound to the tab,
	// typically during the window after a page navigation.
	ErrNotAttached = errors.New("executor not attached")
)

// Request is one message to the page executor.
type Request struct {
	Type      string         `json:"type"`
	Action    string         `json:"action,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	RequestID int64          `json:"_requestId,omitempty"`
}

// Response is the executor's answer.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Transport delivers one request to the page executor and returns its
// response. Implementations must honour ctx cancellation by settling the
// pending call so late responses are dropped.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Bridge wraps a Transport with the engine-facing protocol policies.
type Bridge struct {
	transport Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	timeout time.Duration

	requestID atomic.Int64
}

// New creates a bridge over the given transport.
func New(transport Transport, logger zerolog.Logger) *Bridge {
	return &Bridge{
		transport: transport,
		logger:    logger.With().Str("component", "bridge").Logger(),
		timeout:   TimeoutBase,
	}
}

func (b *Bridge) currentTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeout
}

func (b *Bridge) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = TimeoutBase
}

func (b *Bridge) onTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timeout+TimeoutStep <= TimeoutCap {
		b.timeout += TimeoutStep
	} else {
		b.timeout = TimeoutCap
	}
}

// do sends one request with the current adaptive window.
func (b *Bridge) do(ctx context.Context, req Request, window time.Duration) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	resp, err := b.transport.Do(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			b.onTimeout()
			b.logger.Warn().
				Str("type", req.Type).
				Str("action", req.Action).
				Dur("window", window).
				Msg("executor request timed out, widening window")
			return Response{}, ErrTimeout
		}
		return Response{}, err
	}
	b.onSuccess()
	return resp, nil
}

// Scan requests a full game-state snapshot.
func (b *Bridge) Scan(ctx context.Context) (game.State, error) {
	resp, err := b.do(ctx, Request{Type: TypeScan}, b.currentTimeout())
	if err != nil {
		return game.State{}, err
	}
	if !resp.Success {
		if resp.Error != "" {
			return game.State{}, fmt.Errorf("scan failed: %s", resp.Error)
		}
		return game.State{}, errors.New("scan failed")
	}
	var state game.State
	if err := json.Unmarshal(resp.Data, &state); err != nil {
		return game.State{}, fmt.Errorf("scan returned malformed state: %w", err)
	}
	return state, nil
}

// Execute invokes a named action on the executor. Each call is stamped
// with a fresh monotonic request id; transient disconnect errors are
// retried twice with 1s and 2s backoff, covering the window when a page
// has navigated and the new executor is not yet attached.
func (b *Bridge) Execute(ctx context.Context, action string, params map[string]any) (Response, error) {
	req := Request{
		Type:      TypeExecute,
		Action:    action,
		Params:    params,
		RequestID: b.requestID.Add(1),
	}

	backoffs := []time.Duration{time.Second, 2 * time.Second}
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := b.do(ctx, req, b.currentTimeout())
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt >= len(backoffs) || !isTransientDisconnect(err) {
			return Response{}, lastErr
		}
		b.logger.Debug().Err(err).Str("action", action).Int("attempt", attempt+1).Msg("transient executor disconnect, retrying")
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(backoffs[attempt]):
		}
	}
}

// GetState fetches a single named property, a cheap probe compared to a
// full SCAN.
func (b *Bridge) GetState(ctx context.Context, property string) (json.RawMessage, error) {
	resp, err := b.do(ctx, Request{
		Type:   TypeGetState,
		Params: map[string]any{"property": property},
	}, b.currentTimeout())
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("get_state %s failed: %s", property, resp.Error)
	}
	return resp.Data, nil
}

// Ping is the liveness probe used before executing a task.
func (b *Bridge) Ping(ctx context.Context) error {
	_, err := b.probe(ctx)
	return err
}

func (b *Bridge) probe(ctx context.Context) (json.RawMessage, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	resp, err := b.transport.Do(probeCtx, Request{
		Type:   TypeGetState,
		Params: map[string]any{"property": "page"},
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New("probe rejected")
	}
	return resp.Data, nil
}

// WaitForContentScript polls the executor until it answers or maxWait
// elapses. Used after every navigation that reloads the page, when the
// old executor is gone and the new one may not have attached yet.
func (b *Bridge) WaitForContentScript(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		if _, err := b.probe(ctx); err == nil {
			b.onSuccess()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("executor did not attach within %s: %w", maxWait, ErrNotAttached)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeGap):
		}
	}
}

// isTransientDisconnect matches the error shapes produced while a page is
// mid-navigation and its executor is not reachable.
func isTransientDisconnect(err error) bool {
	if errors.Is(err, ErrNotAttached) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "receiving end does not exist") ||
		strings.Contains(msg, "could not establish connection")
}
