package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/warden-project/warden/internal/bridge"
)

// Frame kinds on the executor socket. The executor opens the socket,
// announces itself with a hello frame, then answers request frames and
// pushes notify frames on its own initiative.
const (
	frameHello    = "hello"
	frameRequest  = "request"
	frameResponse = "response"
	frameNotify   = "notify"
)

// frame is the wire envelope in both directions.
type frame struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id,omitempty"`

	// hello
	TabID int    `json:"tabId,omitempty"`
	URL   string `json:"url,omitempty"`

	// request
	Request *bridge.Request `json:"request,omitempty"`

	// response
	Response *bridge.Response `json:"response,omitempty"`

	// notify
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is one attached executor. It implements bridge.Transport: requests
// are correlated to responses by frame id, and a call abandoned by its
// context is settled so a late response is discarded instead of being
// delivered twice.
type Conn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	tabID     int
	url       string
	serverKey string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan bridge.Response
	corrID    atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, hello frame, serverKey string, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:        ws,
		logger:    logger,
		tabID:     hello.TabID,
		url:       hello.URL,
		serverKey: serverKey,
		pending:   make(map[int64]chan bridge.Response),
		closed:    make(chan struct{}),
	}
}

// TabID returns the browser tab this executor lives in.
func (c *Conn) TabID() int { return c.tabID }

// URL returns the page URL the executor announced.
func (c *Conn) URL() string { return c.url }

// ServerKey returns the server key derived from the announced URL.
func (c *Conn) ServerKey() string { return c.serverKey }

// Do sends one request and waits for the matching response.
func (c *Conn) Do(ctx context.Context, req bridge.Request) (bridge.Response, error) {
	id := c.corrID.Add(1)
	ch := make(chan bridge.Response, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(frame{Kind: frameRequest, ID: id, Request: &req}); err != nil {
		c.settle(id)
		return bridge.Response{}, bridge.ErrNotAttached
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.settle(id)
		return bridge.Response{}, ctx.Err()
	case <-c.closed:
		c.settle(id)
		return bridge.Response{}, bridge.ErrNotAttached
	}
}

// settle removes a pending call. After settling, a response with that id
// finds no channel and is dropped in dispatch.
func (c *Conn) settle(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) dispatch(id int64, resp bridge.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug().Int64("id", id).Msg("dropping late executor response")
		return
	}
	ch <- resp
}

func (c *Conn) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
