// Package gateway accepts WebSocket connections from page executors and
// exposes each as a bridge.Transport keyed by browser tab. It translates
// the socket lifecycle into bus events: a hello frame becomes a tab
// update, a dropped socket becomes a tab removal.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/bridge"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/game"
)

const helloTimeout = 10 * time.Second

// Server is the executor gateway.
type Server struct {
	addr   string
	bus    *events.Bus
	logger zerolog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.RWMutex
	conns map[int]*Conn // keyed by tab id
}

// NewServer creates a gateway listening on addr.
func NewServer(addr string, bus *events.Bus) *Server {
	return &Server{
		addr:   addr,
		bus:    bus,
		logger: log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Executors connect from game-page origins we cannot enumerate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[int]*Conn),
	}
}

// Start runs the gateway until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/executor/ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("executor gateway listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway listen failed: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
		s.mu.Lock()
		for _, c := range s.conns {
			c.close()
		}
		s.conns = make(map[int]*Conn)
		s.mu.Unlock()
		return nil
	}
}

// Transport returns the transport bound to a tab, or false if no executor
// is attached there.
func (s *Server) Transport(tabID int) (bridge.Transport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[tabID]
	return c, ok
}

// IsTabAlive reports whether an executor is currently attached to a tab.
func (s *Server) IsTabAlive(tabID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[tabID]
	return ok
}

// Tabs returns a snapshot of attached tabs and their URLs.
func (s *Server) Tabs() map[int]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]string, len(s.conns))
	for id, c := range s.conns {
		out[id] = c.url
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	// First frame must be the hello announcing tab and page.
	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Kind != frameHello {
		s.logger.Warn().Err(err).Msg("executor did not send hello, closing")
		_ = ws.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	serverKey := game.ServerKeyFromURL(hello.URL)
	conn := newConn(ws, hello, serverKey,
		s.logger.With().Int("tab", hello.TabID).Str("server", serverKey).Logger())

	s.mu.Lock()
	if old, ok := s.conns[hello.TabID]; ok {
		old.close()
	}
	s.conns[hello.TabID] = conn
	s.mu.Unlock()

	conn.logger.Info().Str("url", hello.URL).Msg("executor attached")
	s.bus.Emit(context.Background(), events.Event{
		Type:   events.EventTabUpdated,
		Source: "gateway",
		Payload: events.TabPayload{
			TabID: hello.TabID, URL: hello.URL, ServerKey: serverKey,
		},
	})
	s.bus.Emit(context.Background(), events.Event{
		Type:   events.EventContentReady,
		Source: "gateway",
		Payload: events.TabPayload{
			TabID: hello.TabID, URL: hello.URL, ServerKey: serverKey,
		},
	})

	s.readLoop(conn)
}

// readLoop pumps frames off one socket until it drops, then unregisters
// the tab and reports the removal.
func (s *Server) readLoop(c *Conn) {
	defer func() {
		c.close()
		s.mu.Lock()
		// Only unregister if this conn still owns the tab; a reconnect may
		// have replaced it already.
		if cur, ok := s.conns[c.tabID]; ok && cur == c {
			delete(s.conns, c.tabID)
			s.mu.Unlock()
			c.logger.Info().Msg("executor detached")
			s.bus.Emit(context.Background(), events.Event{
				Type:   events.EventTabRemoved,
				Source: "gateway",
				Payload: events.TabPayload{
					TabID: c.tabID, URL: c.url, ServerKey: c.serverKey,
				},
			})
			return
		}
		s.mu.Unlock()
	}()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("executor socket error")
			}
			return
		}
		switch f.Kind {
		case frameResponse:
			if f.Response == nil {
				c.logger.Warn().Int64("id", f.ID).Msg("response frame without body")
				continue
			}
			c.dispatch(f.ID, *f.Response)
		case frameHello:
			// Page navigated within the same socket: refresh the binding.
			c.logger.Debug().Str("url", f.URL).Msg("executor re-announced")
		case frameNotify:
			s.bus.Emit(context.Background(), events.Event{
				Type:   events.EventNotifyOperator,
				Source: "executor",
				Payload: events.NotifyPayload{
					Title:     f.Event,
					Message:   string(f.Payload),
					Level:     "info",
					ServerKey: c.serverKey,
				},
			})
		default:
			c.logger.Warn().Str("kind", f.Kind).Msg("unknown frame kind")
		}
	}
}
