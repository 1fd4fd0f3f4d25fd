package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/mercury/internal/api"
	"github.com/matheus3301/mercury/internal/bus"
	"github.com/matheus3301/mercury/internal/session"
)

// Server serves the envelope protocol over the session's Unix socket.
// Each client connection gets its own read loop; bus events are fanned
// out to every connection as event frames.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	dispatcher *api.Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer binds the daemon socket. A stale socket from a crashed daemon
// is removed first; the session lock already guarantees exclusivity.
func NewServer(p Params, d *api.Dispatcher, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		listener:   listener,
		socketPath: socketPath,
		dispatcher: d,
		bus:        b,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.httpServer = &http.Server{Handler: http.HandlerFunc(s.handleWS)}
	return s, nil
}

// Start begins serving client connections. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("daemon socket listening", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop tears down client connections and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("daemon socket closing")
	// Hijacked websocket connections do not count for Shutdown; cancelling
	// the server context unblocks their read loops.
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = c.CloseNow() }()

	s.logger.Debug("client connected")
	err = s.serveConn(c)
	switch {
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway,
		errors.Is(err, context.Canceled):
	default:
		s.logger.Debug("client disconnected", zap.Error(err))
	}
}

// eventData is the payload of a pushed event frame.
type eventData struct {
	AID     string `json:"aid"`
	At      int64  `json:"at"`
	Payload any    `json:"payload,omitempty"`
}

func (s *Server) serveConn(c *websocket.Conn) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	c.SetReadLimit(1 << 20)

	// One writer goroutine per connection; responses and event pushes
	// share the frames channel.
	frames := make(chan []byte, 64)
	events, unsub := s.bus.Subscribe("", 128)
	defer unsub()

	go func() {
		for {
			select {
			case evt := <-events:
				frame, err := json.Marshal(api.EventFrame{
					Type:  "event",
					Event: evt.Kind,
					Data: eventData{
						AID:     evt.Account,
						At:      evt.Timestamp.UnixMilli(),
						Payload: evt.Payload,
					},
				})
				if err != nil {
					s.logger.Error("marshal event frame", zap.Error(err))
					continue
				}
				select {
				case frames <- frame:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case frame := <-frames:
				if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, raw, err := c.Read(ctx)
		if err != nil {
			return err
		}
		resp := s.dispatcher.Handle(ctx, raw)
		select {
		case frames <- resp:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
