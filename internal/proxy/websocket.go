package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server proxies DevTools protocol traffic to the live engine instance so
// an operator can watch what the automation is doing
type Server struct {
	supervisor *engine.Supervisor
	logger     *zap.Logger
}

// NewServer creates a debug proxy in front of the supervisor
func NewServer(supervisor *engine.Supervisor, logger *zap.Logger) *Server {
	return &Server{
		supervisor: supervisor,
		logger:     logger,
	}
}

// HandleEngineDebug upgrades the request and bridges it to the engine's
// DevTools endpoint
func (s *Server) HandleEngineDebug(w http.ResponseWriter, r *http.Request) {
	if state := s.supervisor.State(); state != engine.StateRunning {
		http.Error(w, fmt.Sprintf("engine is %s", state), http.StatusServiceUnavailable)
		return
	}

	engineURL := s.supervisor.ControlURL()
	if strings.HasPrefix(engineURL, "http") {
		resolved, err := launcher.ResolveURL(engineURL)
		if err != nil {
			http.Error(w, "failed to resolve engine endpoint", http.StatusBadGateway)
			return
		}
		engineURL = resolved
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade debug connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	engineConn, _, err := websocket.DefaultDialer.DialContext(ctx, engineURL, nil)
	if err != nil {
		s.logger.Warn("failed to connect to engine for debug", zap.Error(err))
		clientConn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("error connecting to engine: %v", err)))
		return
	}
	defer engineConn.Close()

	s.logger.Info("debug client connected", zap.String("remote", r.RemoteAddr))

	// Bidirectional proxy
	errChan := make(chan error, 2)
	go func() {
		errChan <- s.proxyMessages(clientConn, engineConn, "client->engine")
	}()
	go func() {
		errChan <- s.proxyMessages(engineConn, clientConn, "engine->client")
	}()

	// Either direction closing ends the bridge
	err = <-errChan
	if err != nil && err != io.EOF {
		s.logger.Debug("debug proxy closed", zap.Error(err))
	}
	s.logger.Info("debug client disconnected", zap.String("remote", r.RemoteAddr))
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error",
					zap.String("direction", direction),
					zap.Error(err))
			}
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			s.logger.Debug("websocket write error",
				zap.String("direction", direction),
				zap.Error(err))
			return err
		}
	}
}
