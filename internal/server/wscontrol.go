package server

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/anyhost/sv2relay/internal/network"
)

// HandleWebSocket accepts downstreams over WebSockets. The connection is
// secured with the control plane's Security and then negotiated exactly
// like a TCP connection.
func (cp *ControlPlane) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := cp.logger.With(slog.String("remote_addr", r.RemoteAddr))
	logger.Debug("WebSocket connection request")

	select {
	case <-cp.ctx.Done():
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := network.UpgradeWebSocket(w, r)
	if err != nil {
		logger.Error("failed to upgrade to WebSocket", slog.Any("error", err))
		return
	}

	sec := cp.config.Security
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		cp.handleConnection(conn, func(c net.Conn) (*network.Connection, error) {
			return network.Respond(c, sec)
		})
	}()
}

// WebSocketHandler returns an http.Handler serving HandleWebSocket at
// network.WebSocketPath.
func (cp *ControlPlane) WebSocketHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(network.WebSocketPath, cp.HandleWebSocket)
	return mux
}
