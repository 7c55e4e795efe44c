package handler

import (
	"errors"
	"log/slog"

	"github.com/cuongbtq/trial-bundler/internal/channel"
	"github.com/gin-gonic/gin"
)

// Connect handles GET /ws
// Upgrades the request and serves a channel peer until the client leaves
func (h *ChannelHandler) Connect(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		h.logger.Warn("Websocket upgrade failed",
			slog.String("ip", c.ClientIP()),
			slog.String("error", err.Error()),
		)
		return
	}

	peer := channel.NewPeer(channel.NewWebsocketConn(ws), &channel.PeerConfig{
		Logger:           h.logger,
		Registry:         h.registry,
		AuthToken:        h.cfg.AuthToken,
		HeartbeatTimeout: h.cfg.HeartbeatTimeout,
		SendBuffer:       h.cfg.SendBuffer,
	})

	if h.peers != nil {
		h.peers.PeerConnected()
		defer h.peers.PeerDisconnected()
	}

	if err := peer.Serve(h.ctx); err != nil && !errors.Is(err, channel.ErrHeartbeatTimeout) {
		h.logger.Error("Channel peer failed",
			slog.String("peer_id", peer.ID()),
			slog.String("error", err.Error()),
		)
	}
}
