package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/securefin/ledger-core/internal/identity"
	"github.com/securefin/ledger-core/internal/ledger"
	"go.uber.org/zap"
)

// writeTimeout bounds one snapshot write; a peer that stops reading is
// dropped instead of holding the subscription callback.
const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The demo UI is served from another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler streams the caller's feed over a WebSocket: the current
// snapshot on connect, then a fresh snapshot after every committed
// mutation, mirroring the live subscriptions of the web client.
type WSHandler struct {
	logger *zap.Logger
	feed   *ledger.Feed
}

func NewWSHandler(logger *zap.Logger, feed *ledger.Feed) *WSHandler {
	return &WSHandler{logger: logger, feed: feed}
}

func (h *WSHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws/feed", h.Feed)
}

func (h *WSHandler) Feed(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		c.Status(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	// Serialize writes: the subscription callback and the close path both
	// touch the connection.
	var writeMu sync.Mutex
	unsubscribe, err := h.feed.Subscribe(principal.Identity, func(snap ledger.FeedSnapshot) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			h.logger.Debug("dropping feed subscriber",
				zap.String("identity", principal.Identity), zap.Error(err))
		}
	})
	if err != nil {
		h.logger.Error("feed subscription failed", zap.Error(err))
		return
	}
	defer unsubscribe()

	// Block until the client goes away; inbound payloads are not part of
	// the protocol.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
