package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/httperr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// quoteStream upgrades to WebSocket and pushes every quote for one symbol
// subscription until the client hangs up.
func (s *Server) quoteStream(c *gin.Context) {
	call, err := caller(c, "")
	if err == nil && call.Env == "" {
		// Browser WebSocket clients cannot set custom headers.
		call.Env = c.Query("env")
	}
	if err == nil && c.Query("symbol") == "" {
		err = httperr.BadRequest("symbol query parameter is required")
	}
	if err != nil {
		he := httperr.From(err)
		c.JSON(he.Status, gin.H{
			"error":     he.Message,
			"details":   he.Details,
			"requestId": c.GetString(ctxRequestID),
		})
		return
	}

	key, err := s.gw.SubscribeQuotes(c.Request.Context(), call, c.Query("symbol"))
	if err != nil {
		he := httperr.From(err)
		c.JSON(he.Status, gin.H{
			"error":     he.Message,
			"details":   he.Details,
			"requestId": c.GetString(ctxRequestID),
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	stream, unsub := s.bus.Subscribe(key, 64)
	defer unsub()

	// Reader goroutine: surfaces client disconnects; inbound content is
	// ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case q, ok := <-stream:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(q); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
