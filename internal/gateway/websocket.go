package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/engine"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway sits behind the deployment's own origin controls.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient serializes writes to one websocket connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleWebSocket runs the envelope/chunk protocol over one connection.
// Each inbound envelope starts one engine request; its chunks are written
// back tagged with the session id. Requests for different sessions may
// interleave; the engine serializes per session.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn}
	log := s.logger.WithFields(zap.String("remote", conn.RemoteAddr().String()))
	log.Info("websocket connected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("websocket read failed")
			}
			break
		}

		env, err := engine.ParseEnvelope(data)
		if err != nil {
			_ = client.writeJSON(gin.H{"type": "error", "error": err.Error(), "is_final": true})
			continue
		}

		chunks, err := s.engine.HandleEnvelope(ctx, env)
		if err != nil {
			_ = client.writeJSON(gin.H{
				"session_id": env.SessionID,
				"type":       "error",
				"error":      err.Error(),
				"is_final":   true,
			})
			continue
		}

		wg.Add(1)
		go func(sessionID string, chunks <-chan engine.Chunk) {
			defer wg.Done()
			for chunk := range chunks {
				if err := client.writeJSON(outboundChunk{SessionID: sessionID, Chunk: chunk}); err != nil {
					cancel()
					return
				}
			}
		}(env.SessionID, chunks)
	}

	cancel()
	wg.Wait()
	_ = conn.Close()
	log.Info("websocket disconnected")
}

// outboundChunk tags an engine chunk with its session for multiplexed
// connections.
type outboundChunk struct {
	SessionID string `json:"session_id"`
	engine.Chunk
}
