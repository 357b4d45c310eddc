package server

import (
	"log/slog"
	"net/http"
	"time"

	"tg_market/internal/domain"
	"tg_market/internal/infra/storage"
	"tg_market/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Identity comes from init data, not the origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// message is the envelope pushed to websocket clients
type message struct {
	Type string `json:"type"` // "profile", "market", "error"
	Data any    `json:"data"`
}

// client is one websocket connection streaming a single watch
type client struct {
	conn   *websocket.Conn
	send   chan message
	done   chan struct{}
	alive  func() // called on every push and ping
	logger *slog.Logger
}

func newClient(conn *websocket.Conn, alive func(), logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		send:   make(chan message, sendBuffer),
		done:   make(chan struct{}),
		alive:  alive,
		logger: logger,
	}
}

// push queues msg, dropping the oldest pending message when the client is slow
func (c *client) push(msg message) {
	for {
		select {
		case c.send <- msg:
			return
		case <-c.done:
			return
		default:
			select {
			case <-c.send:
			default:
			}
		}
	}
}

// readPump acts as the watchdog of the connection; it returns when the client goes away
func (c *client) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Info("WebSocket error", slog.Any("error", err))
			}
			return
		}
	}
}

// writePump sends queued messages and keeps the connection alive with pings
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.alive()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Info("WebSocket write error", slog.Any("error", err))
				return
			}

		case <-ticker.C:
			c.alive()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// stream upgrades the request, runs watch and detaches it when the client leaves
func (s *Server) stream(c *gin.Context, watch func(push func(message)) (storage.Unsubscribe, error)) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Info("Failed to upgrade websocket", slog.Any("error", err))
		return
	}

	// An open socket keeps its session from being swept
	id := c.GetString(ctxSessionID)
	cl := newClient(conn, func() { s.sessions.Touch(id) }, s.logger)

	// The cached snapshot is queued synchronously, before the writer starts
	unsub, err := watch(cl.push)
	if err != nil {
		s.logger.Warn("WebSocket watch failed", slog.Any("error", err))
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(message{Type: "error", Data: err.Error()})
		_ = conn.Close()
		return
	}
	defer unsub()

	go cl.writePump()
	cl.readPump()
}

func (s *Server) wsProfile(c *gin.Context) {
	id, _ := s.identityOf(c)
	svc := service.NewProfileService(s.sessionEnv(c))

	s.stream(c, func(push func(message)) (storage.Unsubscribe, error) {
		return svc.WatchProfile(c.Request.Context(), id, func(p *domain.UserProfile) {
			push(message{Type: "profile", Data: p})
		})
	})
}

func (s *Server) wsMarket(c *gin.Context) {
	svc := service.NewMarketService(s.sessionEnv(c))

	s.stream(c, func(push func(message)) (storage.Unsubscribe, error) {
		return svc.WatchMarket(c.Request.Context(), func(tokens []domain.MarketToken) {
			push(message{Type: "market", Data: tokenViews(tokens)})
		})
	})
}
