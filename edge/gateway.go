package edge

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cinema-seats/broadcast"
	"cinema-seats/shared"
)

// Gateway upgrades browser connections and binds each one to the hub.
type Gateway struct {
	hub      *broadcast.Hub
	seats    SeatService
	logger   *zap.Logger
	upgrader websocket.Upgrader
	newID    func() string

	// parent of every connection's command context
	ctx context.Context
}

// NewGateway serves connections until ctx is done. Commands issued by a
// connection are cancelled when ctx is.
func NewGateway(ctx context.Context, hub *broadcast.Hub, seats SeatService, logger *zap.Logger) *Gateway {
	return &Gateway{
		hub:    hub,
		seats:  seats,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browsers connect from the frontend's origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		newID: uuid.NewString,
		ctx:   ctx,
	}
}

// ServeWS upgrades the request and starts the connection's pumps.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := g.newID()
	client := &Client{
		gateway:     g,
		conn:        conn,
		sub:         broadcast.NewSubscriber(id, sendBuffer),
		id:          id,
		held:        make(map[heldSeat]struct{}),
		connectedAt: time.Now(),
		logger:      g.logger.With(zap.String("client_id", id)),
	}
	g.hub.Register(client.sub)
	client.logger.Info("client connected", zap.String("remote_addr", r.RemoteAddr))

	go client.writePump()
	go client.readPump(g.ctx)
}

// Register mounts the websocket endpoint and hub stats on r.
func (g *Gateway) Register(r gin.IRouter) {
	r.GET(shared.WebSocketEndpoint, func(c *gin.Context) {
		g.ServeWS(c.Writer, c.Request)
	})
	r.GET(shared.APIEndpointStats, func(c *gin.Context) {
		c.JSON(http.StatusOK, g.hub.GetStats())
	})
}

// Health reports the gateway as healthy along with its connection count.
func (g *Gateway) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"clients": g.hub.GetClientCount(),
		"time":    time.Now().Unix(),
	})
}
