package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meet60/meet60/internal/app"
	"github.com/meet60/meet60/internal/config"
	"github.com/meet60/meet60/internal/core"
	"github.com/meet60/meet60/internal/domain"
	"github.com/meet60/meet60/internal/origin"
	"github.com/meet60/meet60/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

// Controller accepts signaling websockets, assigns session identity,
// and feeds inbound messages to the relay.
type Controller struct {
	Relay   *app.Relay
	Origins origin.Policy

	readLimit  int64
	sendBuffer int
	writeWait  time.Duration
}

func NewController(relay *app.Relay, cfg *config.Config) *Controller {
	return &Controller{
		Relay:      relay,
		Origins:    origin.NewPolicy(cfg.AllowedOrigins),
		readLimit:  cfg.ReadLimit,
		sendBuffer: cfg.SendBuffer,
		writeWait:  cfg.WriteWait,
	}
}

// The Origin header is checked after the upgrade so a rejected client
// observes a policy close code instead of a failed handshake.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades the connection, enforces the origin policy,
// sends the welcome frame, and runs the read/write pumps until the
// transport dies.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	if originHeader := c.GetHeader("Origin"); !ctl.Origins.Allow(originHeader) {
		log.Warn().Str("module", "signal").Str("origin", originHeader).Msg("origin rejected")
		deadline := time.Now().Add(ctl.writeWait)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "origin not allowed"), deadline)
		_ = ws.Close()
		return
	}

	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, ctl.sendBuffer),
	}

	peer := domain.NewPeer(domain.PeerID(sid), "")
	ctl.Relay.Connect(sid, core.NewMemberSession(&peer, conn))

	if frame, err := json.Marshal(protocol.Welcome{Type: protocol.TypeWelcome, ID: string(sid)}); err == nil {
		_ = conn.TrySend(frame)
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, sid, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
