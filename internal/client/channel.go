// Package client implements the user-facing side of a call: the
// signaling channel toward the relay and the session controller that
// drives room membership and the peer mesh.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meet60/meet60/internal/domain"
	"github.com/meet60/meet60/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrChannelClosed = errors.New("signaling channel closed")

// Handlers receives decoded relay frames. Unset fields are skipped.
// All callbacks run on the channel's read goroutine.
type Handlers struct {
	OnWelcome     func(id domain.PeerID)
	OnPeersInRoom func(peers []domain.Peer)
	OnPeerJoin    func(peer domain.Peer)
	OnPeerLeave   func(id domain.PeerID)
	OnOffer       func(from domain.PeerID, sdp string)
	OnAnswer      func(from domain.PeerID, sdp string)
	OnICE         func(from domain.PeerID, cand webrtc.ICECandidateInit)
	OnClose       func(err error)
}

// Transport is the signaling surface the session controller drives.
type Transport interface {
	Connect(ctx context.Context) error
	// OnceOpen blocks until the relay has assigned this client an
	// identity, the context expires, or the channel dies.
	OnceOpen(ctx context.Context) error
	Send(v any) error
	Close()
}

// Channel is a websocket connection to the relay. Frames are JSON,
// outbound writes are serialized through a single pump goroutine.
type Channel struct {
	url      string
	handlers Handlers

	conn *websocket.Conn
	send chan []byte
	open chan struct{}
	done chan struct{}

	closeOnce sync.Once
	openOnce  sync.Once
}

func NewChannel(url string, h Handlers) *Channel {
	return &Channel{
		url:      url,
		handlers: h,
		send:     make(chan []byte, 32),
		open:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Channel) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Channel) OnceOpen(ctx context.Context) error {
	select {
	case <-c.open:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Channel) readPump() {
	defer func() {
		c.Close()
		if c.conn != nil {
			c.conn.Close()
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.handlers.OnClose != nil {
				c.handlers.OnClose(err)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if c.conn != nil {
			c.conn.Close()
		}
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// dispatch decodes one frame and routes it. Malformed frames are
// dropped, same as the relay does for malformed client frames.
func (c *Channel) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("module", "channel").Msg("malformed frame dropped")
		return
	}

	switch env.Type {
	case protocol.TypeWelcome:
		var msg protocol.Welcome
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if c.handlers.OnWelcome != nil {
			c.handlers.OnWelcome(domain.PeerID(msg.ID))
		}
		c.openOnce.Do(func() { close(c.open) })

	case protocol.TypePeersInRoom:
		var msg protocol.PeersInRoom
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if c.handlers.OnPeersInRoom != nil {
			c.handlers.OnPeersInRoom(msg.Peers)
		}

	case protocol.TypePeerJoin:
		var msg protocol.PeerJoin
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if c.handlers.OnPeerJoin != nil {
			c.handlers.OnPeerJoin(domain.Peer{ID: msg.PeerID, DisplayName: msg.DisplayName})
		}

	case protocol.TypePeerLeave:
		var msg protocol.PeerLeave
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if c.handlers.OnPeerLeave != nil {
			c.handlers.OnPeerLeave(msg.PeerID)
		}

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICE:
		c.dispatchSignal(env.Type, data)

	default:
		log.Debug().Str("module", "channel").Str("type", env.Type).Msg("unknown frame dropped")
	}
}

func (c *Channel) dispatchSignal(kind string, data []byte) {
	var sig protocol.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return
	}
	from := domain.PeerID(sig.From)

	switch kind {
	case protocol.TypeOffer, protocol.TypeAnswer:
		var body protocol.SDP
		if err := json.Unmarshal(sig.Payload, &body); err != nil {
			log.Debug().Err(err).Str("module", "channel").Str("from", sig.From).Msg("bad sdp payload dropped")
			return
		}
		if kind == protocol.TypeOffer && c.handlers.OnOffer != nil {
			c.handlers.OnOffer(from, body.SDP)
		}
		if kind == protocol.TypeAnswer && c.handlers.OnAnswer != nil {
			c.handlers.OnAnswer(from, body.SDP)
		}

	case protocol.TypeICE:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &cand); err != nil {
			log.Debug().Err(err).Str("module", "channel").Str("from", sig.From).Msg("bad candidate payload dropped")
			return
		}
		if c.handlers.OnICE != nil {
			c.handlers.OnICE(from, cand)
		}
	}
}
