package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meet60/meet60/internal/core"
	"github.com/meet60/meet60/internal/domain"
	"github.com/meet60/meet60/internal/protocol"
)

func (ctl *Controller) writePump(ctx context.Context, sid core.SessionID, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Relay.Disconnect(sid)
	}()

	if ctl.readLimit > 0 {
		c.conn.SetReadLimit(ctl.readLimit)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				return
			}
			ctl.handleMessage(sid, data)
		}
	}
}

// handleMessage dispatches one inbound frame. Malformed payloads are
// dropped without a response.
func (ctl *Controller) handleMessage(sid core.SessionID, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad json dropped")
		return
	}

	switch env.Type {
	case protocol.TypeJoin:
		var p protocol.Join
		if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("bad join payload dropped")
			return
		}
		ctl.Relay.Join(sid, domain.RoomID(p.RoomID), p.DisplayName)

	case protocol.TypeLeave:
		ctl.Relay.Leave(sid)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICE:
		var s protocol.Signal
		if err := json.Unmarshal(data, &s); err != nil || s.Target == "" {
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("type", env.Type).Msg("bad signal payload dropped")
			return
		}
		ctl.Relay.Forward(sid, env.Type, core.SessionID(s.Target), s.Payload)

	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}
