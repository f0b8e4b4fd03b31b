package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump owns the connection's lifetime: when it returns, the connection
// is unregistered, which runs the same cleanup as an explicit leave.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(c.user)).Str("conn", string(c.id)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.Disconnect(c.id)
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		ctl.Orch.Touch(c.id)
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
		ctl.Orch.Touch(c.id)
		ctl.handleSignal(ctx, c, data)
	}
}
