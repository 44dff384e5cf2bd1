package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/stream"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 90 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// validTopic accepts the three topic families the bus serves.
func validTopic(topic string) bool {
	if topic == stream.TopicDashboard {
		return true
	}
	for _, prefix := range []string{"backtest:", "live:"} {
		if id := strings.TrimPrefix(topic, prefix); id != topic && id != "" {
			return true
		}
	}
	return false
}

// serveWS bridges one bus subscription onto a WebSocket connection.
// Envelopes flow server to client; the only client messages honored are
// pong and backtest.cancel.
func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if !validTopic(topic) {
		h.writeErr(w, r, fmt.Errorf("topic %q: %w", topic, domain.ErrNotFound))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("websocket upgrade failed")
		return
	}
	sub := h.bus.Subscribe(topic)
	log := h.log.With().Str("topic", topic).Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("websocket client connected")

	go h.writePump(conn, sub, log)
	h.readPump(conn, sub, topic, log)
}

// writePump forwards bus frames and keeps the connection alive with
// protocol-level pings. It exits when the subscription or the socket dies.
func (h *handlers) writePump(conn *websocket.Conn, sub *stream.Subscription, log zerolog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case frame, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages until the connection closes. Closing
// the subscription here also stops the write pump.
func (h *handlers) readPump(conn *websocket.Conn, sub *stream.Subscription, topic string, log zerolog.Logger) {
	defer func() {
		sub.Close()
		conn.Close()
		log.Debug().Msg("websocket client disconnected")
	}()
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("unparseable client message")
			continue
		}
		switch msg.Type {
		case stream.TypePong:
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
		case stream.TypeCancel:
			id := strings.TrimPrefix(topic, "backtest:")
			if id == topic {
				log.Debug().Msg("cancel on a non-backtest topic ignored")
				continue
			}
			if err := h.backtests.Cancel(context.Background(), id); err != nil {
				log.Warn().Err(err).Str("run_id", id).Msg("cancel over websocket failed")
			}
		default:
			log.Debug().Str("type", msg.Type).Msg("unhandled client message")
		}
	}
}
