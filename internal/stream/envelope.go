package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradeforge/tradeforge/internal/domain"
)

// Envelope is the wire frame for every event delivered to subscribers.
// The payload is encoded once at publish time and the resulting bytes are
// shared by every topic the event lands on.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event types owned by the bus and the WebSocket bridge. Runtime
// components publish their own types (backtest.progress, live.state_change,
// ...) alongside these. Pings flow server to client; pongs and cancel
// requests flow back and are handled by the bridge.
const (
	TypePing   = "ping"
	TypePong   = "pong"
	TypeCancel = "backtest.cancel"
)

// Decode parses a frame received from a subscription channel. Frames are
// produced by Publish, so a decode failure indicates a programming error
// or a truncated WebSocket write, not bad user input.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type: %w", domain.ErrValidation)
	}
	return e, nil
}
