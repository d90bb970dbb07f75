package gateway

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/internal/agent/orchestrator"
	"github.com/codepod-dev/codepod/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// StreamTurn relays one turn's events to the websocket connection and
// guarantees the client sees exactly one terminal frame. When the socket
// breaks mid-turn the remaining events are drained so the turn never blocks
// on a dead client.
func StreamTurn(conn *websocket.Conn, events <-chan orchestrator.Event, log *logger.Logger) {
	terminalSent := false
	writeBroken := false

	for event := range events {
		frame, ok := FrameFor(event)
		if !ok {
			log.Warn("unmapped orchestrator event", zap.String("kind", string(event.Kind)))
			continue
		}
		if writeBroken {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			log.WithError(err).Debug("websocket write failed, draining turn")
			writeBroken = true
			continue
		}
		if frame.Terminal() {
			terminalSent = true
		}
	}

	// The orchestrator always ends with a terminal event; this only fires if
	// the channel closed abnormally
	if !terminalSent && !writeBroken {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ErrorFrame("event stream closed unexpectedly")); err != nil {
			log.WithError(err).Debug("failed to write final error frame")
		}
	}
}
