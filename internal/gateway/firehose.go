package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/internal/common/logger"
	"github.com/codepod-dev/codepod/internal/events"
	"github.com/codepod-dev/codepod/internal/events/bus"
)

// ServeFirehose relays sandbox status notifications from the bus to one
// websocket client until the client disconnects. Slow clients are dropped
// rather than allowed to back up the bus.
func ServeFirehose(conn *websocket.Conn, eventBus bus.EventBus, log *logger.Logger) {
	frames := make(chan Frame, 64)

	sub, err := eventBus.Subscribe(events.SubjectSandboxStatus, func(ctx context.Context, e *bus.Event) error {
		frame := Frame{
			Type:      FrameSandboxStatus,
			Data:      e.Data,
			Timestamp: e.Timestamp,
		}
		select {
		case frames <- frame:
		default:
			log.Debug("dropping frame for slow firehose client")
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("firehose subscription failed")
		conn.Close()
		return
	}
	defer func() {
		_ = sub.Unsubscribe()
		conn.Close()
	}()

	// Read pump: clients send nothing meaningful, but reads drive pong
	// handling and disconnect detection
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Debug("firehose read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case frame := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
