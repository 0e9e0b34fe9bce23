package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/muralhq/mural/backend/internal/canvas"
	"github.com/muralhq/mural/backend/internal/hub"
	"go.uber.org/zap"
)

const realtimeReadLimitBytes = 64 * 1024

// The REST surface already answers any origin, so the socket does too.
var realtimeUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := h.sessions.Register(conn)
	if err != nil {
		h.logger.Error("session registration failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	defer h.sessions.Unregister(session.ID())

	conn.SetReadLimit(realtimeReadLimitBytes)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Any inbound frame counts as a liveness signal.
		session.Touch(h.clock())
		h.handleFrame(session, payload)
	}
}

func (h *httpHandler) handleFrame(session *hub.Session, payload []byte) {
	var envelope wireEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		h.logger.Debug("malformed realtime frame",
			zap.String("connection_id", session.ID()), zap.Error(err))
		return
	}

	switch envelope.Type {
	case MessageTypePixelUpdate:
		h.handlePixelUpdateFrame(session, envelope.Data)
	case MessageTypeHeartbeat:
		ack, err := encodeHeartbeatAck(h.clock())
		if err != nil {
			h.logger.Error("heartbeat ack encoding failed", zap.Error(err))
			return
		}
		h.sessions.Send(session, ack)
	default:
		h.logger.Debug("unhandled realtime frame",
			zap.String("connection_id", session.ID()),
			zap.String("type", envelope.Type))
	}
}

func (h *httpHandler) handlePixelUpdateFrame(session *hub.Session, data json.RawMessage) {
	var payload pixelUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.logger.Debug("malformed pixel update",
			zap.String("connection_id", session.ID()), zap.Error(err))
		return
	}

	write, err := pixelWriteFromPayload(payload)
	if err != nil {
		h.logger.Debug("unparseable pixel update",
			zap.String("connection_id", session.ID()), zap.Error(err))
		return
	}

	if _, err := h.pipeline.SubmitWrite(write); err != nil {
		rejection, ok := canvas.AsRejection(err)
		if !ok {
			h.logger.Error("pixel write failed", zap.Error(err))
			return
		}
		frame, encodeErr := encodePixelReject(rejection, h.clock())
		if encodeErr != nil {
			h.logger.Error("reject encoding failed", zap.Error(encodeErr))
			return
		}
		h.sessions.Send(session, frame)
	}
}

// pixelWriteFromPayload validates the client fields that have closed
// domains. Coordinates are passed through untouched so the pipeline can
// answer out-of-range cells with a typed rejection.
func pixelWriteFromPayload(payload pixelUpdatePayload) (canvas.PixelWrite, error) {
	color, err := canvas.ParseHexColor(payload.Color)
	if err != nil {
		return canvas.PixelWrite{}, err
	}
	userID, err := canvas.NewUserID(payload.UserID)
	if err != nil {
		return canvas.PixelWrite{}, err
	}
	return canvas.PixelWrite{
		X:               payload.X,
		Y:               payload.Y,
		Color:           color,
		Tool:            canvas.NormalizeTool(payload.Tool),
		UserID:          userID,
		ClientTimestamp: payload.ClientTimestamp,
	}, nil
}
