package server

import (
	"encoding/json"
	"time"

	"github.com/muralhq/mural/backend/internal/broadcast"
	"github.com/muralhq/mural/backend/internal/canvas"
	"github.com/muralhq/mural/backend/internal/hub"
	"go.uber.org/zap"
)

// Realtime frame types. Client field names inside data follow the protocol
// the canvas client speaks (camelCase), unlike the REST payloads.
const (
	MessageTypePixelUpdate  = "pixel:update"
	MessageTypeBulkUpdate   = "pixel:bulk_update"
	MessageTypePixelReject  = "pixel:reject"
	MessageTypeHeartbeat    = "heartbeat"
	MessageTypeHeartbeatAck = "heartbeat:ack"
)

type wireEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

type pixelUpdatePayload struct {
	X               int    `json:"x"`
	Y               int    `json:"y"`
	Color           string `json:"color"`
	Tool            string `json:"tool"`
	ClientTimestamp string `json:"clientTimestamp"`
	UserID          string `json:"userId"`
}

type bulkPixelPayload struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

type bulkUpdatePayload struct {
	Pixels []bulkPixelPayload `json:"pixels"`
	Hash   string             `json:"hash"`
}

type pixelRejectPayload struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Reason string `json:"reason"`
}

func encodeEnvelope(messageType string, data any, at time.Time) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(wireEnvelope{
		Type:      messageType,
		Data:      raw,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
}

// EncodeBulkUpdate renders one closed broadcast window as a pixel:bulk_update
// frame carrying every changed cell and the canvas content hash.
func EncodeBulkUpdate(batch broadcast.Batch) ([]byte, error) {
	pixels := make([]bulkPixelPayload, 0, len(batch.Cells))
	for _, cell := range batch.Cells {
		pixels = append(pixels, bulkPixelPayload{X: cell.X, Y: cell.Y, Color: cell.Color.Hex()})
	}
	return encodeEnvelope(MessageTypeBulkUpdate, bulkUpdatePayload{Pixels: pixels, Hash: batch.Hash}, batch.ClosedAt)
}

func encodePixelReject(rejection *canvas.Rejection, at time.Time) ([]byte, error) {
	payload := pixelRejectPayload{
		X:      rejection.X,
		Y:      rejection.Y,
		Reason: string(rejection.Reason),
	}
	return encodeEnvelope(MessageTypePixelReject, payload, at)
}

func encodeHeartbeatAck(at time.Time) ([]byte, error) {
	return encodeEnvelope(MessageTypeHeartbeatAck, nil, at)
}

// BulkUpdatePublisher adapts a connection hub into the batcher's publish
// callback. Encoding failures are logged and the window is skipped.
func BulkUpdatePublisher(sessions *hub.Hub, logger *zap.Logger) func(broadcast.Batch) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(batch broadcast.Batch) {
		frame, err := EncodeBulkUpdate(batch)
		if err != nil {
			logger.Error("bulk update encoding failed", zap.Error(err))
			return
		}
		sessions.Broadcast(frame)
	}
}
