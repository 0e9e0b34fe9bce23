package integration_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/muralhq/mural/backend/internal/audit"
	"github.com/muralhq/mural/backend/internal/broadcast"
	"github.com/muralhq/mural/backend/internal/canvas"
	"github.com/muralhq/mural/backend/internal/hub"
	"github.com/muralhq/mural/backend/internal/idgen"
	"github.com/muralhq/mural/backend/internal/locks"
	"github.com/muralhq/mural/backend/internal/pipeline"
	"github.com/muralhq/mural/backend/internal/ratelimit"
	"github.com/muralhq/mural/backend/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	integrationCanvasEdge = 32
	integrationBurst      = 3
	artistUserID          = "artist-7"
	moderatorUserID       = "moderator-1"
	frameReadTimeout      = 5 * time.Second
	jsonContentType       = "application/json"
)

type wireFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

type bulkUpdateData struct {
	Pixels []struct {
		X     int    `json:"x"`
		Y     int    `json:"y"`
		Color string `json:"color"`
	} `json:"pixels"`
	Hash string `json:"hash"`
}

type rejectData struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Reason string `json:"reason"`
}

type auditEntryData struct {
	Action string `json:"action"`
	UserID string `json:"user_id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Detail string `json:"detail"`
}

func TestPixelSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:integration_sync_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql connection: %v", err)
	}
	// The audit recorder and the HTTP handlers write concurrently.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&locks.Record{}, &audit.Entry{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	store, err := canvas.NewStore(integrationCanvasEdge, integrationCanvasEdge)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	ids := idgen.NewUUIDProvider()

	lockManager, err := locks.NewManager(locks.ManagerConfig{
		Database:     db,
		CanvasWidth:  integrationCanvasEdge,
		CanvasHeight: integrationCanvasEdge,
		Clock:        time.Now,
		IDProvider:   ids,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build lock manager: %v", err)
	}
	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build audit recorder: %v", err)
	}

	// A tiny refill keeps the token count effectively frozen for the
	// duration of the test, so acceptance is decided by the burst alone.
	limiter := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Burst:        integrationBurst,
		RefillPerSec: 0.0001,
		MinuteCap:    100,
		Clock:        time.Now,
	})

	sessions, err := hub.NewHub(hub.Config{
		QueueSize:         32,
		HeartbeatInterval: time.Minute,
		SessionTimeout:    5 * time.Minute,
		Clock:             time.Now,
		IDProvider:        ids,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build hub: %v", err)
	}
	batcher, err := broadcast.NewBatcher(broadcast.BatcherConfig{
		Window:   20 * time.Millisecond,
		HashFunc: store.Hash,
		Publish:  server.BulkUpdatePublisher(sessions, zap.NewNop()),
		Clock:    time.Now,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build batcher: %v", err)
	}
	writePipeline, err := pipeline.New(pipeline.Config{
		Store:   store,
		Locks:   lockManager,
		Rate:    limiter,
		Batcher: batcher,
		Audit:   recorder,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build pipeline: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:    store,
		Pipeline: writePipeline,
		Locks:    lockManager,
		Hub:      sessions,
		Audit:    recorder,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go batcher.Run(ctx)
	go recorder.Run(ctx)
	go sessions.Run(ctx)

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	socketURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws"
	conn, dialResp, err := websocket.DefaultDialer.Dial(socketURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial websocket: %v", err)
	}
	if dialResp != nil {
		dialResp.Body.Close()
	}
	defer conn.Close()

	// Two writes spend two of the three burst tokens; each comes back in
	// its own broadcast window.
	sendPixelFrame(testContext, conn, 3, 4, "#FF0000")
	firstBatch := readBulkUpdate(testContext, conn)
	if len(firstBatch.Pixels) != 1 || firstBatch.Pixels[0].X != 3 || firstBatch.Pixels[0].Y != 4 || firstBatch.Pixels[0].Color != "#FF0000" {
		testContext.Fatalf("unexpected first batch: %#v", firstBatch)
	}
	if firstBatch.Hash == "" {
		testContext.Fatalf("expected content hash on bulk update")
	}

	sendPixelFrame(testContext, conn, 6, 7, "#0000FF")
	secondBatch := readBulkUpdate(testContext, conn)
	if len(secondBatch.Pixels) != 1 || secondBatch.Pixels[0].X != 6 || secondBatch.Pixels[0].Y != 7 {
		testContext.Fatalf("unexpected second batch: %#v", secondBatch)
	}

	// A moderation lock over the lower-left corner.
	lockBody, _ := json.Marshal(map[string]any{
		"x1":         0,
		"y1":         0,
		"x2":         5,
		"y2":         5,
		"reason":     "mural section reserved",
		"created_by": moderatorUserID,
	})
	lockResp, err := http.Post(testServer.URL+"/locks", jsonContentType, bytes.NewReader(lockBody))
	if err != nil {
		testContext.Fatalf("lock request failed: %v", err)
	}
	defer lockResp.Body.Close()
	if lockResp.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected lock status: %d", lockResp.StatusCode)
	}
	var lockPayload struct {
		LockID string `json:"lock_id"`
	}
	if err := json.NewDecoder(lockResp.Body).Decode(&lockPayload); err != nil {
		testContext.Fatalf("failed to decode lock response: %v", err)
	}
	if lockPayload.LockID == "" {
		testContext.Fatalf("expected lock id in response")
	}

	// Writes into the locked region are refused before the rate gate, so
	// the third token survives the attempt.
	sendPixelFrame(testContext, conn, 5, 5, "#00FF00")
	lockedReject := readReject(testContext, conn)
	if lockedReject.X != 5 || lockedReject.Y != 5 || lockedReject.Reason != "RegionLocked" {
		testContext.Fatalf("unexpected locked reject: %#v", lockedReject)
	}

	sendPixelFrame(testContext, conn, 8, 8, "#FFFF00")
	thirdBatch := readBulkUpdate(testContext, conn)
	if len(thirdBatch.Pixels) != 1 || thirdBatch.Pixels[0].X != 8 || thirdBatch.Pixels[0].Y != 8 {
		testContext.Fatalf("unexpected third batch: %#v", thirdBatch)
	}

	// The bucket is now empty.
	sendPixelFrame(testContext, conn, 9, 9, "#00FFFF")
	rateReject := readReject(testContext, conn)
	if rateReject.X != 9 || rateReject.Y != 9 || rateReject.Reason != "RateLimitExceeded" {
		testContext.Fatalf("unexpected rate reject: %#v", rateReject)
	}

	// Heartbeats are answered on the same socket.
	if err := conn.WriteJSON(map[string]any{"type": "heartbeat"}); err != nil {
		testContext.Fatalf("failed to send heartbeat: %v", err)
	}
	ackType, _ := readFrame(testContext, conn)
	if ackType != "heartbeat:ack" {
		testContext.Fatalf("expected heartbeat ack, got %s", ackType)
	}

	// The REST snapshot agrees with the last broadcast.
	snapshotResp, err := http.Get(testServer.URL + "/canvas")
	if err != nil {
		testContext.Fatalf("snapshot request failed: %v", err)
	}
	defer snapshotResp.Body.Close()
	if snapshotResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected snapshot status: %d", snapshotResp.StatusCode)
	}
	var snapshotPayload struct {
		Width   int    `json:"width"`
		Height  int    `json:"height"`
		Bitmap  string `json:"bitmap"`
		Version int64  `json:"version"`
		Hash    string `json:"hash"`
	}
	if err := json.NewDecoder(snapshotResp.Body).Decode(&snapshotPayload); err != nil {
		testContext.Fatalf("failed to decode snapshot response: %v", err)
	}
	if snapshotPayload.Version != 3 {
		testContext.Fatalf("expected version 3 after three accepted writes, got %d", snapshotPayload.Version)
	}
	if snapshotPayload.Hash != thirdBatch.Hash {
		testContext.Fatalf("snapshot hash %s does not match broadcast hash %s", snapshotPayload.Hash, thirdBatch.Hash)
	}
	bitmap, err := base64.StdEncoding.DecodeString(snapshotPayload.Bitmap)
	if err != nil {
		testContext.Fatalf("failed to decode bitmap: %v", err)
	}
	offset := (4*integrationCanvasEdge + 3) * 3
	if bitmap[offset] != 0xFF || bitmap[offset+1] != 0x00 || bitmap[offset+2] != 0x00 {
		testContext.Fatalf("expected red at (3,4), got %#v", bitmap[offset:offset+3])
	}

	// The audit trail catches up off the write path.
	entries := awaitAuditEntries(testContext, testServer.URL, 6)
	counts := map[string]int{}
	for _, entry := range entries {
		counts[entry.Action]++
	}
	if counts["pixel_write"] != 3 || counts["pixel_reject"] != 2 || counts["lock_create"] != 1 {
		testContext.Fatalf("unexpected audit actions: %#v", counts)
	}
	for _, entry := range entries {
		if entry.Action == "lock_create" && entry.UserID != moderatorUserID {
			testContext.Fatalf("expected lock entry attributed to moderator, got %#v", entry)
		}
	}
}

func TestCanvasStateSurvivesRestart(testContext *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:integration_restart_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&canvas.StateRecord{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	firstStore, err := canvas.NewStore(8, 8)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	repository, err := canvas.NewRepository(canvas.RepositoryConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build repository: %v", err)
	}

	if _, err := firstStore.ApplyWrite(1, 1, canvas.Color{R: 0xFF}); err != nil {
		testContext.Fatalf("failed to write pixel: %v", err)
	}
	if _, err := firstStore.ApplyWrite(2, 2, canvas.Color{B: 0xFF}); err != nil {
		testContext.Fatalf("failed to write pixel: %v", err)
	}

	flusher, err := canvas.NewFlusher(canvas.FlusherConfig{
		Store:      firstStore,
		Repository: repository,
		Interval:   time.Hour,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build flusher: %v", err)
	}
	if err := flusher.FlushNow(context.Background()); err != nil {
		testContext.Fatalf("failed to flush canvas: %v", err)
	}

	secondStore, err := canvas.NewStore(8, 8)
	if err != nil {
		testContext.Fatalf("failed to build second store: %v", err)
	}
	persisted, found, err := repository.Load(context.Background())
	if err != nil {
		testContext.Fatalf("failed to load snapshot: %v", err)
	}
	if !found {
		testContext.Fatalf("expected persisted snapshot after flush")
	}
	if err := secondStore.Restore(persisted.Bitmap, persisted.Version); err != nil {
		testContext.Fatalf("failed to restore canvas: %v", err)
	}

	if secondStore.Version() != 2 {
		testContext.Fatalf("expected restored version 2, got %d", secondStore.Version())
	}
	if secondStore.Hash() != firstStore.Hash() {
		testContext.Fatalf("restored hash %s does not match original %s", secondStore.Hash(), firstStore.Hash())
	}
	restoredColor, err := secondStore.CellColor(1, 1)
	if err != nil {
		testContext.Fatalf("failed to read restored cell: %v", err)
	}
	if restoredColor.Hex() != "#FF0000" {
		testContext.Fatalf("unexpected restored color: %s", restoredColor.Hex())
	}
}

func sendPixelFrame(testContext *testing.T, conn *websocket.Conn, x, y int, color string) {
	testContext.Helper()
	frame := map[string]any{
		"type": "pixel:update",
		"data": map[string]any{
			"x":               x,
			"y":               y,
			"color":           color,
			"tool":            "brush",
			"clientTimestamp": time.Now().UTC().Format(time.RFC3339),
			"userId":          artistUserID,
		},
	}
	if err := conn.WriteJSON(frame); err != nil {
		testContext.Fatalf("failed to send pixel frame: %v", err)
	}
}

func readFrame(testContext *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	testContext.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(frameReadTimeout)); err != nil {
		testContext.Fatalf("failed to arm read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		testContext.Fatalf("failed to read frame: %v", err)
	}
	var frame wireFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		testContext.Fatalf("failed to decode frame: %v", err)
	}
	if frame.Type == "" {
		testContext.Fatalf("frame missing type: %s", payload)
	}
	if frame.Timestamp == "" {
		testContext.Fatalf("frame missing timestamp: %s", payload)
	}
	return frame.Type, frame.Data
}

func readBulkUpdate(testContext *testing.T, conn *websocket.Conn) bulkUpdateData {
	testContext.Helper()
	frameType, data := readFrame(testContext, conn)
	if frameType != "pixel:bulk_update" {
		testContext.Fatalf("expected bulk update frame, got %s", frameType)
	}
	var batch bulkUpdateData
	if err := json.Unmarshal(data, &batch); err != nil {
		testContext.Fatalf("failed to decode bulk update: %v", err)
	}
	return batch
}

func readReject(testContext *testing.T, conn *websocket.Conn) rejectData {
	testContext.Helper()
	frameType, data := readFrame(testContext, conn)
	if frameType != "pixel:reject" {
		testContext.Fatalf("expected reject frame, got %s", frameType)
	}
	var reject rejectData
	if err := json.Unmarshal(data, &reject); err != nil {
		testContext.Fatalf("failed to decode reject: %v", err)
	}
	return reject
}

func awaitAuditEntries(testContext *testing.T, baseURL string, want int) []auditEntryData {
	testContext.Helper()
	deadline := time.Now().Add(frameReadTimeout)
	for {
		resp, err := http.Get(baseURL + "/audit")
		if err != nil {
			testContext.Fatalf("audit request failed: %v", err)
		}
		var payload struct {
			Entries []auditEntryData `json:"entries"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if decodeErr != nil {
			testContext.Fatalf("failed to decode audit response: %v", decodeErr)
		}
		if len(payload.Entries) >= want {
			return payload.Entries
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("audit trail never reached %d entries, got %#v", want, payload.Entries)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
