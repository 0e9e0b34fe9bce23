package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/muralhq/mural/backend/internal/audit"
	"github.com/muralhq/mural/backend/internal/cache"
	"github.com/muralhq/mural/backend/internal/canvas"
	"github.com/muralhq/mural/backend/internal/hub"
	"github.com/muralhq/mural/backend/internal/locks"
	"github.com/muralhq/mural/backend/internal/pipeline"
	"github.com/muralhq/mural/backend/internal/ratelimit"
	"go.uber.org/zap"
)

const jsonContentType = "application/json; charset=utf-8"

var (
	errMissingCanvasStore   = errors.New("canvas store dependency required")
	errMissingWritePipeline = errors.New("write pipeline dependency required")
	errMissingLockManager   = errors.New("lock manager dependency required")
	errMissingConnectionHub = errors.New("connection hub dependency required")
	errMissingAuditRecorder = errors.New("audit recorder dependency required")
)

// Dependencies carries everything the HTTP surface needs. The caches and
// per-IP read limiters are optional; a nil cache always misses and a nil
// limiter admits every request.
type Dependencies struct {
	Store           *canvas.Store
	Pipeline        *pipeline.Pipeline
	Locks           *locks.Manager
	Hub             *hub.Hub
	Audit           *audit.Recorder
	SnapshotCache   *cache.TTL[int64, []byte]
	ImageCache      *cache.TTL[int64, []byte]
	SnapshotLimiter *ratelimit.WindowLimiter
	ImageLimiter    *ratelimit.WindowLimiter
	AuditLimiter    *ratelimit.WindowLimiter
	Clock           func() time.Time
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingCanvasStore
	}
	if deps.Pipeline == nil {
		return nil, errMissingWritePipeline
	}
	if deps.Locks == nil {
		return nil, errMissingLockManager
	}
	if deps.Hub == nil {
		return nil, errMissingConnectionHub
	}
	if deps.Audit == nil {
		return nil, errMissingAuditRecorder
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:         deps.Store,
		pipeline:      deps.Pipeline,
		locks:         deps.Locks,
		sessions:      deps.Hub,
		audit:         deps.Audit,
		snapshotCache: deps.SnapshotCache,
		imageCache:    deps.ImageCache,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/", handler.handleRoot)
	router.GET("/health", handler.handleHealth)
	router.GET("/canvas", handler.limitByClientIP(deps.SnapshotLimiter), handler.handleCanvasSnapshot)
	router.GET("/canvas/image", handler.limitByClientIP(deps.ImageLimiter), handler.handleCanvasImage)
	router.GET("/palette", handler.handlePalette)
	router.GET("/audit", handler.limitByClientIP(deps.AuditLimiter), handler.handleAuditLog)
	router.GET("/locks", handler.handleListLocks)
	router.POST("/locks", handler.handleCreateLock)
	router.DELETE("/locks", handler.handleRemoveLockRegion)
	router.DELETE("/locks/:lockID", handler.handleRemoveLock)
	router.GET("/ws", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	store         *canvas.Store
	pipeline      *pipeline.Pipeline
	locks         *locks.Manager
	sessions      *hub.Hub
	audit         *audit.Recorder
	snapshotCache *cache.TTL[int64, []byte]
	imageCache    *cache.TTL[int64, []byte]
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) limitByClientIP(limiter *ratelimit.WindowLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		if !limiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(int(limiter.RetryAfter().Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too_many_requests"})
			return
		}
		c.Next()
	}
}

func (h *httpHandler) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Mural collaborative canvas API"})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}

type canvasStatePayload struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Bitmap      string `json:"bitmap"`
	Version     int64  `json:"version"`
	Hash        string `json:"hash"`
	LastUpdated string `json:"last_updated"`
}

// handleCanvasSnapshot serves the full board as base64 RGB rows. Bodies are
// cached per canvas version, so an idle board costs one render.
func (h *httpHandler) handleCanvasSnapshot(c *gin.Context) {
	if body, ok := h.snapshotCache.Get(h.store.Version()); ok {
		c.Data(http.StatusOK, jsonContentType, body)
		return
	}

	snapshot := h.store.Snapshot()
	payload := canvasStatePayload{
		Width:       snapshot.Width,
		Height:      snapshot.Height,
		Bitmap:      base64.StdEncoding.EncodeToString(snapshot.Bitmap),
		Version:     snapshot.Version,
		Hash:        snapshot.Hash,
		LastUpdated: h.clock().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("snapshot encoding failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}
	h.snapshotCache.Set(snapshot.Version, body)
	c.Data(http.StatusOK, jsonContentType, body)
}

func (h *httpHandler) handleCanvasImage(c *gin.Context) {
	if body, ok := h.imageCache.Get(h.store.Version()); ok {
		c.Data(http.StatusOK, "image/png", body)
		return
	}

	snapshot := h.store.Snapshot()
	body, err := renderPNG(snapshot)
	if err != nil {
		h.logger.Error("canvas image rendering failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "image_render_failed"})
		return
	}
	h.imageCache.Set(snapshot.Version, body)
	c.Data(http.StatusOK, "image/png", body)
}

func renderPNG(snapshot canvas.Snapshot) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, snapshot.Width, snapshot.Height))
	for cell, pix := 0, 0; cell < len(snapshot.Bitmap); cell, pix = cell+3, pix+4 {
		img.Pix[pix] = snapshot.Bitmap[cell]
		img.Pix[pix+1] = snapshot.Bitmap[cell+1]
		img.Pix[pix+2] = snapshot.Bitmap[cell+2]
		img.Pix[pix+3] = 0xFF
	}

	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

type palettePayload struct {
	Colors    []paletteColorPayload `json:"colors"`
	MaxColors int                   `json:"max_colors"`
}

type paletteColorPayload struct {
	Color string `json:"color"`
}

func (h *httpHandler) handlePalette(c *gin.Context) {
	colors := canvas.Palette()
	payload := palettePayload{
		Colors:    make([]paletteColorPayload, 0, len(colors)),
		MaxColors: len(colors),
	}
	for _, hexColor := range colors {
		payload.Colors = append(payload.Colors, paletteColorPayload{Color: hexColor})
	}
	c.JSON(http.StatusOK, payload)
}

type auditLogPayload struct {
	Entries []auditEntryPayload `json:"entries"`
}

type auditEntryPayload struct {
	EntryID           string `json:"entry_id"`
	RecordedAtSeconds int64  `json:"recorded_at_s"`
	UserID            string `json:"user_id"`
	Action            string `json:"action"`
	X                 int    `json:"x"`
	Y                 int    `json:"y"`
	Color             string `json:"color"`
	Detail            string `json:"detail"`
}

func (h *httpHandler) handleAuditLog(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	entries, err := h.audit.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("audit listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_failed"})
		return
	}

	payload := auditLogPayload{Entries: make([]auditEntryPayload, 0, len(entries))}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, auditEntryPayload{
			EntryID:           entry.EntryID,
			RecordedAtSeconds: entry.RecordedAtSeconds,
			UserID:            entry.UserID,
			Action:            string(entry.Action),
			X:                 entry.X,
			Y:                 entry.Y,
			Color:             entry.Color,
			Detail:            entry.Detail,
		})
	}
	c.JSON(http.StatusOK, payload)
}

type lockPayload struct {
	LockID           string `json:"lock_id"`
	X1               int    `json:"x1"`
	Y1               int    `json:"y1"`
	X2               int    `json:"x2"`
	Y2               int    `json:"y2"`
	Reason           string `json:"reason"`
	CreatedBy        string `json:"created_by"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func lockToPayload(lock locks.Lock) lockPayload {
	return lockPayload{
		LockID:           lock.ID,
		X1:               lock.Region.X1,
		Y1:               lock.Region.Y1,
		X2:               lock.Region.X2,
		Y2:               lock.Region.Y2,
		Reason:           lock.Reason,
		CreatedBy:        lock.CreatedBy,
		CreatedAtSeconds: lock.CreatedAt.Unix(),
	}
}

func (h *httpHandler) handleListLocks(c *gin.Context) {
	active := h.locks.List()
	payload := struct {
		Locks []lockPayload `json:"locks"`
	}{Locks: make([]lockPayload, 0, len(active))}
	for _, lock := range active {
		payload.Locks = append(payload.Locks, lockToPayload(lock))
	}
	c.JSON(http.StatusOK, payload)
}

type createLockPayload struct {
	X1        int    `json:"x1"`
	Y1        int    `json:"y1"`
	X2        int    `json:"x2"`
	Y2        int    `json:"y2"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"created_by"`
}

func (h *httpHandler) handleCreateLock(c *gin.Context) {
	var request createLockPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	lock, err := h.locks.Create(c.Request.Context(), locks.CreateRequest{
		Region:    locks.Region{X1: request.X1, Y1: request.Y1, X2: request.X2, Y2: request.Y2},
		Reason:    request.Reason,
		CreatedBy: request.CreatedBy,
	})
	if err != nil {
		switch {
		case errors.Is(err, locks.ErrRegionOutOfBounds):
			c.JSON(http.StatusBadRequest, gin.H{"error": "region_out_of_bounds"})
		case errors.Is(err, locks.ErrMissingCreator):
			c.JSON(http.StatusBadRequest, gin.H{"error": "creator_required"})
		default:
			h.logger.Error("lock creation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lock_create_failed"})
		}
		return
	}

	h.audit.Record(audit.Draft{
		UserID: lock.CreatedBy,
		Action: audit.ActionLockCreate,
		X:      lock.Region.X1,
		Y:      lock.Region.Y1,
		Detail: lock.ID,
	})
	c.JSON(http.StatusCreated, lockToPayload(lock))
}

func (h *httpHandler) handleRemoveLock(c *gin.Context) {
	lockID := strings.TrimSpace(c.Param("lockID"))
	removed, err := h.locks.Remove(c.Request.Context(), lockID)
	if err != nil {
		h.logger.Error("lock removal failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock_remove_failed"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "lock_not_found"})
		return
	}

	h.audit.Record(audit.Draft{
		UserID: string(canvas.AnonymousUserID),
		Action: audit.ActionLockRemove,
		Detail: lockID,
	})
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// handleRemoveLockRegion removes every lock whose rectangle matches the
// x1/y1/x2/y2 query coordinates exactly.
func (h *httpHandler) handleRemoveLockRegion(c *gin.Context) {
	region, err := regionFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_region"})
		return
	}

	count, err := h.locks.RemoveRegion(c.Request.Context(), region)
	if err != nil {
		h.logger.Error("lock region removal failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock_remove_failed"})
		return
	}

	if count > 0 {
		h.audit.Record(audit.Draft{
			UserID: string(canvas.AnonymousUserID),
			Action: audit.ActionLockRemove,
			X:      region.X1,
			Y:      region.Y1,
			Detail: strconv.Itoa(count) + " locks removed by region",
		})
	}
	c.JSON(http.StatusOK, gin.H{"removed": count})
}

func regionFromQuery(c *gin.Context) (locks.Region, error) {
	coordinates := [4]int{}
	for i, key := range []string{"x1", "y1", "x2", "y2"} {
		value, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
		if err != nil {
			return locks.Region{}, err
		}
		coordinates[i] = value
	}
	return locks.Region{X1: coordinates[0], Y1: coordinates[1], X2: coordinates[2], Y2: coordinates[3]}, nil
}
