package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/muralhq/mural/backend/internal/audit"
	"github.com/muralhq/mural/backend/internal/broadcast"
	"github.com/muralhq/mural/backend/internal/canvas"
	"github.com/muralhq/mural/backend/internal/hub"
	"github.com/muralhq/mural/backend/internal/idgen"
	"github.com/muralhq/mural/backend/internal/locks"
	"github.com/muralhq/mural/backend/internal/pipeline"
	"github.com/muralhq/mural/backend/internal/ratelimit"
	"gorm.io/gorm"
)

const testCanvasEdge = 16

var fixtureTime = time.Date(2026, 3, 9, 10, 30, 0, 0, time.UTC)

type routerFixture struct {
	handler http.Handler
	db      *gorm.DB
	store   *canvas.Store
	locks   *locks.Manager
	deps    Dependencies
}

// newRouterFixture assembles the full HTTP surface over an in-memory
// database and a small board. mutate runs on the dependency set before the
// handler is built, so tests can install caches or limiters.
func newRouterFixture(testContext *testing.T, mutate func(deps *Dependencies)) *routerFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:mural_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&locks.Record{}, &audit.Entry{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := canvas.NewStore(testCanvasEdge, testCanvasEdge)
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}

	ids := idgen.NewUUIDProvider()
	clock := func() time.Time { return fixtureTime }

	lockManager, err := locks.NewManager(locks.ManagerConfig{
		Database:     db,
		CanvasWidth:  testCanvasEdge,
		CanvasHeight: testCanvasEdge,
		Clock:        clock,
		IDProvider:   ids,
	})
	if err != nil {
		testContext.Fatalf("failed to create lock manager: %v", err)
	}

	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: ids,
	})
	if err != nil {
		testContext.Fatalf("failed to create audit recorder: %v", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.LimiterConfig{Clock: clock})

	sessions, err := hub.NewHub(hub.Config{Clock: clock, IDProvider: ids})
	if err != nil {
		testContext.Fatalf("failed to create hub: %v", err)
	}

	batcher, err := broadcast.NewBatcher(broadcast.BatcherConfig{
		HashFunc: store.Hash,
		Publish:  func(broadcast.Batch) {},
		Clock:    clock,
	})
	if err != nil {
		testContext.Fatalf("failed to create batcher: %v", err)
	}

	writePipeline, err := pipeline.New(pipeline.Config{
		Store:   store,
		Locks:   lockManager,
		Rate:    limiter,
		Batcher: batcher,
		Audit:   recorder,
	})
	if err != nil {
		testContext.Fatalf("failed to create pipeline: %v", err)
	}

	deps := Dependencies{
		Store:    store,
		Pipeline: writePipeline,
		Locks:    lockManager,
		Hub:      sessions,
		Audit:    recorder,
		Clock:    clock,
	}
	if mutate != nil {
		mutate(&deps)
	}

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}

	return &routerFixture{
		handler: handler,
		db:      db,
		store:   store,
		locks:   lockManager,
		deps:    deps,
	}
}
