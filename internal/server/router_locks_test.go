package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/muralhq/mural/backend/internal/locks"
)

func performJSONRequest(testContext *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	testContext.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHandleCreateLockNormalizesAndLists(testContext *testing.T) {
	fixture := newRouterFixture(testContext, nil)

	body := `{"x1":4,"y1":4,"x2":2,"y2":2,"reason":"mural repair","created_by":"moderator-1"}`
	recorder := performJSONRequest(testContext, fixture.handler, http.MethodPost, "/locks", body)
	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("unexpected status: %d (%s)", recorder.Code, recorder.Body.String())
	}

	var created lockPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if created.LockID == "" {
		testContext.Fatalf("expected a lock id")
	}
	if created.X1 != 2 || created.Y1 != 2 || created.X2 != 4 || created.Y2 != 4 {
		testContext.Fatalf("expected normalized corners, got (%d,%d)-(%d,%d)", created.X1, created.Y1, created.X2, created.Y2)
	}
	if created.CreatedAtSeconds != fixtureTime.Unix() {
		testContext.Fatalf("unexpected creation time: %d", created.CreatedAtSeconds)
	}

	if !fixture.locks.IsLocked(3, 3) {
		testContext.Fatalf("expected the lock to cover writes immediately")
	}

	listRecorder := performRequest(testContext, fixture.handler, http.MethodGet, "/locks")
	if listRecorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected list status: %d", listRecorder.Code)
	}
	var listed struct {
		Locks []lockPayload `json:"locks"`
	}
	if err := json.Unmarshal(listRecorder.Body.Bytes(), &listed); err != nil {
		testContext.Fatalf("failed to decode list response: %v", err)
	}
	if len(listed.Locks) != 1 || listed.Locks[0].LockID != created.LockID {
		testContext.Fatalf("unexpected lock listing: %#v", listed.Locks)
	}
}

func TestHandleCreateLockValidationFailures(testContext *testing.T) {
	testCases := []struct {
		name      string
		body      string
		wantError string
	}{
		{
			name:      "region out of bounds",
			body:      `{"x1":0,"y1":0,"x2":99,"y2":5,"created_by":"moderator-1"}`,
			wantError: "region_out_of_bounds",
		},
		{
			name:      "missing creator",
			body:      `{"x1":0,"y1":0,"x2":5,"y2":5,"created_by":"  "}`,
			wantError: "creator_required",
		},
		{
			name:      "malformed json",
			body:      `{"x1":`,
			wantError: "invalid_request",
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			fixture := newRouterFixture(testContext, nil)

			recorder := performJSONRequest(testContext, fixture.handler, http.MethodPost, "/locks", testCase.body)
			if recorder.Code != http.StatusBadRequest {
				testContext.Fatalf("unexpected status: %d", recorder.Code)
			}
			var payload map[string]string
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
				testContext.Fatalf("failed to decode response: %v", err)
			}
			if payload["error"] != testCase.wantError {
				testContext.Fatalf("expected error %q, got %q", testCase.wantError, payload["error"])
			}
		})
	}
}

func TestHandleRemoveLockByID(testContext *testing.T) {
	fixture := newRouterFixture(testContext, nil)

	lock, err := fixture.locks.Create(context.Background(), locks.CreateRequest{
		Region:    locks.Region{X1: 1, Y1: 1, X2: 3, Y2: 3},
		CreatedBy: "moderator-1",
	})
	if err != nil {
		testContext.Fatalf("failed to create lock: %v", err)
	}

	recorder := performRequest(testContext, fixture.handler, http.MethodDelete, "/locks/"+lock.ID)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status: %d", recorder.Code)
	}
	if fixture.locks.IsLocked(2, 2) {
		testContext.Fatalf("expected the region to be released")
	}

	again := performRequest(testContext, fixture.handler, http.MethodDelete, "/locks/"+lock.ID)
	if again.Code != http.StatusNotFound {
		testContext.Fatalf("expected not found on repeat removal, got %d", again.Code)
	}
}

func TestHandleRemoveLockRegionMatchesExactRectangle(testContext *testing.T) {
	fixture := newRouterFixture(testContext, nil)

	target := locks.Region{X1: 1, Y1: 1, X2: 3, Y2: 3}
	for range [2]struct{}{} {
		if _, err := fixture.locks.Create(context.Background(), locks.CreateRequest{
			Region:    target,
			CreatedBy: "moderator-1",
		}); err != nil {
			testContext.Fatalf("failed to create lock: %v", err)
		}
	}
	if _, err := fixture.locks.Create(context.Background(), locks.CreateRequest{
		Region:    locks.Region{X1: 0, Y1: 0, X2: 9, Y2: 9},
		CreatedBy: "moderator-1",
	}); err != nil {
		testContext.Fatalf("failed to create wider lock: %v", err)
	}

	recorder := performRequest(testContext, fixture.handler, http.MethodDelete, "/locks?x1=1&y1=1&x2=3&y2=3")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status: %d", recorder.Code)
	}
	var payload struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if payload.Removed != 2 {
		testContext.Fatalf("expected two locks removed, got %d", payload.Removed)
	}
	if len(fixture.locks.List()) != 1 {
		testContext.Fatalf("expected the wider lock to survive")
	}

	bad := performRequest(testContext, fixture.handler, http.MethodDelete, "/locks?x1=a&y1=1&x2=3&y2=3")
	if bad.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for malformed coordinates, got %d", bad.Code)
	}
}
