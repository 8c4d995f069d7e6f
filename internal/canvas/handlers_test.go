package canvas

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jarvishq/jarvisd/internal/common/logger"
)

func setupHandler(t *testing.T) *gin.Engine {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	store := createTestStore(t)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	NewHandler(store, log).RegisterRoutes(engine.Group("/api"))
	return engine
}

func TestLayoutRoundTrip(t *testing.T) {
	engine := setupHandler(t)

	body, _ := json.Marshal(gin.H{
		"positions": gin.H{"agent-1": gin.H{"x": 1, "y": 2}},
		"viewport":  gin.H{"zoom": 2},
	})
	req := httptest.NewRequest(http.MethodPut, "/api/canvas/main", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("put failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/canvas/main", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get failed: %d", rec.Code)
	}
	var layout Layout
	if err := json.Unmarshal(rec.Body.Bytes(), &layout); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if layout.Workspace != "main" || layout.UserID != "system" {
		t.Errorf("unexpected layout: %+v", layout)
	}
	if string(layout.Positions) != `{"agent-1":{"x":1,"y":2}}` {
		t.Errorf("positions not preserved: %s", layout.Positions)
	}
}

func TestGetLayoutMissing(t *testing.T) {
	engine := setupHandler(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/canvas/empty", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
