package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/personify/backend/internal/app"
	"github.com/zhouzirui/personify/backend/internal/cache"
	"github.com/zhouzirui/personify/backend/internal/service/chat"
	"github.com/zhouzirui/personify/backend/internal/service/persona"
	"github.com/zhouzirui/personify/backend/internal/service/transfer"
	"github.com/zhouzirui/personify/backend/internal/storage"
)

func memoryApp(t *testing.T) *app.App {
	t.Helper()
	tiers := storage.NewTiers(storage.NewMemoryMetadata(), storage.NewMemoryBlobs())
	c := cache.NewPersonaCache(tiers.Meta, nil)
	t.Cleanup(c.Close)
	return &app.App{
		Tiers:      tiers,
		Personas:   persona.NewService(tiers),
		Cache:      c,
		Chat:       chat.NewService(),
		Reconciler: transfer.NewReconciler(tiers, transfer.WithWriteInterval(0)),
	}
}

func TestRouterServesAPI(t *testing.T) {
	r := NewRouter(memoryApp(t), nil)

	for _, path := range []string{"/healthz", "/api/personas", "/api/settings", "/api/export", "/api/personas/active"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouterWithoutAssistant(t *testing.T) {
	r := NewRouter(memoryApp(t), nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream/abc?message=hi", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterPreflight(t *testing.T) {
	r := NewRouter(memoryApp(t), nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/personas", nil)
	req.Header.Set("Origin", "chrome-extension://abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
