package persona

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
	personaService "github.com/zhouzirui/personify/backend/internal/service/persona"
	"github.com/zhouzirui/personify/backend/internal/storage"
)

func setupRouter(t *testing.T) *chi.Mux {
	t.Helper()
	tiers := storage.NewTiers(storage.NewMemoryMetadata(), storage.NewMemoryBlobs())
	handler := New(personaService.NewService(tiers), zaptest.NewLogger(t))

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func TestPersonaLifecycle(t *testing.T) {
	r := setupRouter(t)

	resp := do(t, r, http.MethodPost, "/personas", map[string]string{
		"name": "Pirate", "system": "Talk like a pirate.", "image": "data:image/png;base64,AAAA",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	created := decode[map[string]any](t, resp)
	id := created["id"].(string)
	assert.Equal(t, persona.ImageKey(id), created["image"])
	assert.Equal(t, persona.DefaultPrefix, created["prefix"])

	resp = do(t, r, http.MethodGet, "/personas/"+id+"/image", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "data:image/png;base64,AAAA", decode[map[string]string](t, resp)["image"])

	resp = do(t, r, http.MethodPut, "/personas/"+id, map[string]string{"name": "Captain", "imageAction": "clear"})
	require.Equal(t, http.StatusOK, resp.Code)
	updated := decode[map[string]any](t, resp)
	assert.Equal(t, "Captain", updated["name"])
	assert.Nil(t, updated["image"])

	resp = do(t, r, http.MethodGet, "/personas/"+id+"/image", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(t, r, http.MethodPut, "/personas/active", map[string]string{"id": id})
	require.Equal(t, http.StatusOK, resp.Code)
	resp = do(t, r, http.MethodGet, "/personas/active", nil)
	assert.Equal(t, id, decode[map[string]any](t, resp)["id"])

	resp = do(t, r, http.MethodDelete, "/personas/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	resp = do(t, r, http.MethodGet, "/personas/active", nil)
	assert.Equal(t, persona.DefaultID, decode[map[string]any](t, resp)["id"])

	resp = do(t, r, http.MethodGet, "/personas", nil)
	list := decode[[]map[string]any](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, persona.DefaultID, list[0]["id"])
}

func TestDeleteDefaultIsForbidden(t *testing.T) {
	r := setupRouter(t)
	resp := do(t, r, http.MethodDelete, "/personas/"+persona.DefaultID, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestUnknownPersona(t *testing.T) {
	r := setupRouter(t)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/personas/ghost", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPut, "/personas/ghost", map[string]string{"name": "x"}).Code)
}

func TestInvalidImageAction(t *testing.T) {
	r := setupRouter(t)
	resp := do(t, r, http.MethodPut, "/personas/"+persona.DefaultID, map[string]string{"imageAction": "replace"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = do(t, r, http.MethodPut, "/personas/"+persona.DefaultID, map[string]string{"imageAction": "rotate"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	r := setupRouter(t)

	resp := do(t, r, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "gpt-4o-mini-vision", decode[map[string]any](t, resp)["openai_api_model"])

	resp = do(t, r, http.MethodPut, "/settings", map[string]any{"openai_api_url": "http://localhost:8080", "openai_api_img": 3})
	require.Equal(t, http.StatusOK, resp.Code)
	saved := decode[map[string]any](t, resp)
	assert.Equal(t, "http://localhost:8080", saved["openai_api_url"])
	assert.EqualValues(t, 3, saved["openai_api_img"])
}
