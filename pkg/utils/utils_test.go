package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "persona not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "persona not found", body["error"])
}

func TestDecodeJSONLimit(t *testing.T) {
	var dst map[string]string
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"`+strings.Repeat("x", 64)+`"}`))
	assert.Error(t, DecodeJSON(httptest.NewRecorder(), req, 16, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
	require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, 0, &dst))
	assert.Equal(t, "ok", dst["name"])
}

func TestSSEStream(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, ok := NewSSEStream(rec)
	require.True(t, ok)

	stream.Send("delta", map[string]string{"content": "hi"})
	stream.Send("end", struct{}{})

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: delta\ndata: {\"content\":\"hi\"}\n\nevent: end\ndata: {}\n\n", rec.Body.String())
}
