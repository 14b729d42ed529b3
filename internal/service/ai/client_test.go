package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/personify/backend/internal/model/settings"
)

// recordingServer captures every decoded request body.
type recordingServer struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
	handle func(w http.ResponseWriter, body map[string]any, call int)
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	call := len(s.bodies)
	s.mu.Unlock()

	s.handle(w, body, call)
}

func testSettings(url string) settings.Settings {
	s := settings.Defaults()
	s.APIURL = url + "/"
	s.APIKey = "secret"
	return s
}

func okJSON(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
}

func TestSendNonStreaming(t *testing.T) {
	rec := &recordingServer{handle: func(w http.ResponseWriter, _ map[string]any, _ int) {
		okJSON(w, "assistant: Hello")
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	client := NewClient()
	msgs := []Message{TextMessage(RoleSystem, "be brief"), {Role: RoleUser, Content: []ContentPart{ImagePart("data:image/jpeg;base64,AA"), TextPart("hi")}}}
	res, err := client.Send(context.Background(), testSettings(srv.URL), msgs, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)
	assert.True(t, json.Valid(res.Raw))

	require.Len(t, rec.bodies, 1)
	body := rec.bodies[0]
	assert.Equal(t, "Bearer secret", rec.auth[0])
	assert.Equal(t, settings.DefaultModel, body["model"])
	assert.Equal(t, false, body["stream"])
	assert.EqualValues(t, settings.DefaultMaxTokens, body["max_tokens"])
	assert.EqualValues(t, settings.DefaultTemperature, body["temperature"])
	assert.EqualValues(t, settings.DefaultTopP, body["top_p"])
	assert.NotContains(t, body, "max_completion_tokens")

	user := body["messages"].([]any)[1].(map[string]any)
	parts := user["content"].([]any)
	assert.Equal(t, "image_url", parts[0].(map[string]any)["type"])
	assert.Equal(t, "data:image/jpeg;base64,AA", parts[0].(map[string]any)["image_url"].(map[string]any)["url"])
}

func TestSendCompatibilityIsSticky(t *testing.T) {
	rec := &recordingServer{}
	rec.handle = func(w http.ResponseWriter, body map[string]any, call int) {
		if _, ok := body["top_p"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"Unsupported parameter: 'top_p' is not supported with this model."}}`)
			return
		}
		okJSON(w, fmt.Sprintf("reply %d", call))
	}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	client := NewClient()
	cfg := testSettings(srv.URL)
	msgs := []Message{TextMessage(RoleUser, "hi")}

	res, err := client.Send(context.Background(), cfg, msgs, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "reply 2", res.Text)
	assert.True(t, client.CompatMode(cfg.Endpoint()))

	res, err = client.Send(context.Background(), cfg, msgs, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "reply 3", res.Text)

	require.Len(t, rec.bodies, 3, "second request skips the failing round trip")
	for _, body := range rec.bodies[1:] {
		assert.NotContains(t, body, "top_p")
		assert.NotContains(t, body, "max_tokens")
		assert.EqualValues(t, settings.DefaultMaxTokens, body["max_completion_tokens"])
		assert.EqualValues(t, 1, body["temperature"])
	}

	other := NewClient()
	assert.False(t, other.CompatMode(cfg.Endpoint()), "compat state belongs to the client instance")
}

func TestSendCompatSignatures(t *testing.T) {
	for _, msg := range []string{
		"Unsupported parameter: 'max_tokens' is not supported with this model. Use 'max_completion_tokens' instead.",
		"unsupported value: 'temperature' does not support 0.7 with this model",
		"This model does not support a custom temperature.",
	} {
		t.Run(msg, func(t *testing.T) {
			assert.True(t, needsCompat(msg))
		})
	}
	assert.False(t, needsCompat("model not found"))
}

func TestSendUnrecognizedBadRequestIsNotRetried(t *testing.T) {
	rec := &recordingServer{handle: func(w http.ResponseWriter, _ map[string]any, _ int) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad messages")
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	client := NewClient()
	_, err := client.Send(context.Background(), testSettings(srv.URL), nil, true, nil)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "bad messages", statusErr.Body)
	assert.Equal(t, "server 400: bad messages", err.Error())
	assert.Len(t, rec.bodies, 1)
}

func TestSendRetryFailureSurfacesStatus(t *testing.T) {
	rec := &recordingServer{handle: func(w http.ResponseWriter, _ map[string]any, call int) {
		if call == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "Unsupported parameter: 'max_tokens'")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "overloaded")
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	_, err := NewClient().Send(context.Background(), testSettings(srv.URL), nil, false, nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "overloaded", statusErr.Body)
	assert.Len(t, rec.bodies, 2)
}

func TestSendStreaming(t *testing.T) {
	rec := &recordingServer{handle: func(w http.ResponseWriter, body map[string]any, _ int) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, piece := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	var deltas []string
	res, err := NewClient().Send(context.Background(), testSettings(srv.URL), nil, true, func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, true, rec.bodies[0]["stream"])
}

func TestSendRequiresEndpoint(t *testing.T) {
	_, err := NewClient().Send(context.Background(), settings.Defaults(), nil, false, nil)
	assert.ErrorIs(t, err, ErrEndpointRequired)
}

func TestResponseTextFallsBackToDocument(t *testing.T) {
	assert.Equal(t, `{"id":"x"}`, ResponseText([]byte(`{ "id": "x" }`)))
	assert.Equal(t, "plain", ResponseText([]byte(`{"choices":[{"text":"plain"}]}`)))
}

func TestSendKeepsZeroSampling(t *testing.T) {
	rec := &recordingServer{handle: func(w http.ResponseWriter, _ map[string]any, _ int) {
		okJSON(w, "ok")
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := testSettings(srv.URL)
	s.Temperature = 0
	s.TopP = 0
	_, err := NewClient().Send(context.Background(), s, []Message{TextMessage(RoleUser, "hi")}, false, nil)
	require.NoError(t, err)

	require.Len(t, rec.bodies, 1)
	assert.EqualValues(t, 0, rec.bodies[0]["temperature"])
	assert.EqualValues(t, 0, rec.bodies[0]["top_p"])
}
