package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "hunter2!"
)

// newTestAPI wires an API on top of a test bot with initialized admin
// credentials, without binding a listener.
func newTestAPI(t testing.TB) (*Nexus, *API) {
	t.Helper()
	n, _ := newTestNexus(t)

	hashed, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	state := &BotState{
		AdminUsername: testAdminUsername,
		AdminPassword: hashed,
	}
	if _, err = n.db.Create(context.Background(), state); err != nil {
		t.Fatalf("error creating bot state: %v", err)
	}
	n.botState = state

	api, err := newAPI(n, n.config.API)
	require.NoError(t, err)
	n.api = api
	return n, api
}

func apiRequest(
	t testing.TB,
	api *API,
	method string,
	path string,
	body any,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.SetBasicAuth(testAdminUsername, testAdminPassword)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthCheckUnauthenticated(t *testing.T) {
	_, api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.False(t, body.Paused)
}

func TestAPIAuthRequired(t *testing.T) {
	_, api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathParams, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	req = httptest.NewRequest(http.MethodGet, apiPrefix+apiPathParams, nil)
	req.SetBasicAuth(testAdminUsername, "wrong-password")
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, apiPrefix+apiPathParams, nil)
	req.SetBasicAuth("not-admin", testAdminPassword)
	w = httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIUnavailableBeforeInit(t *testing.T) {
	n, api := newTestAPI(t)
	n.botStateMu.Lock()
	n.botState = nil
	n.botStateMu.Unlock()

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathParams, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPIGetParams(t *testing.T) {
	_, api := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathParams, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var params []ParamDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &params))
	names := make([]string, 0, len(params))
	for _, p := range params {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "nsfw_enabled")
	assert.Contains(t, names, "is_vip")
}

func TestAPIGetPeerConfig(t *testing.T) {
	_, api := newTestAPI(t)

	w := apiRequest(
		t,
		api,
		http.MethodGet,
		fmt.Sprintf("%s/peer_config/%d", apiPrefix, 42),
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, float64(42), doc["chat_id"])
	assert.Equal(t, false, doc["nsfw_enabled"])
}

func TestAPIGetPeerConfigBadChatID(t *testing.T) {
	_, api := newTestAPI(t)

	w := apiRequest(
		t,
		api,
		http.MethodGet,
		apiPrefix+"/peer_config/not-a-number",
		nil,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIUpdatePeerConfig(t *testing.T) {
	n, api := newTestAPI(t)

	w := apiRequest(
		t,
		api,
		http.MethodPatch,
		fmt.Sprintf("%s/peer_config/%d", apiPrefix, 42),
		map[string]any{
			"nsfw_enabled": "yes",
			"bogus_param":  true,
		},
	)
	require.Equal(t, http.StatusOK, w.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, true, doc["nsfw_enabled"])
	assert.NotContains(t, doc, "bogus_param")

	assert.True(
		t,
		n.peerConfig.BoolValue(context.Background(), 42, "nsfw_enabled", false),
	)
}

func TestAPIInvalidatePeerConfig(t *testing.T) {
	n, api := newTestAPI(t)
	ctx := context.Background()

	_, err := n.peerConfig.Get(ctx, 42)
	require.NoError(t, err)

	w := apiRequest(
		t,
		api,
		http.MethodPost,
		fmt.Sprintf("%s/peer_config/%d/invalidate", apiPrefix, 42),
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)

	n.peerConfig.mu.RLock()
	_, cached := n.peerConfig.cache[42]
	n.peerConfig.mu.RUnlock()
	assert.False(t, cached)
}

func TestAPIInvalidateAllPeerConfigs(t *testing.T) {
	n, api := newTestAPI(t)
	ctx := context.Background()

	for _, chatID := range []int64{1, 2, 3} {
		_, err := n.peerConfig.Get(ctx, chatID)
		require.NoError(t, err)
	}

	w := apiRequest(
		t,
		api,
		http.MethodPost,
		apiPrefix+apiPathPeerConfigFlushAll,
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)

	n.peerConfig.mu.RLock()
	remaining := len(n.peerConfig.cache)
	n.peerConfig.mu.RUnlock()
	assert.Zero(t, remaining)
}

func TestAPIGetRateLimits(t *testing.T) {
	n, api := newTestAPI(t)
	ctx := context.Background()

	require.True(t, n.CheckRateLimit(ctx, 5, "ping", pingRateLimitWindow))
	require.True(t, n.CheckRateLimit(ctx, 6, "summary", summaryRateLimitWindow))

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathRateLimits, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var records []RateLimitRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	assert.Len(t, records, 2)
}

func TestAPIPauseResume(t *testing.T) {
	n, api := newTestAPI(t)

	w := apiRequest(t, api, http.MethodPost, apiPrefix+apiPathPause, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, n.Paused())

	// pausing twice is reported, not an error
	w = apiRequest(t, api, http.MethodPost, apiPrefix+apiPathPause, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reply httpReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, "already paused", reply.Message)

	w = apiRequest(t, api, http.MethodPost, apiPrefix+apiPathResume, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, n.Paused())

	// persisted for the next startup
	var state BotState
	require.NoError(t, n.db.DB().Last(&state).Error)
	assert.False(t, state.Paused)
}

func TestAPIGetState(t *testing.T) {
	_, api := newTestAPI(t)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathState, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var state map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, testAdminUsername, state["admin_username"])
	assert.NotContains(t, state, "admin_password")
}

func TestAPIQuit(t *testing.T) {
	n, api := newTestAPI(t)

	w := apiRequest(t, api, http.MethodPost, apiPrefix+apiPathQuit, nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-n.signalStop:
	default:
		t.Fatal("expected a stop signal")
	}
}
