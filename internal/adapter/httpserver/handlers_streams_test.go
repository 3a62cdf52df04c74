package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pscheid92/streamcast/internal/platform/errors"
	"github.com/pscheid92/streamcast/internal/relay"
)

func dialStream(t *testing.T, baseURL, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/streams/" + name + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestListStreams(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.hub.BindChannels("scores", "match-1"))
	_, err := srv.hub.Stream("alerts")
	require.NoError(t, err)

	rec := srv.do(t, http.MethodGet, "/streams", "", false)
	mustStatus(t, rec, http.StatusOK)

	var body struct {
		Streams []relay.StreamInfo `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Streams, 2)
	assert.Equal(t, "alerts", body.Streams[0].Name)
	assert.Equal(t, relay.BindingNone, body.Streams[0].Binding.Kind)
	assert.Equal(t, "scores", body.Streams[1].Name)
	assert.Equal(t, []string{"match-1"}, body.Streams[1].Binding.Channels)
}

func TestGetStream(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.hub.StartCountdown("launch", 10, time.Second))

	rec := srv.do(t, http.MethodGet, "/streams/launch", "", false)
	mustStatus(t, rec, http.StatusOK)

	var info relay.StreamInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, relay.BindingCountdown, info.Binding.Kind)
	assert.Equal(t, 10, info.Binding.From)
	assert.Equal(t, int64(1000), info.Binding.IntervalMS)
	assert.True(t, info.WaitingForClients)
}

func TestGetStream_Errors(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/streams/missing", "", false)
	mustStatus(t, rec, http.StatusNotFound)
	assert.Equal(t, apperrors.TypeNotFound, decodeError(t, rec).Type)

	rec = srv.do(t, http.MethodGet, "/streams/bad%20name", "", false)
	mustStatus(t, rec, http.StatusBadRequest)
}

func TestStreamWebSocket_ReceivesPublishedPayloads(t *testing.T) {
	srv := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	a := dialStream(t, httpSrv.URL, "scores")
	b := dialStream(t, httpSrv.URL, "scores")
	require.Eventually(t, func() bool {
		info, err := srv.hub.Info("scores")
		return err == nil && info.Subscribers == 2
	}, 2*time.Second, 5*time.Millisecond)

	mustStatus(t, srv.do(t, http.MethodPut, "/admin/streams/scores/source", `{"channels":["match-1"]}`, true), http.StatusOK)
	rec := srv.do(t, http.MethodPost, "/admin/streams/scores/publish", `{"home":1,"away":0}`, true)
	mustStatus(t, rec, http.StatusOK)
	assert.JSONEq(t, `{"receivers":1}`, rec.Body.String())

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"home":1,"away":0}`, string(msg))
	}

	mustStatus(t, srv.do(t, http.MethodPost, "/admin/streams/scores/complete", "", true), http.StatusOK)
	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamWebSocket_InvalidNameRejectedBeforeUpgrade(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/streams/no%20spaces/ws", "", false)
	mustStatus(t, rec, http.StatusBadRequest)
	assert.Equal(t, apperrors.TypeValidation, decodeError(t, rec).Type)
}

func TestStreamWebSocket_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.WSRatePerSecond = 0.01
	cfg.WSRateBurst = 1
	srv := newTestServerWithConfig(t, cfg)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	dialStream(t, httpSrv.URL, "scores")

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/streams/scores/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestShutdownClosesStreamConnections(t *testing.T) {
	srv := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	conn := dialStream(t, httpSrv.URL, "scores")
	require.Eventually(t, func() bool {
		info, err := srv.hub.Info("scores")
		return err == nil && info.Subscribers == 1
	}, 2*time.Second, 5*time.Millisecond)

	srv.stopRelays()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool {
		info, _ := srv.hub.Info("scores")
		return info.Subscribers == 0
	}, 2*time.Second, 5*time.Millisecond)
}
