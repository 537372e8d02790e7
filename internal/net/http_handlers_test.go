package net

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musical-multiverse/network/internal/net/proto"
	"musical-multiverse/network/internal/observability"
	"musical-multiverse/network/internal/relay"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/telemetry"
)

type staticStore struct {
	rooms []relay.RoomRecord
}

func (s staticStore) SaveEntries(context.Context, string, []replica.Entry, time.Time) error {
	return nil
}

func (s staticStore) LoadRoom(context.Context, string) ([]replica.Entry, error) {
	return nil, nil
}

func (s staticStore) Rooms(context.Context) ([]relay.RoomRecord, error) {
	return s.rooms, nil
}

type nopSubscriber struct{}

func (nopSubscriber) Send(replica.Update) bool { return true }
func (nopSubscriber) Close()                   {}

func TestHealthEndpoint(t *testing.T) {
	handler := NewHTTPHandler(relay.NewHub(relay.HubConfig{}), HTTPHandlerConfig{})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", resp.Body.String())
}

func TestDiagnosticsReportsRooms(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	_, err := hub.Join(context.Background(), "studio", "alice", nopSubscriber{})
	require.NoError(t, err)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{TickRate: 30, HeartbeatInterval: 2 * time.Second})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))

	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))
	var payload struct {
		Status    string         `json:"status"`
		Rooms     map[string]int `json:"rooms"`
		TickRate  int            `json:"tickRate"`
		Heartbeat int64          `json:"heartbeatMillis"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, 30, payload.TickRate)
	assert.EqualValues(t, 2000, payload.Heartbeat)
	assert.Equal(t, 1, payload.Rooms["studio"])
}

func TestSessionsListsRoomNamesByActivity(t *testing.T) {
	now := time.Now()
	store := staticStore{rooms: []relay.RoomRecord{
		{Name: "archived", CreatedAt: now.Add(-2 * time.Hour), LastActiveAt: now.Add(-time.Hour)},
	}}
	hub := relay.NewHub(relay.HubConfig{Store: store})
	_, err := hub.Join(context.Background(), "studio", "alice", nopSubscriber{})
	require.NoError(t, err)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	var names []string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &names))
	assert.Equal(t, []string{"studio", "archived"}, names)
}

func TestSessionsDetail(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	_, err := hub.Join(context.Background(), "studio", "alice", nopSubscriber{})
	require.NoError(t, err)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/sessions?detail=1", nil))

	var sessions []relay.SessionInfo
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "studio", sessions[0].Name)
	assert.Equal(t, 1, sessions[0].Participants)
}

func TestSessionsEmptyIsArray(t *testing.T) {
	handler := NewHTTPHandler(relay.NewHub(relay.HubConfig{}), HTTPHandlerConfig{})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	assert.Equal(t, "[]", strings.TrimSpace(resp.Body.String()))
}

func TestSessionsRejectsPost(t *testing.T) {
	handler := NewHTTPHandler(relay.NewHub(relay.HubConfig{}), HTTPHandlerConfig{})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/sessions", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestMetricsEndpointExportsPrometheus(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := telemetry.NewPrometheusMetrics(registry, "multiverse")
	require.NoError(t, err)
	hub := relay.NewHub(relay.HubConfig{Metrics: metrics})
	_, err = hub.Join(context.Background(), "studio", "alice", nopSubscriber{})
	require.NoError(t, err)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `multiverse_gauge{key="relay_subscribers"} 1`)
}

func TestMetricsEndpointAbsentWithoutHandler(t *testing.T) {
	handler := NewHTTPHandler(relay.NewHub(relay.HubConfig{}), HTTPHandlerConfig{})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPprofIsOptIn(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	off := NewHTTPHandler(hub, HTTPHandlerConfig{})
	on := NewHTTPHandler(hub, HTTPHandlerConfig{Observability: observability.Config{EnablePprof: true}})

	resp := httptest.NewRecorder()
	off.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code, "pprof is disabled by default")

	resp = httptest.NewRecorder()
	on.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestWebsocketRouteJoinsRoom(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{})
	srv := httptest.NewServer(NewHTTPHandler(hub, HTTPHandlerConfig{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.Close()

	hello, err := proto.EncodeHello(proto.Hello{Room: "studio", Participant: "alice"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := proto.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, proto.TypeSnapshot, msg.Type)
	assert.Equal(t, 1, hub.Diagnostics()["studio"])
}
