package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/hms-mqtt-publish/internal/config"
	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/scheduler"
	"github.com/resident-x/hms-mqtt-publish/internal/session"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) RegisterInverter(host string) error {
	return m.Called(host).Error(0)
}

func (m *mockRegistry) RecordAttempt(host string, state domain.DeviceState, serial string) error {
	return m.Called(host, state, serial).Error(0)
}

func (m *mockRegistry) GetInverter(host string) (*domain.InverterInfo, bool) {
	args := m.Called(host)
	info, _ := args.Get(0).(*domain.InverterInfo)
	return info, args.Bool(1)
}

func (m *mockRegistry) GetAllInverters() []*domain.InverterInfo {
	return m.Called().Get(0).([]*domain.InverterInfo)
}

type stubStats struct{ stats scheduler.Stats }

func (s stubStats) GetStats() scheduler.Stats { return s.stats }

type stubSessions struct{ stats []session.Stats }

func (s stubSessions) GetAllSessions() []session.Stats { return s.stats }

func serve(t *testing.T, server *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestNewServer(t *testing.T) {
	cfg := config.DefaultConfig()
	registry := domain.NewDeviceRegistry()

	server := NewServer(cfg, registry, WithVersion("1.0.0"))

	assert.Equal(t, cfg, server.config)
	assert.Equal(t, registry, server.registry)
	assert.Equal(t, "1.0.0", server.version)
	assert.NotZero(t, server.startTime)
}

func TestHandleStatus(t *testing.T) {
	registry := new(mockRegistry)
	registry.On("GetAllInverters").Return([]*domain.InverterInfo{
		{Host: "dtu1", State: domain.DeviceStateOnline},
		{Host: "dtu2", State: domain.DeviceStateOffline},
	})

	server := NewServer(config.DefaultConfig(), registry,
		WithScheduler(stubStats{scheduler.Stats{IsRunning: true, Polls: 42}}))

	w, body := serve(t, server, "/api/v1/status")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "dev", body["version"])
	assert.Equal(t, float64(2), body["inverterCount"])
	assert.Equal(t, float64(1), body["onlineCount"])
	assert.Equal(t, "30.5s", body["updateInterval"])

	sched, ok := body["scheduler"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, sched["is_running"])
	assert.Equal(t, float64(42), sched["polls"])

	registry.AssertExpectations(t)
}

func TestHandleListInverters(t *testing.T) {
	registry := domain.NewDeviceRegistry()
	require.NoError(t, registry.RegisterInverter("dtu1"))
	require.NoError(t, registry.RegisterInverter("10.0.0.2:10081"))
	require.NoError(t, registry.RecordAttempt("dtu1", domain.DeviceStateOnline, "SN123"))

	server := NewServer(config.DefaultConfig(), registry)
	w, body := serve(t, server, "/api/v1/inverters")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	inverters, ok := body["inverters"].([]interface{})
	require.True(t, ok)
	require.Len(t, inverters, 2)

	second := inverters[1].(map[string]interface{})
	assert.Equal(t, "dtu1", second["host"])
	assert.Equal(t, "SN123", second["serial"])
	assert.Equal(t, "Online", second["state"])
}

func TestHandleGetInverter(t *testing.T) {
	registry := domain.NewDeviceRegistry()
	require.NoError(t, registry.RegisterInverter("10.0.0.2:10081"))
	require.NoError(t, registry.RecordAttempt("10.0.0.2:10081", domain.DeviceStateOffline, ""))

	server := NewServer(config.DefaultConfig(), registry)

	tests := []struct {
		name     string
		path     string
		code     int
		expected map[string]interface{}
	}{
		{
			name: "found",
			path: "/api/v1/inverters/10.0.0.2:10081",
			code: http.StatusOK,
			expected: map[string]interface{}{
				"host":                 "10.0.0.2:10081",
				"state":                "Offline",
				"consecutive_failures": float64(1),
			},
		},
		{
			name:     "not found",
			path:     "/api/v1/inverters/unknown",
			code:     http.StatusNotFound,
			expected: map[string]interface{}{"error": "Inverter not found"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(t, server, tt.path)
			assert.Equal(t, tt.code, w.Code)
			for key, value := range tt.expected {
				assert.Equal(t, value, body[key], key)
			}
		})
	}
}

func TestHandleListSessions(t *testing.T) {
	sessions := stubSessions{[]session.Stats{{Addr: "dtu1:10081", Exchanges: 3, ErrorCount: 1}}}
	server := NewServer(config.DefaultConfig(), domain.NewDeviceRegistry(), WithSessions(sessions))

	w, body := serve(t, server, "/api/v1/sessions")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestSessionsRouteDisabled(t *testing.T) {
	server := NewServer(config.DefaultConfig(), domain.NewDeviceRegistry())

	w, _ := serve(t, server, "/api/v1/sessions")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = serve(t, server, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := scheduler.NewMetrics()
	server := NewServer(config.DefaultConfig(), domain.NewDeviceRegistry(), WithMetrics(metrics.Registry()))

	w, _ := serve(t, server, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestMethodNotAllowed(t *testing.T) {
	server := NewServer(config.DefaultConfig(), domain.NewDeviceRegistry())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", http.NoBody)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0

	server := NewServer(cfg, domain.NewDeviceRegistry())
	require.NoError(t, server.Start(context.Background()))
	require.NotEmpty(t, server.Addr())

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + server.Addr() + "/api/v1/status")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	require.NoError(t, server.Stop(context.Background()))

	_, err = client.Get("http://" + server.Addr() + "/api/v1/status")
	assert.Error(t, err)
}

func TestStartListenError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := config.DefaultConfig()
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = busy.Addr().(*net.TCPAddr).Port

	server := NewServer(cfg, domain.NewDeviceRegistry())
	assert.Error(t, server.Start(context.Background()))
}
