package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/infrastructure/middleware"
	"carelink/internal/infrastructure/monitoring"
	"carelink/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockRooms struct{ mock.Mock }

func (m *mockRooms) CurrentRoom() domain.RoomLocation {
	return m.Called().Get(0).(domain.RoomLocation)
}

func (m *mockRooms) IsSwitching() bool { return m.Called().Bool(0) }

func (m *mockRooms) JoinBreakoutRoom(ctx context.Context, roomID domain.RoomID, roomName, address string) error {
	return m.Called(roomID, roomName, address).Error(0)
}

func (m *mockRooms) ReturnToMainSession(ctx context.Context) error {
	return m.Called().Error(0)
}

type mockSession struct{ mock.Mock }

func (m *mockSession) SessionID() (domain.SessionID, bool) {
	args := m.Called()
	return args.Get(0).(domain.SessionID), args.Bool(1)
}

func (m *mockSession) ConnectionStates() map[domain.ParticipantID]domain.ConnectionState {
	return m.Called().Get(0).(map[domain.ParticipantID]domain.ConnectionState)
}

func (m *mockSession) CurrentQuality() (domain.QualitySample, bool) {
	args := m.Called()
	return args.Get(0).(domain.QualitySample), args.Bool(1)
}

func (m *mockSession) AverageQuality(windowSize int) float64 {
	return m.Called(windowSize).Get(0).(float64)
}

func (m *mockSession) InspectStreams() map[domain.ParticipantID]domain.StreamReport {
	return m.Called().Get(0).(map[domain.ParticipantID]domain.StreamReport)
}

func (m *mockSession) RetryPeer(ctx context.Context, peerID domain.ParticipantID) error {
	return m.Called(peerID).Error(0)
}

type mockTiers struct{ mock.Mock }

func (m *mockTiers) CurrentTier() domain.QualityTier {
	return m.Called().Get(0).(domain.QualityTier)
}

func (m *mockTiers) ForceAdaptation(tier domain.QualityTier) (bool, error) {
	args := m.Called(tier)
	return args.Bool(0), args.Error(1)
}

func newSessionRouter(t *testing.T, h *SessionHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger.NewContextLogger(zaptest.NewLogger(t))))
	h.SetupRoutes(router, func(c *gin.Context) { c.Next() })
	return router
}

func do(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSessionHandler_GetStatus(t *testing.T) {
	rooms, session, tiers := new(mockRooms), new(mockSession), new(mockTiers)
	rooms.On("CurrentRoom").Return(domain.RoomLocation{RoomID: "breakout-a", RoomName: "Pairs"})
	rooms.On("IsSwitching").Return(false)
	session.On("SessionID").Return(domain.SessionID("s1"), true)
	session.On("ConnectionStates").Return(map[domain.ParticipantID]domain.ConnectionState{"p1": domain.StateConnected})
	session.On("AverageQuality", averageWindow).Return(72.5)
	session.On("CurrentQuality").Return(domain.QualitySample{PeerID: "p1", Score: 70, Timestamp: time.Unix(1700000000, 0)}, true)
	tiers.On("CurrentTier").Return(domain.TierMedium)

	w := do(newSessionRouter(t, NewSessionHandler(rooms, session, tiers)), http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		SessionID string  `json:"session_id"`
		Tier      string  `json:"tier"`
		Average   float64 `json:"average_quality"`
		Room      struct {
			RoomID string `json:"room_id"`
			Main   bool   `json:"main"`
		} `json:"room"`
		Peers []peerStatus `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "s1", body.SessionID)
	assert.Equal(t, "medium", body.Tier)
	assert.Equal(t, 72.5, body.Average)
	assert.Equal(t, "breakout-a", body.Room.RoomID)
	assert.False(t, body.Room.Main)
	require.Len(t, body.Peers, 1)
	assert.Equal(t, domain.StateConnected.String(), body.Peers[0].State)
}

func TestSessionHandler_GetStreams(t *testing.T) {
	session := new(mockSession)
	session.On("InspectStreams").Return(map[domain.ParticipantID]domain.StreamReport{
		"p1": {IsValid: false, Issues: []domain.Issue{{Code: domain.IssueInactiveVideo, Severity: domain.SeverityCritical, Message: "video ended"}}},
	})

	w := do(newSessionRouter(t, NewSessionHandler(new(mockRooms), session, new(mockTiers))), http.MethodGet, "/api/v1/session/streams", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"inactive_video"`)
}

func TestSessionHandler_RetryPeer(t *testing.T) {
	session := new(mockSession)
	session.On("RetryPeer", domain.ParticipantID("p1")).Return(nil)
	session.On("RetryPeer", domain.ParticipantID("ghost")).Return(domain.ErrPeerNotFound)
	router := newSessionRouter(t, NewSessionHandler(new(mockRooms), session, new(mockTiers)))

	assert.Equal(t, http.StatusAccepted, do(router, http.MethodPost, "/api/v1/session/peers/p1/retry", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodPost, "/api/v1/session/peers/ghost/retry", nil).Code)
}

func TestSessionHandler_JoinBreakout(t *testing.T) {
	rooms := new(mockRooms)
	rooms.On("JoinBreakoutRoom", domain.RoomID("breakout-a"), "Pairs", "").Return(nil).Once()
	rooms.On("JoinBreakoutRoom", domain.RoomID("busy"), "", "").Return(domain.ErrSwitchInProgress).Once()
	rooms.On("JoinBreakoutRoom", domain.RoomID("denied"), "", "").Return(domain.ErrNotPrivileged).Once()
	router := newSessionRouter(t, NewSessionHandler(rooms, new(mockSession), new(mockTiers)))

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/session/rooms/breakout", gin.H{"room_id": "breakout-a", "room_name": "Pairs"}).Code)
	assert.Equal(t, http.StatusConflict, do(router, http.MethodPost, "/api/v1/session/rooms/breakout", gin.H{"room_id": "busy"}).Code)
	assert.Equal(t, http.StatusForbidden, do(router, http.MethodPost, "/api/v1/session/rooms/breakout", gin.H{"room_id": "denied"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/session/rooms/breakout", gin.H{}).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/session/rooms/breakout", gin.H{"room_id": "room 7"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/session/rooms/breakout", gin.H{"room_id": "r7", "address": "ftp://x"}).Code)
	rooms.AssertExpectations(t)
}

func TestSessionHandler_ReturnToMain(t *testing.T) {
	rooms := new(mockRooms)
	rooms.On("ReturnToMainSession").Return(nil)

	w := do(newSessionRouter(t, NewSessionHandler(rooms, new(mockSession), new(mockTiers))), http.MethodPost, "/api/v1/session/rooms/main", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	rooms.AssertExpectations(t)
}

func TestSessionHandler_SetTier(t *testing.T) {
	tiers := new(mockTiers)
	tiers.On("ForceAdaptation", domain.TierLow).Return(true, nil)
	tiers.On("CurrentTier").Return(domain.TierLow)
	router := newSessionRouter(t, NewSessionHandler(new(mockRooms), new(mockSession), tiers))

	w := do(router, http.MethodPut, "/api/v1/session/quality/tier", gin.H{"tier": "low"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"changed":true`)

	w = do(router, http.MethodPut, "/api/v1/session/quality/tier", gin.H{"tier": "ultra"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	tiers.AssertNumberOfCalls(t, "ForceAdaptation", 1)
}

type staticChecker struct{ status monitoring.HealthStatus }

func (s staticChecker) CheckAll(context.Context) monitoring.HealthStatus { return s.status }

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	monitoring.NewPrometheusCollector(reg)

	router := gin.New()
	NewHealthHandler(staticChecker{monitoring.HealthStatus{Status: monitoring.StatusUnhealthy}}, reg).SetupRoutes(router)

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodGet, "/ready", nil).Code)

	w := do(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "carelink_analytics_batch_size")

	router = gin.New()
	NewHealthHandler(staticChecker{monitoring.HealthStatus{Status: monitoring.StatusHealthy}}, nil).SetupRoutes(router)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/ready", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/metrics", nil).Code)
}
