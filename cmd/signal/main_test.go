package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"carelink/internal/infrastructure/credentials"
	signaling "carelink/internal/infrastructure/signal"
	"carelink/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRelayServer_HealthAndMetrics(t *testing.T) {
	cfg := config.DefaultConfig()
	_, router := newRelayServer(cfg, serverOptions{path: "/ws"}, zaptest.NewLogger(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "carelink_relay_connections 0")
}

func TestRelayServer_VerifiesRoomTokens(t *testing.T) {
	cfg := config.DefaultConfig()
	relay, router := newRelayServer(cfg, serverOptions{path: "/ws"}, zaptest.NewLogger(t))
	srv := httptest.NewServer(router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx := context.Background()
	dial := func(token string) (*signaling.Client, error) {
		return signaling.Dial(ctx, signaling.ClientConfig{
			URL:           url,
			ParticipantID: "client-1",
			SessionID:     "room-main",
			Token:         token,
		}, zaptest.NewLogger(t).Sugar())
	}

	_, err := dial("not-a-token")
	assert.Error(t, err)

	issuer := credentials.NewTokenIssuer(cfg.Credentials.JWTSecret, time.Minute)
	foreign, err := issuer.ForParticipant("client-2").FetchRoomToken(ctx, "room-main", "Client")
	require.NoError(t, err)
	_, err = dial(foreign)
	assert.Error(t, err)

	token, err := issuer.ForParticipant("client-1").FetchRoomToken(ctx, "room-main", "Client")
	require.NoError(t, err)
	client, err := dial(token)
	require.NoError(t, err)
	defer client.Close()

	assert.Eventually(t, func() bool { return relay.Connections() == 1 }, 2*time.Second, 20*time.Millisecond)
}
