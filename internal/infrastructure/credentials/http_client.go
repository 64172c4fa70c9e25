package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	apperrors "carelink/pkg/errors"
	"carelink/pkg/utils"

	"go.uber.org/zap"
)

// HTTPTokenClient fetches room tokens from a remote credential service:
//
//	POST {endpoint}/rooms/{room_id}/token  {"display_name": "...", "participant_id": "..."}
//	200 {"token": "..."}
//
// Non-2xx responses become AppErrors carrying the status class, so callers
// can tell permanent failures from transient ones.
type HTTPTokenClient struct {
	endpoint    string
	client      *http.Client
	logger      *zap.SugaredLogger
	participant domain.ParticipantID
}

var _ ports.CredentialService = (*HTTPTokenClient)(nil)

func NewHTTPTokenClient(endpoint string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPTokenClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTokenClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// ForParticipant returns a client that asks for tokens bound to id.
func (c *HTTPTokenClient) ForParticipant(id domain.ParticipantID) *HTTPTokenClient {
	cp := *c
	cp.participant = id
	return &cp
}

type tokenRequest struct {
	DisplayName   string `json:"display_name"`
	ParticipantID string `json:"participant_id,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

func (c *HTTPTokenClient) FetchRoomToken(ctx context.Context, roomID domain.RoomID, displayName string) (string, error) {
	body, err := json.Marshal(tokenRequest{DisplayName: displayName, ParticipantID: string(c.participant)})
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/rooms/%s/token", c.endpoint, url.PathEscape(string(roomID)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "build token request", http.StatusBadRequest)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", apperrors.WrapError(err, apperrors.ErrCodeTimeout, "token request timed out", http.StatusGatewayTimeout)
		}
		return "", apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "credential service unreachable", http.StatusServiceUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "read token response", http.StatusServiceUnavailable)
	}

	var decoded tokenResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := decoded.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Warnw("token request failed",
			"room_id", roomID,
			"status", resp.StatusCode,
			"error", utils.TruncateString(msg, 200),
		)
		return "", apperrors.FromHTTPStatus(resp.StatusCode, msg).WithContext("room_id", string(roomID))
	}

	if decoded.Token == "" {
		return "", fmt.Errorf("room %s: %w", roomID, domain.ErrEmptyCredential)
	}
	c.logger.Debugw("room token fetched", "room_id", roomID, "token", utils.MaskSensitive(decoded.Token, 6))
	return decoded.Token, nil
}
