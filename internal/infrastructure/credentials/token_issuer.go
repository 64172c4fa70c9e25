package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	apperrors "carelink/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWrongRoom    = errors.New("token issued for another room")
	ErrWrongHolder  = errors.New("token issued to another participant")
)

const issuer = "carelink"

// RoomClaims grant access to one room. ParticipantID, when set, binds the
// token to one signaling identity.
type RoomClaims struct {
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	DisplayName   string               `json:"display_name"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies room-scoped HS256 tokens. It serves as the
// credential service of self-hosted deployments and as the verifier of the
// signaling relay.
type TokenIssuer struct {
	secret      []byte
	ttl         time.Duration
	now         func() time.Time
	participant domain.ParticipantID
}

var _ ports.CredentialService = (*TokenIssuer)(nil)

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// ForParticipant returns an issuer whose tokens are bound to id.
func (i *TokenIssuer) ForParticipant(id domain.ParticipantID) *TokenIssuer {
	c := *i
	c.participant = id
	return &c
}

func (i *TokenIssuer) FetchRoomToken(ctx context.Context, roomID domain.RoomID, displayName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeTimeout, "token request cancelled", http.StatusGatewayTimeout)
	}
	if roomID == "" {
		return "", apperrors.NewInvalidInputError("room id is required")
	}

	subject := displayName
	if i.participant != "" {
		subject = string(i.participant)
	}
	now := i.now()
	claims := &RoomClaims{
		RoomID:        roomID,
		ParticipantID: i.participant,
		DisplayName:   displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeInternal, "sign room token", http.StatusInternalServerError)
	}
	return token, nil
}

func (i *TokenIssuer) Verify(tokenString string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRoomToken checks the token and that it was issued for roomID.
func (i *TokenIssuer) VerifyRoomToken(tokenString string, roomID domain.RoomID) error {
	_, err := i.verifyRoom(tokenString, roomID)
	return err
}

// VerifyParticipantToken additionally requires the token to be bound to
// participantID. Tokens without a participant are rejected.
func (i *TokenIssuer) VerifyParticipantToken(tokenString string, roomID domain.RoomID, participantID domain.ParticipantID) error {
	claims, err := i.verifyRoom(tokenString, roomID)
	if err != nil {
		return err
	}
	if claims.ParticipantID != participantID {
		return fmt.Errorf("%w: %q", ErrWrongHolder, claims.ParticipantID)
	}
	return nil
}

func (i *TokenIssuer) verifyRoom(tokenString string, roomID domain.RoomID) (*RoomClaims, error) {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.RoomID != roomID {
		return nil, fmt.Errorf("%w: %s", ErrWrongRoom, claims.RoomID)
	}
	return claims, nil
}
