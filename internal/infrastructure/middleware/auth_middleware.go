package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"carelink/internal/core/domain"
	"carelink/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	// ContextRoomID is the gin context key of the authenticated room.
	ContextRoomID = "room_id"
	// ContextCaller identifies the credential of an authenticated request
	// without exposing the token.
	ContextCaller = "caller"
)

// RoomTokenVerifier checks that a token was issued for a room.
type RoomTokenVerifier interface {
	VerifyRoomToken(token string, roomID domain.RoomID) error
}

// RoomAuthMiddleware admits requests carrying a bearer token for the room
// returned by room. Requests for another room are rejected even when the
// token is otherwise valid.
func RoomAuthMiddleware(verifier RoomTokenVerifier, room func() domain.RoomID) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   string(errors.ErrCodeUnauthorized),
				"message": "authorization header required",
			})
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   string(errors.ErrCodeUnauthorized),
				"message": "invalid authorization header format",
			})
			return
		}

		roomID := room()
		if err := verifier.VerifyRoomToken(token, roomID); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   string(errors.ErrCodeUnauthorized),
				"message": err.Error(),
			})
			return
		}

		digest := sha256.Sum256([]byte(token))
		c.Set(ContextRoomID, roomID)
		c.Set(ContextCaller, hex.EncodeToString(digest[:8]))
		c.Next()
	}
}
