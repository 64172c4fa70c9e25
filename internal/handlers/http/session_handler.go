package http

import (
	"context"
	"net/http"

	"carelink/internal/core/domain"
	"carelink/pkg/errors"
	"carelink/pkg/utils"
	"carelink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// averageWindow is how many recent samples the status average covers.
const averageWindow = 10

// RoomControl moves the agent between rooms.
type RoomControl interface {
	CurrentRoom() domain.RoomLocation
	IsSwitching() bool
	JoinBreakoutRoom(ctx context.Context, roomID domain.RoomID, roomName, address string) error
	ReturnToMainSession(ctx context.Context) error
}

// SessionView is the read side of the connection manager.
type SessionView interface {
	SessionID() (domain.SessionID, bool)
	ConnectionStates() map[domain.ParticipantID]domain.ConnectionState
	CurrentQuality() (domain.QualitySample, bool)
	AverageQuality(windowSize int) float64
	InspectStreams() map[domain.ParticipantID]domain.StreamReport
	RetryPeer(ctx context.Context, peerID domain.ParticipantID) error
}

// TierControl is the bandwidth adapter as seen by operators.
type TierControl interface {
	CurrentTier() domain.QualityTier
	ForceAdaptation(tier domain.QualityTier) (bool, error)
}

// SessionHandler is the operator surface of a session agent.
type SessionHandler struct {
	rooms   RoomControl
	session SessionView
	tiers   TierControl
}

func NewSessionHandler(rooms RoomControl, session SessionView, tiers TierControl) *SessionHandler {
	return &SessionHandler{
		rooms:   rooms,
		session: session,
		tiers:   tiers,
	}
}

// SetupRoutes mounts the handler under /api/v1/session. Every route runs
// behind auth, then the optional per-caller middleware.
func (h *SessionHandler) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc, perCaller ...gin.HandlerFunc) {
	api := router.Group("/api/v1/session", append([]gin.HandlerFunc{auth}, perCaller...)...)
	{
		api.GET("", h.GetStatus)
		api.GET("/streams", h.GetStreams)
		api.POST("/peers/:id/retry", h.RetryPeer)
		api.POST("/rooms/breakout", h.JoinBreakout)
		api.POST("/rooms/main", h.ReturnToMain)
		api.PUT("/quality/tier", h.SetTier)
	}
}

type peerStatus struct {
	PeerID domain.ParticipantID `json:"peer_id"`
	State  string               `json:"state"`
}

func (h *SessionHandler) GetStatus(c *gin.Context) {
	sessionID, joined := h.session.SessionID()

	peers := make([]peerStatus, 0)
	for id, state := range h.session.ConnectionStates() {
		peers = append(peers, peerStatus{PeerID: id, State: state.String()})
	}

	room := h.rooms.CurrentRoom()
	resp := gin.H{
		"session_id": sessionID,
		"joined":     joined,
		"room": gin.H{
			"room_id":   room.RoomID,
			"room_name": room.RoomName,
			"main":      room.InMainSession(),
			"switching": h.rooms.IsSwitching(),
		},
		"tier":            h.tiers.CurrentTier(),
		"peers":           peers,
		"average_quality": h.session.AverageQuality(averageWindow),
	}
	if sample, ok := h.session.CurrentQuality(); ok {
		resp["quality"] = gin.H{
			"peer_id":   sample.PeerID,
			"score":     sample.Score,
			"timestamp": sample.Timestamp,
		}
	}
	c.JSON(http.StatusOK, resp)
}

type issueView struct {
	Code     domain.IssueCode `json:"code"`
	Severity domain.Severity  `json:"severity"`
	Message  string           `json:"message"`
}

func (h *SessionHandler) GetStreams(c *gin.Context) {
	reports := h.session.InspectStreams()
	out := make(map[domain.ParticipantID]gin.H, len(reports))
	for id, r := range reports {
		issues := make([]issueView, 0, len(r.Issues))
		for _, i := range r.Issues {
			issues = append(issues, issueView{Code: i.Code, Severity: i.Severity, Message: i.Message})
		}
		out[id] = gin.H{
			"valid":        r.IsValid,
			"active_video": r.HasActiveVideo,
			"active_audio": r.HasActiveAudio,
			"video_tracks": r.VideoTrackCount,
			"audio_tracks": r.AudioTrackCount,
			"issues":       issues,
		}
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

// RetryPeer renegotiates with a peer, typically one that ended up FAILED.
func (h *SessionHandler) RetryPeer(c *gin.Context) {
	peerID := domain.ParticipantID(c.Param("id"))
	if err := h.session.RetryPeer(c.Request.Context(), peerID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"peer_id": peerID})
}

func (h *SessionHandler) JoinBreakout(c *gin.Context) {
	var req struct {
		RoomID   domain.RoomID `json:"room_id" binding:"required,max=128"`
		RoomName string        `json:"room_name" binding:"max=200"`
		Address  string        `json:"address" binding:"max=2048"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, "invalid breakout request", http.StatusBadRequest))
		return
	}
	req.RoomName = utils.SanitizeString(req.RoomName)
	if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
		return
	}
	if req.Address != "" {
		if err := validation.ValidateURL(req.Address); err != nil {
			_ = c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
			return
		}
	}

	if err := h.rooms.JoinBreakoutRoom(c.Request.Context(), req.RoomID, req.RoomName, req.Address); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": req.RoomID, "room_name": req.RoomName})
}

func (h *SessionHandler) ReturnToMain(c *gin.Context) {
	if err := h.rooms.ReturnToMainSession(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"main": true})
}

func (h *SessionHandler) SetTier(c *gin.Context) {
	var req struct {
		Tier string `json:"tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, "tier is required", http.StatusBadRequest))
		return
	}
	tier, err := domain.ParseQualityTier(req.Tier)
	if err != nil {
		_ = c.Error(err)
		return
	}

	changed, err := h.tiers.ForceAdaptation(tier)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": h.tiers.CurrentTier(), "changed": changed})
}
