package domain

import "time"

type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventSessionEnded      EventType = "session_ended"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventConnectionState   EventType = "connection_state_changed"
	EventQualityChanged    EventType = "quality_changed"
	EventQualitySample     EventType = "quality_sample"
	EventRoomSwitched      EventType = "room_switched"
	EventRoomSwitchFailed  EventType = "room_switch_failed"
	EventError             EventType = "error_occurred"
)

// SessionEvent is one analytics record.
type SessionEvent struct {
	ID        string         `json:"id"`
	SessionID SessionID      `json:"session_id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
