package domain

import (
	"encoding/json"
	"fmt"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalLeave     SignalType = "leave"
)

// SignalMessage is the envelope exchanged over the signaling channel.
// Offer and answer payloads carry a session description, candidate
// payloads an ICE candidate init.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	SenderID  ParticipantID   `json:"sender_id"`
	TargetID  ParticipantID   `json:"target_id,omitempty"`
	SessionID SessionID       `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewSignalMessage(t SignalType, sender, target ParticipantID, session SessionID, payload any) (SignalMessage, error) {
	msg := SignalMessage{Type: t, SenderID: sender, TargetID: target, SessionID: session}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return SignalMessage{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Validate checks the envelope fields, not the payload contents.
func (m SignalMessage) Validate() error {
	switch m.Type {
	case SignalOffer, SignalAnswer, SignalCandidate:
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: %s without payload", ErrInvalidSignal, m.Type)
		}
	case SignalLeave:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, m.Type)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: missing sender_id", ErrInvalidSignal)
	}
	return nil
}
