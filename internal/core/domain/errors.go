package domain

import "errors"

var (
	ErrPeerNotFound      = errors.New("peer not found")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrNoConnection      = errors.New("connection not created")
	ErrNegotiation       = errors.New("negotiation failed")
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrNotJoined         = errors.New("not joined to a session")
	ErrAlreadyJoined     = errors.New("already joined to a session")
	ErrMisroutedMessage  = errors.New("signaling message not addressed to this participant")
	ErrInvalidSignal     = errors.New("invalid signaling message")

	ErrSwitchInProgress  = errors.New("room switch already in progress")
	ErrNotPrivileged     = errors.New("participant is not allowed to switch rooms")
	ErrEmptyCredential   = errors.New("credential service returned an empty token")
	ErrRoomNotFound      = errors.New("room not found")
	ErrAlreadyInMainRoom = errors.New("already in main session room")

	ErrInvalidTier  = errors.New("invalid quality tier")
	ErrInvalidScore = errors.New("quality score out of range")
)
