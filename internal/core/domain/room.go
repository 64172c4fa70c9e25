package domain

// RoomAddress is the canonical reference of a room. The logical id and the
// address used to connect may differ, so the address always comes from the
// room directory rather than from local state.
type RoomAddress struct {
	RoomID  RoomID
	Name    string
	Address string
}

// RoomTarget is everything needed to connect to a room.
type RoomTarget struct {
	Room        RoomAddress
	Token       string
	DisplayName string
}

// RoomLocation tells where a participant currently is. An empty RoomID
// means the main session room.
type RoomLocation struct {
	RoomID   RoomID
	RoomName string
}

func (l RoomLocation) InMainSession() bool {
	return l.RoomID == ""
}
