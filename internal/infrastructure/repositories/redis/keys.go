package redis

import "carelink/internal/core/domain"

const (
	keyPrefix          = "carelink:"
	schemaVersionKey   = keyPrefix + "schema:version"
	privilegedRolesKey = keyPrefix + "roles:privileged"
	participantRoleKey = keyPrefix + "participant:roles"
)

func mainRoomKey(sessionID domain.SessionID) string {
	return keyPrefix + "session:" + string(sessionID) + ":main_room"
}
