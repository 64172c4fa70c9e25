package domain

import "fmt"

// Role is what a participant is in a session.
type Role string

const (
	RoleTherapist Role = "therapist"
	RoleHost      Role = "host"
	RoleClient    Role = "client"
	RoleObserver  Role = "observer"
)

// Privileged roles may move between the main room and breakout rooms.
func (r Role) Privileged() bool {
	return r == RoleTherapist || r == RoleHost
}

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleTherapist, RoleHost, RoleClient, RoleObserver:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}
