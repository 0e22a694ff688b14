// README: Shared value objects (identifiers, coordinates, actor roles).
package types

type ID string

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Role string

const (
	RoleRequester Role = "requester"
	RoleWorker    Role = "worker"
	RoleOperator  Role = "operator"
)

// Tracked reports whether the role takes part in location tracking.
func (r Role) Tracked() bool {
	return r == RoleRequester || r == RoleWorker
}

// Opposite returns the counterpart role for proximity matching.
func (r Role) Opposite() Role {
	switch r {
	case RoleRequester:
		return RoleWorker
	case RoleWorker:
		return RoleRequester
	default:
		return ""
	}
}

// Actor is a verified identity handed over by the auth capability.
type Actor struct {
	ID   ID
	Role Role
	Name string
}

func (a Actor) IsOperator() bool {
	return a.Role == RoleOperator
}
