package domain

// DefaultToolID is the reserved tool id carrying an owner's default policy.
const DefaultToolID = "__default__"

// Mode is an access decision mode.
type Mode string

const (
	ModeAllow    Mode = "allow"
	ModeApproval Mode = "approval"
	ModeDeny     Mode = "deny"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeAllow, ModeApproval, ModeDeny:
		return true
	default:
		return false
	}
}

// Policy is one access policy row: a mode plus optional allow-lists.
// Empty allow-lists mean no restriction beyond the mode itself.
type Policy struct {
	Mode          Mode     `json:"mode"`
	AllowedUsers  []string `json:"allowed_users,omitempty"`
	AllowedGroups []string `json:"allowed_groups,omitempty"`
}

// Permits reports whether the actor passes the policy's allow-lists.
func (p Policy) Permits(actor Actor) bool {
	if len(p.AllowedUsers) == 0 && len(p.AllowedGroups) == 0 {
		return true
	}
	for _, user := range p.AllowedUsers {
		if user == actor.User {
			return true
		}
	}
	for _, group := range p.AllowedGroups {
		for _, actorGroup := range actor.Groups {
			if group == actorGroup {
				return true
			}
		}
	}
	return false
}

// OwnerPolicies groups an owner's default policy with its tool overrides.
type OwnerPolicies struct {
	Default *Policy           `json:"default,omitempty"`
	Tools   map[string]Policy `json:"tools,omitempty"`
}

// PolicyScope names which policy row produced a decision.
type PolicyScope string

const (
	ScopeDefault  PolicyScope = "default"
	ScopeOverride PolicyScope = "override"
)

// Decision is a resolved access decision plus the scope that matched.
type Decision struct {
	Mode  Mode        `json:"mode"`
	Scope PolicyScope `json:"scope"`
}
