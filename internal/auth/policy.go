package auth

// Role identifies what a caller is permitted to do.
type Role uint8

const (
	// RoleAdmin may change market configuration and authorization itself.
	RoleAdmin Role = iota
	// RoleEngine may mutate positions (trade and liquidation paths).
	RoleEngine
	// RoleKeeper may push price, funding, and borrow-rate updates.
	RoleKeeper
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleEngine:
		return "engine"
	case RoleKeeper:
		return "keeper"
	default:
		return "unknown"
	}
}

// Caller is an authenticated identity presented to a mutating entry point.
type Caller struct {
	ID    string
	Roles []Role
}

// Has reports whether the caller holds the given role.
func (c Caller) Has(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Policy is an explicit capability object injected into each operation.
// There is no process-global registry: tests construct isolated policies.
type Policy struct {
	grants map[string][]Role
}

func NewPolicy() *Policy {
	return &Policy{grants: make(map[string][]Role)}
}

// Grant adds a role for a caller ID. Duplicate grants are collapsed.
func (p *Policy) Grant(callerID string, role Role) {
	for _, r := range p.grants[callerID] {
		if r == role {
			return
		}
	}
	p.grants[callerID] = append(p.grants[callerID], role)
}

// Revoke removes a role for a caller ID.
func (p *Policy) Revoke(callerID string, role Role) {
	roles := p.grants[callerID]
	out := roles[:0]
	for _, r := range roles {
		if r != role {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		delete(p.grants, callerID)
		return
	}
	p.grants[callerID] = out
}

// Resolve builds the Caller for an ID from the current grants.
func (p *Policy) Resolve(callerID string) Caller {
	roles := p.grants[callerID]
	out := make([]Role, len(roles))
	copy(out, roles)
	return Caller{ID: callerID, Roles: out}
}

// Allows reports whether callerID holds the role.
func (p *Policy) Allows(callerID string, role Role) bool {
	for _, r := range p.grants[callerID] {
		if r == role {
			return true
		}
	}
	return false
}
