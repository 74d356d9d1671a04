/*
capability.go - Business eligibility as a pure predicate

PURPOSE:
  "Role implies business eligibility" is modeled as a pure function over
  an explicit role set, not as conditionals scattered through handlers.
  Callers ask for the capability set once and test it directly.
*/
package billing

// Role is a user's role on a project, as reported by the external
// membership collaborator.
type Role string

const (
	RoleMember     Role = "member"
	RoleManager    Role = "manager"
	RoleAccountant Role = "accountant"
	RoleAdmin      Role = "admin"
)

// Capability is one business permission derived from roles.
type Capability string

const (
	// CanBeBilled: the user's usage accrues charges (members and above).
	CanBeBilled Capability = "can_be_billed"

	// CanApprove: may approve reservations and cost allocations.
	CanApprove Capability = "can_approve"

	// CanOverride: may author invoice line overrides.
	CanOverride Capability = "can_override"

	// CanFinalize: may finalize and unlock invoice periods.
	CanFinalize Capability = "can_finalize"
)

// CapabilitySet is a tagged set of capabilities.
type CapabilitySet map[Capability]bool

func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// CapabilitiesFor derives the capability set for a role set. Pure:
// same roles in, same capabilities out.
func CapabilitiesFor(roles []Role) CapabilitySet {
	caps := CapabilitySet{}
	for _, r := range roles {
		switch r {
		case RoleMember:
			caps[CanBeBilled] = true
		case RoleManager:
			caps[CanBeBilled] = true
			caps[CanApprove] = true
		case RoleAccountant:
			caps[CanOverride] = true
			caps[CanFinalize] = true
		case RoleAdmin:
			caps[CanBeBilled] = true
			caps[CanApprove] = true
			caps[CanOverride] = true
			caps[CanFinalize] = true
		}
	}
	return caps
}
