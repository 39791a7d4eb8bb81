package domain

import (
	"slices"

	dErrors "mutuelle/pkg/domain-errors"
)

// Role is the actor role claimed by the identity context. The core never
// authenticates; it only checks that the claimed role may perform an action.
type Role string

const (
	RoleOperator     Role = "operator"
	RolePhysician    Role = "physician"
	RolePharmacist   Role = "pharmacist"
	RoleInsurerAdmin Role = "insurer_admin"
	// RoleSystem is used by scheduled sweeps.
	RoleSystem Role = "system"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleOperator, RolePhysician, RolePharmacist, RoleInsurerAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the identity context passed into every mutating call.
type Actor struct {
	ID   ActorID
	Role Role
}

// SystemActor is the identity used by background sweeps.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// RequireRole fails with CodeWrongActorRole unless the actor holds one of roles.
func (a Actor) RequireRole(roles ...Role) error {
	if a.ID == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "actor identity is required")
	}
	if !slices.Contains(roles, a.Role) {
		return dErrors.New(dErrors.CodeWrongActorRole, "role "+string(a.Role)+" may not perform this action")
	}
	return nil
}
