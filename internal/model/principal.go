package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/guardvault/internal/vault"
)

// Role is the RBAC role of an API principal.
type Role string

const (
	// RoleAdmin manages principals and external holdings.
	RoleAdmin Role = "admin"
	// RoleUser owns a vault or runs an agent.
	RoleUser Role = "user"
)

// Account is an API principal: the identity behind a JWT. Name is the
// principal string used as vault owner and agent identity.
type Account struct {
	ID         uuid.UUID       `json:"id"`
	Name       vault.Principal `json:"principal"`
	Role       Role            `json:"role"`
	APIKeyHash string          `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateRole rejects unknown roles.
func ValidateRole(r Role) error {
	if RoleRank(r) == 0 {
		return fmt.Errorf("role must be one of %q, %q", RoleAdmin, RoleUser)
	}
	return nil
}

// MinAPIKeyLen is the shortest API key accepted at principal creation.
const MinAPIKeyLen = 16
