// Package actor defines authenticated identities, their roles, and the
// authorization gate that decides every operation.
package actor

import "context"

// Role is the closed set of actor roles.
type Role string

const (
	RolePrescriber Role = "prescriber"
	RolePatient    Role = "patient"
	RoleDispenser  Role = "dispenser"
	RoleOverseer   Role = "overseer"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RolePrescriber, RolePatient, RoleDispenser, RoleOverseer:
		return true
	}
	return false
}

// Actor is an authenticated identity plus its role.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name"`
}

// Resolver turns a bearer credential into an authenticated actor. Credential
// issuance and verification live outside this core; the resolver is consumed
// as a black box.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Actor, error)
}

// StaticResolver resolves credentials from a fixed token map. Suitable for
// development and tests; production deployments plug in a token-service
// backed Resolver.
type StaticResolver struct {
	tokens map[string]Actor
}

// NewStaticResolver creates a resolver over a credential→actor map.
func NewStaticResolver(tokens map[string]Actor) *StaticResolver {
	return &StaticResolver{tokens: tokens}
}

// ErrUnknownCredential is returned for credentials the resolver cannot map.
type unknownCredentialError struct{}

func (unknownCredentialError) Error() string { return "unknown credential" }

// ErrUnknownCredential is the sentinel for unresolvable credentials.
var ErrUnknownCredential error = unknownCredentialError{}

func (r *StaticResolver) Resolve(_ context.Context, credential string) (Actor, error) {
	a, ok := r.tokens[credential]
	if !ok {
		return Actor{}, ErrUnknownCredential
	}
	return a, nil
}
