package router

import (
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// Registry maps agent roles to delivery addresses. Construction fails when a
// required role has no address, so a misconfigured relay is caught at startup.
type Registry struct {
	addresses map[models.Role]string
}

// NewRegistry builds the role registry from configuration. Every role in
// required must resolve to a non-empty address.
func NewRegistry(addresses map[string]string, required ...models.Role) (*Registry, error) {
	resolved := make(map[models.Role]string, len(addresses))
	for _, role := range models.Roles() {
		if addr := addresses[string(role)]; addr != "" {
			resolved[role] = addr
		}
	}

	var missing []string
	for _, role := range required {
		if resolved[role] == "" {
			missing = append(missing, string(role))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("registry missing addresses for roles: %s", strings.Join(missing, ", "))
	}
	return &Registry{addresses: resolved}, nil
}

// Resolve returns the delivery address for a role.
func (r *Registry) Resolve(role models.Role) (string, bool) {
	if r == nil {
		return "", false
	}
	addr, ok := r.addresses[role]
	return addr, ok
}
