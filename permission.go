package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is an atomic capability string of the form "{action}:{resource_type}".
type Permission string

// NewPermission joins an action and a resource type.
func NewPermission(action, resourceType string) Permission {
	return Permission(action + ":" + resourceType)
}

// ParsePermission validates the "{action}:{resource_type}" shape.
func ParsePermission(s string) (Permission, error) {
	action, resourceType, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || action == "" || resourceType == "" || strings.Contains(resourceType, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
	return NewPermission(action, resourceType), nil
}

func (p Permission) Action() string {
	action, _, _ := strings.Cut(string(p), ":")
	return action
}

func (p Permission) ResourceType() string {
	_, resourceType, _ := strings.Cut(string(p), ":")
	return resourceType
}

func (p Permission) String() string { return string(p) }

// splitResource returns the type and id of a "{type}:{id}" resource reference.
// A reference without ':' is treated as a bare type.
func splitResource(resource string) (resourceType, resourceID string) {
	resourceType, resourceID, _ = strings.Cut(resource, ":")
	return strings.TrimSpace(resourceType), resourceID
}

func sortPermissions(ps []Permission) {
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
}
