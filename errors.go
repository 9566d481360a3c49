package rbac

import "errors"

var (
	ErrInvalidScope      = errors.New("rbac: invalid scope")
	ErrUnknownRole       = errors.New("rbac: unknown role")
	ErrInvalidPermission = errors.New("rbac: invalid permission")
	ErrInvalidAssignment = errors.New("rbac: invalid assignment")
	ErrDuplicateRole     = errors.New("rbac: duplicate role definition")
	ErrNoWriter          = errors.New("rbac: assignment store is read-only")
	ErrNoAuditStore      = errors.New("rbac: audit sink is not queryable")
)
