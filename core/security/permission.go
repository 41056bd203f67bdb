package security

import (
	"context"
	"fmt"
)

// Permission names an action an actor may take on a secured object.
type Permission string

const (
	// PermDeploy is checked against the system object before a fresh deploy.
	PermDeploy Permission = "deploy"

	PermRead     Permission = "read"
	PermStart    Permission = "start"
	PermRedeploy Permission = "redeploy"
	PermUndeploy Permission = "undeploy"
)

// DefinitionPermissions is the full set granted to a definition's creator.
func DefinitionPermissions() []Permission {
	return []Permission{PermRead, PermStart, PermRedeploy, PermUndeploy}
}

// ObjectType scopes permission grants.
type ObjectType string

const (
	ObjectTypeSystem     ObjectType = "system"
	ObjectTypeDefinition ObjectType = "definition"
)

// SecuredObject is anything permissions can attach to.
type SecuredObject interface {
	SecuredObjectType() ObjectType
	SecuredObjectID() string
}

type systemObject struct{}

func (systemObject) SecuredObjectType() ObjectType { return ObjectTypeSystem }
func (systemObject) SecuredObjectID() string       { return "system" }

// System is the singleton secured object for system-scope permissions.
var System SecuredObject = systemObject{}

// definitionObject secures a workflow definition. Grants are keyed by the
// definition name so they span every deployed version.
type definitionObject string

func (definitionObject) SecuredObjectType() ObjectType { return ObjectTypeDefinition }
func (d definitionObject) SecuredObjectID() string     { return string(d) }

// DefinitionObject returns the secured object for a definition name.
func DefinitionObject(name string) SecuredObject {
	return definitionObject(name)
}

// Actor is the calling identity. The Admin claim bypasses every check; how it
// is established is the caller's concern.
type Actor struct {
	ID    string
	Name  string
	Admin bool
}

// BatchResult partitions a mass permission check. Both slices preserve the
// input order of the checked objects.
type BatchResult struct {
	Granted []SecuredObject
	Denied  []SecuredObject
}

// Gate evaluates actor permissions over secured objects.
type Gate interface {
	// CheckAllowed returns a *PermissionDeniedError when the actor lacks perm.
	CheckAllowed(ctx context.Context, actor Actor, obj SecuredObject, perm Permission) error
	IsAllowed(ctx context.Context, actor Actor, obj SecuredObject, perm Permission) (bool, error)
	// FilterAllowed drops denied objects, keeping input order.
	FilterAllowed(ctx context.Context, actor Actor, objs []SecuredObject, perm Permission) ([]SecuredObject, error)
	// MassCheck partitions objs into granted and denied sets.
	MassCheck(ctx context.Context, actor Actor, objs []SecuredObject, perm Permission) (BatchResult, error)
}

// Granter manages permission grants.
type Granter interface {
	Grant(ctx context.Context, actorID string, obj SecuredObject, perms ...Permission) error
	Revoke(ctx context.Context, actorID string, obj SecuredObject, perms ...Permission) error
	DeleteAllForObject(ctx context.Context, obj SecuredObject) error
}

// Store combines permission evaluation and grant management.
type Store interface {
	Gate
	Granter
}

// PermissionDeniedError reports a failed permission check.
type PermissionDeniedError struct {
	Actor      string
	ObjectType ObjectType
	ObjectID   string
	Permission Permission
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("actor %s lacks %s on %s %s", e.Actor, e.Permission, e.ObjectType, e.ObjectID)
}
