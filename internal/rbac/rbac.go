// Package rbac resolves whether an actor may perform an operation on a tree
// node. Resolution is a pure predicate over the actor, the node's ownership
// and ACL state, and the role hierarchy; identical inputs always produce the
// identical decision.
package rbac

type Role string
type Operation string

const (
	RoleReadOnly      Role = "read-only"
	RoleEditor        Role = "editor"
	RoleAdministrator Role = "administrator"
)

const (
	OpRead              Operation = "read"
	OpWrite             Operation = "write"
	OpDelete            Operation = "delete"
	OpManagePermissions Operation = "manage-permissions"
)

// Level orders the role hierarchy: read-only < editor < administrator.
// Unknown roles rank below read-only.
func Level(role Role) int {
	switch role {
	case RoleAdministrator:
		return 3
	case RoleEditor:
		return 2
	case RoleReadOnly:
		return 1
	default:
		return 0
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleReadOnly, RoleEditor, RoleAdministrator:
		return Role(role)
	default:
		return RoleReadOnly
	}
}

func ParseOperation(s string) (Operation, bool) {
	switch Operation(s) {
	case OpRead, OpWrite, OpDelete, OpManagePermissions:
		return Operation(s), true
	default:
		return "", false
	}
}

type Actor struct {
	ID   string
	Role Role
}

// NodeView is the access-relevant slice of a node. Documents resolve against
// their containing folder's public flag and ACL with their own owner, under
// kind "document".
type NodeView struct {
	ID       string
	Kind     string // "page", "folder" or "document"
	OwnerID  string
	IsPublic bool
	Read     map[string]bool
	Write    map[string]bool
}

type DenyReason string

const (
	DenyNoReadGrant   DenyReason = "no_read_grant"
	DenyNoWriteGrant  DenyReason = "no_write_grant"
	DenyNoDeleteGrant DenyReason = "no_delete_grant"
	DenyNotOwner      DenyReason = "not_owner"
)

type Decision struct {
	Allowed bool
	Reason  DenyReason
}

func allow() Decision { return Decision{Allowed: true} }

// Resolve applies the access checks in order, first match winning:
// ownership, public read, explicit ACL grant (the write set also covers
// delete), then the role hierarchy. Administrators pass every check. Editors
// may read and write pages and documents but not manage permissions on
// folders they do not own; read-only actors read pages and documents only.
func Resolve(actor Actor, node NodeView, op Operation) Decision {
	if actor.ID != "" && actor.ID == node.OwnerID {
		return allow()
	}
	if op == OpRead && node.IsPublic {
		return allow()
	}

	switch op {
	case OpRead:
		if node.Read[actor.ID] {
			return allow()
		}
	case OpWrite, OpDelete:
		if node.Write[actor.ID] {
			return allow()
		}
	}

	switch actor.Role {
	case RoleAdministrator:
		return allow()
	case RoleEditor:
		if (op == OpRead || op == OpWrite) && node.Kind != "folder" {
			return allow()
		}
	case RoleReadOnly:
		if op == OpRead && node.Kind != "folder" {
			return allow()
		}
	}

	return Decision{Reason: denyReason(op)}
}

func denyReason(op Operation) DenyReason {
	switch op {
	case OpRead:
		return DenyNoReadGrant
	case OpWrite:
		return DenyNoWriteGrant
	case OpDelete:
		return DenyNoDeleteGrant
	default:
		return DenyNotOwner
	}
}
