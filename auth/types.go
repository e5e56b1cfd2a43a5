package auth

import "fmt"

// Role is an access level granted to a client of the device.
//
// Roles are ordered: viewer < user < manager < owner. RoleNone sits below
// all of them and is what an unauthenticated caller gets.
type Role int

// Role constants, in ascending order of privilege.
const (
	RoleNone Role = iota
	RoleViewer
	RoleUser
	RoleManager
	RoleOwner
)

var roleNames = map[Role]string{
	RoleNone:    "none",
	RoleViewer:  "viewer",
	RoleUser:    "user",
	RoleManager: "manager",
	RoleOwner:   "owner",
}

// String returns the wire name of the role ("viewer", "owner", ...).
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole converts a wire name back into a Role.
func ParseRole(name string) (Role, error) {
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return RoleNone, fmt.Errorf("auth: unknown role %q", name)
}

// UserInfo identifies the principal behind an access token.
type UserInfo struct {
	scope  Role
	userID uint64
}

// NewUserInfo builds a UserInfo. A principal with no scope has no usable
// identity, so the user id is normalised to zero when scope is RoleNone.
func NewUserInfo(scope Role, userID uint64) UserInfo {
	if scope == RoleNone {
		userID = 0
	}
	return UserInfo{scope: scope, userID: userID}
}

// Scope returns the role granted to the principal.
func (u UserInfo) Scope() Role { return u.scope }

// UserID returns the numeric id of the principal, or 0 for RoleNone.
func (u UserInfo) UserID() uint64 { return u.userID }

// RootClientTokenOwner records which kind of controller currently holds the
// device's root client token.
type RootClientTokenOwner int

// Root client token ownership states.
const (
	OwnerNone RootClientTokenOwner = iota
	OwnerClient
	OwnerCloud
)

var ownerNames = map[RootClientTokenOwner]string{
	OwnerNone:   "none",
	OwnerClient: "client",
	OwnerCloud:  "cloud",
}

// String returns the persisted name of the ownership state.
func (o RootClientTokenOwner) String() string {
	if name, ok := ownerNames[o]; ok {
		return name
	}
	return fmt.Sprintf("owner(%d)", int(o))
}

// ParseRootClientTokenOwner converts a persisted name back into an
// ownership state.
func ParseRootClientTokenOwner(name string) (RootClientTokenOwner, error) {
	for owner, n := range ownerNames {
		if n == name {
			return owner, nil
		}
	}
	return OwnerNone, fmt.Errorf("auth: unknown root client token owner %q", name)
}
