// Package auth implements spec.md's L12 authentication/authorization
// overlay: user accounts, bcrypt password hashing, JWT-ish bearer tokens,
// the role -> operation permission matrix, the per-resource ACL overlay of
// §4.7, and the structured audit log of §4.8. Grounded on the teacher's
// auth package (auth/user.go's explicit User struct + role-slice,
// auth/password.go's bcrypt wrapper, auth/token.go's golang-jwt/v5 usage),
// generalized from a single-tenant web-API role check to the fixed
// Role->[]Operation matrix plus resource-scoped ACL this spec requires.
package auth

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/evalgo/veddb/internal/veddberr"
)

// Role is one of the three fixed roles spec.md §4.7 names.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleReadWrite Role = "read_write"
	RoleReadOnly  Role = "read_only"
)

// Operation is one authorizable action. The names mirror spec.md §4.7's
// enumeration (read/write/delete/create_collection/.../configure_replication/
// view_replication_status) plus the handful of admin-only operations §4.8's
// audit taxonomy implies.
type Operation string

const (
	OpRead                   Operation = "read"
	OpWrite                  Operation = "write"
	OpDelete                 Operation = "delete"
	OpCreateCollection       Operation = "create_collection"
	OpDropCollection         Operation = "drop_collection"
	OpCreateIndex            Operation = "create_index"
	OpDropIndex              Operation = "drop_index"
	OpManageUsers            Operation = "manage_users"
	OpManageACL              Operation = "manage_acl"
	OpCreateBackup           Operation = "create_backup"
	OpRestoreBackup          Operation = "restore_backup"
	OpConfigureReplication   Operation = "configure_replication"
	OpViewReplicationStatus  Operation = "view_replication_status"
	OpRotateKey              Operation = "rotate_key"
	OpViewAuditLog           Operation = "view_audit_log"
	OpViewMetrics            Operation = "view_metrics"
)

// rolePermissions is the fixed role -> operation matrix §4.7 requires.
var rolePermissions = map[Role]map[Operation]bool{
	RoleReadOnly: set(OpRead, OpViewReplicationStatus, OpViewMetrics),
	RoleReadWrite: set(
		OpRead, OpWrite, OpDelete, OpCreateIndex, OpDropIndex,
		OpCreateBackup, OpViewReplicationStatus, OpViewMetrics,
	),
	RoleAdmin: set(
		OpRead, OpWrite, OpDelete, OpCreateCollection, OpDropCollection,
		OpCreateIndex, OpDropIndex, OpManageUsers, OpManageACL,
		OpCreateBackup, OpRestoreBackup, OpConfigureReplication,
		OpViewReplicationStatus, OpRotateKey, OpViewAuditLog, OpViewMetrics,
	),
}

func set(ops ...Operation) map[Operation]bool {
	m := make(map[Operation]bool, len(ops))
	for _, o := range ops {
		m[o] = true
	}
	return m
}

// Allows reports whether role grants op per the fixed matrix.
func (r Role) Allows(op Operation) bool {
	return rolePermissions[r][op]
}

// User is one authenticated principal.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const bcryptCost = 10

// HashPassword bcrypt-hashes a plaintext password, matching the teacher's
// auth.HashPassword cost factor.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", veddberr.New(veddberr.KindInput, "EmptyPassword", "password cannot be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", veddberr.Wrap(veddberr.KindExternal, "StorageError", "hash password", err)
	}
	return string(h), nil
}

// CheckPassword validates a plaintext password against its bcrypt hash.
func CheckPassword(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return veddberr.Wrap(veddberr.KindAuth, "AuthFailed", "invalid credentials", err)
	}
	return nil
}
