package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserCreateAndPasswordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	hash, err := HashPassword("hunter2hunter")
	require.NoError(t, err)

	u := &User{Username: "ada", PasswordHash: hash, Role: RoleReadWrite, Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateUser(u))

	got, err := s.GetUser("ada")
	require.NoError(t, err)
	assert.NoError(t, CheckPassword("hunter2hunter", got.PasswordHash))
	assert.Error(t, CheckPassword("wrong", got.PasswordHash))

	assert.Error(t, s.CreateUser(u), "duplicate username must be rejected")
}

func TestRolePermissionMatrix(t *testing.T) {
	assert.True(t, RoleAdmin.Allows(OpRotateKey))
	assert.False(t, RoleReadWrite.Allows(OpRotateKey))
	assert.True(t, RoleReadWrite.Allows(OpWrite))
	assert.False(t, RoleReadOnly.Allows(OpWrite))
	assert.True(t, RoleReadOnly.Allows(OpRead))
}

func TestAuthorizeRoleGate(t *testing.T) {
	s := openTestStore(t)
	u := &User{Username: "bob", Role: RoleReadOnly}
	err := Authorize(s, u, OpWrite, nil)
	require.Error(t, err)
}

func TestAuthorizeACLDenyWinsOverRoleAllow(t *testing.T) {
	s := openTestStore(t)
	u := &User{Username: "carol", Role: RoleReadWrite}
	res := Resource{Type: ResourceCollection, ID: "secrets"}
	require.NoError(t, s.PutACL(res, []ACLEntry{
		{Principal: "carol", Permissions: []Operation{OpWrite}, Deny: true},
	}))
	err := Authorize(s, u, OpWrite, &res)
	assert.Error(t, err)

	// read is untouched by the deny entry (only Write is named).
	require.NoError(t, Authorize(s, u, OpRead, &res))
}

func TestAuthorizeACLAllowRequiredWhenEntriesMatchPrincipal(t *testing.T) {
	s := openTestStore(t)
	u := &User{Username: "dave", Role: RoleAdmin}
	res := Resource{Type: ResourceCollection, ID: "finance"}
	require.NoError(t, s.PutACL(res, []ACLEntry{
		{Principal: "dave", Permissions: []Operation{OpRead}, Deny: false},
	}))
	require.NoError(t, Authorize(s, u, OpRead, &res))
	assert.Error(t, Authorize(s, u, OpWrite, &res), "dave has no explicit allow for write")
}

func TestSessionLifecycle(t *testing.T) {
	sm := NewSessionManager(50 * time.Millisecond)
	sess := sm.Create("ada", "127.0.0.1:1234", 2)
	require.NoError(t, sm.Touch(sess.ID))

	time.Sleep(80 * time.Millisecond)
	_, err := sm.Get(sess.ID)
	assert.Error(t, err, "session must expire after idle timeout")
}

func TestTokenIssueAndValidate(t *testing.T) {
	ts := NewTokenService("test-secret", time.Minute)
	u := &User{Username: "ada", Role: RoleAdmin}
	tok, err := ts.Issue(u)
	require.NoError(t, err)

	claims, err := ts.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "ada", claims.Username)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestAuditAppendAndQuery(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append(&Event{EventType: EventAuthFailure, Username: "eve", Operation: "Auth", Success: false}))
	require.NoError(t, s.Append(&Event{EventType: EventDataAccess, Username: "ada", Operation: "InsertDoc", Success: true}))

	events, err := s.QueryAudit(Query{Username: "eve"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventAuthFailure, events[0].EventType)
}
