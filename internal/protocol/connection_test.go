package protocol

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vauth "github.com/evalgo/veddb/internal/auth"
	"github.com/evalgo/veddb/internal/backup"
	vcache "github.com/evalgo/veddb/internal/cache"
	"github.com/evalgo/veddb/internal/hybrid"
	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/replication"
	"github.com/evalgo/veddb/internal/schema"
	"github.com/evalgo/veddb/internal/wal"
)

func newTestServer(t *testing.T) (*Server, net.Listener) {
	t.Helper()
	store, err := persistent.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateCollection("widgets", schema.New()))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := vcache.New(client, "t:")

	w, err := wal.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	engine := hybrid.New(store, c, w, nil)
	t.Cleanup(engine.Shutdown)

	authStore, err := vauth.OpenStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { authStore.Close() })

	hash, err := vauth.HashPassword("password123")
	require.NoError(t, err)
	require.NoError(t, authStore.CreateUser(&vauth.User{Username: "ada", PasswordHash: hash, Role: vauth.RoleAdmin, Enabled: true}))

	tokens := vauth.NewTokenService("test-secret", time.Minute)
	sessions := vauth.NewSessionManager(time.Minute)

	s := NewServer(engine, authStore, tokens, sessions, nil)
	s.Role = replication.RoleMaster

	backups, err := backup.New(t.TempDir(), store)
	require.NoError(t, err)
	s.Backups = backups

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return s, ln
}

func dial(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCmd(t *testing.T, conn net.Conn, cmd *Command) *Response {
	t.Helper()
	_, err := cmd.WriteTo(conn)
	require.NoError(t, err)
	resp, err := ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func TestUnauthenticatedMutatingOpcodeReturnsAuthRequired(t *testing.T) {
	_, ln := newTestServer(t)
	conn := dial(t, ln)

	resp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpInsertDoc, Version: VersionCurrent, Seq: 1},
		Key:    []byte("widgets"),
		Value:  []byte(`{"fields":{"name":"bolt"}}`),
	})
	assert.Equal(t, StatusAuthRequired, resp.Header.Status)
}

func TestAuthThenInsertThenGetRoundTrip(t *testing.T) {
	_, ln := newTestServer(t)
	conn := dial(t, ln)

	authResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpAuth, Version: VersionCurrent, Seq: 1},
		Key:    []byte("ada"), Value: []byte("password123"),
	})
	require.Equal(t, StatusOk, authResp.Header.Status)
	require.NotEmpty(t, authResp.Payload)

	insertResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpInsertDoc, Version: VersionCurrent, Seq: 2},
		Key:    []byte("widgets"),
		Value:  []byte(`{"fields":{"name":"bolt"}}`),
	})
	require.Equal(t, StatusOk, insertResp.Header.Status)
	docID := string(insertResp.Payload)
	require.NotEmpty(t, docID)

	getResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpGetDoc, Version: VersionCurrent, Seq: 3},
		Key:    []byte("widgets"),
		Value:  []byte(docID),
	})
	require.Equal(t, StatusOk, getResp.Header.Status)
	assert.Contains(t, string(getResp.Payload), "bolt")
}

func TestWrongPasswordReturnsAuthFailed(t *testing.T) {
	_, ln := newTestServer(t)
	conn := dial(t, ln)

	resp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpAuth, Version: VersionCurrent, Seq: 1},
		Key:    []byte("ada"), Value: []byte("wrong-password"),
	})
	assert.Equal(t, StatusAuthFailed, resp.Header.Status)
}

func TestACLDenyOnCollectionWinsOverRoleAllow(t *testing.T) {
	s, ln := newTestServer(t)
	res := vauth.Resource{Type: vauth.ResourceCollection, ID: "widgets"}
	require.NoError(t, s.AuthStore.PutACL(res, []vauth.ACLEntry{
		{Principal: "ada", Permissions: []vauth.Operation{vauth.OpWrite}, Deny: true},
	}))

	conn := dial(t, ln)
	authResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpAuth, Version: VersionCurrent, Seq: 1},
		Key:    []byte("ada"), Value: []byte("password123"),
	})
	require.Equal(t, StatusOk, authResp.Header.Status)

	resp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpInsertDoc, Version: VersionCurrent, Seq: 2},
		Key:    []byte("widgets"), Value: []byte(`{"fields":{"name":"bolt"}}`),
	})
	assert.Equal(t, StatusPermissionDenied, resp.Header.Status, "an admin is still bound by a per-collection deny entry naming them")
}

func TestSuccessfulDispatchTouchesSession(t *testing.T) {
	s, ln := newTestServer(t)
	conn := dial(t, ln)

	authResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpAuth, Version: VersionCurrent, Seq: 1},
		Key:    []byte("ada"), Value: []byte("password123"),
	})
	require.Equal(t, StatusOk, authResp.Header.Status)

	events, err := s.AuthStore.QueryAudit(vauth.Query{Username: "ada", EventType: vauth.EventAuthSuccess})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	sessionID := events[len(events)-1].SessionID
	require.NotEmpty(t, sessionID)

	before, err := s.Sessions.Get(sessionID)
	require.NoError(t, err)
	lastActivity := before.LastActivity

	time.Sleep(5 * time.Millisecond)
	insertResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpInsertDoc, Version: VersionCurrent, Seq: 2},
		Key:    []byte("widgets"), Value: []byte(`{"fields":{"name":"bolt"}}`),
	})
	require.Equal(t, StatusOk, insertResp.Header.Status)

	after, err := s.Sessions.Get(sessionID)
	require.NoError(t, err)
	assert.True(t, after.LastActivity.After(lastActivity), "a successful dispatch should touch the session's last-activity time")
}

func TestExportThenImportCollectionRoundTripsOverTheWire(t *testing.T) {
	_, ln := newTestServer(t)
	conn := dial(t, ln)

	authResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpAuth, Version: VersionCurrent, Seq: 1},
		Key:    []byte("ada"), Value: []byte("password123"),
	})
	require.Equal(t, StatusOk, authResp.Header.Status)

	insertResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpInsertDoc, Version: VersionCurrent, Seq: 2},
		Key:    []byte("widgets"), Value: []byte(`{"fields":{"name":"bolt"}}`),
	})
	require.Equal(t, StatusOk, insertResp.Header.Status)

	exportResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpExportCollection, Version: VersionCurrent, Seq: 3},
		Key:    []byte("widgets"),
	})
	require.Equal(t, StatusOk, exportResp.Header.Status)
	require.NotEmpty(t, exportResp.Payload)

	// Re-importing the same collection without replace leaves the existing
	// document alone: the response count reflects skipped-not-overwritten.
	importResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpImportCollection, Version: VersionCurrent, Seq: 4},
		Key:    []byte("widgets"), Value: exportResp.Payload,
	})
	require.Equal(t, StatusOk, importResp.Header.Status)
	assert.Equal(t, "0", string(importResp.Payload))

	importReplaceResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpImportCollection, Version: VersionCurrent, Seq: 5, Flags: 0x01},
		Key:    []byte("widgets"), Value: exportResp.Payload,
	})
	require.Equal(t, StatusOk, importReplaceResp.Header.Status)
	assert.Equal(t, "1", string(importReplaceResp.Payload))
}

func TestReadOnlyRoleDeniedWrite(t *testing.T) {
	s, ln := newTestServer(t)
	hash, err := vauth.HashPassword("viewer-pass")
	require.NoError(t, err)
	require.NoError(t, s.AuthStore.CreateUser(&vauth.User{Username: "viewer", PasswordHash: hash, Role: vauth.RoleReadOnly, Enabled: true}))

	conn := dial(t, ln)
	authResp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpAuth, Version: VersionCurrent, Seq: 1},
		Key:    []byte("viewer"), Value: []byte("viewer-pass"),
	})
	require.Equal(t, StatusOk, authResp.Header.Status)

	resp := sendCmd(t, conn, &Command{
		Header: CmdHeader{Op: OpInsertDoc, Version: VersionCurrent, Seq: 2},
		Key:    []byte("widgets"), Value: []byte(`{"fields":{}}`),
	})
	assert.Equal(t, StatusPermissionDenied, resp.Header.Status)
}
