package veddbclient

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	vauth "github.com/evalgo/veddb/internal/auth"
	vcache "github.com/evalgo/veddb/internal/cache"
	"github.com/evalgo/veddb/internal/hybrid"
	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/protocol"
	"github.com/evalgo/veddb/internal/replication"
	"github.com/evalgo/veddb/internal/schema"
	"github.com/evalgo/veddb/internal/wal"
)

func startTestServer(t *testing.T) string {
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
	cache := vcache.New(client, "t:")

	w, err := wal.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	engine := hybrid.New(store, cache, w, nil)
	t.Cleanup(engine.Shutdown)

	authStore, err := vauth.OpenStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { authStore.Close() })

	hash, err := vauth.HashPassword("password123")
	require.NoError(t, err)
	require.NoError(t, authStore.CreateUser(&vauth.User{Username: "ada", PasswordHash: hash, Role: vauth.RoleAdmin, Enabled: true}))

	tokens := vauth.NewTokenService("test-secret", time.Minute)
	sessions := vauth.NewSessionManager(time.Minute)

	server := protocol.NewServer(engine, authStore, tokens, sessions, nil)
	server.Role = replication.RoleMaster

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestClientAuthInsertGetUpdateDeleteRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	c, err := Dial(addr, 5*time.Second)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping())

	tok, err := c.Auth("ada", "password123")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	id, err := c.Insert("widgets", Doc{Fields: map[string]interface{}{"name": "bolt"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := c.Get("widgets", id)
	require.NoError(t, err)
	require.Equal(t, "bolt", doc.Fields["name"])

	require.NoError(t, c.Update("widgets", id, Doc{Fields: map[string]interface{}{"name": "nut"}}))
	doc, err = c.Get("widgets", id)
	require.NoError(t, err)
	require.Equal(t, "nut", doc.Fields["name"])

	docs, err := c.Query("widgets", "")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, c.Delete("widgets", id))
	_, err = c.Get("widgets", id)
	require.Error(t, err)
}

func TestClientCreateAndDropCollection(t *testing.T) {
	addr := startTestServer(t)
	c, err := Dial(addr, 5*time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Auth("ada", "password123")
	require.NoError(t, err)

	require.NoError(t, c.CreateCollection("gadgets", nil))
	_, err = c.Insert("gadgets", Doc{Fields: map[string]interface{}{"k": "v"}})
	require.NoError(t, err)

	require.NoError(t, c.DropCollection("gadgets"))
	_, err = c.Insert("gadgets", Doc{Fields: map[string]interface{}{"k": "v"}})
	require.Error(t, err)
}
