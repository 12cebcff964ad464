package replication

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/schema"
	"github.com/evalgo/veddb/internal/snapshot"
	"github.com/evalgo/veddb/internal/wal"
)

func newStoreWithDocs(t *testing.T, n int) (*persistent.Store, string) {
	dir := t.TempDir()
	store, err := persistent.Open(filepath.Join(dir, "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateCollection("widgets", schema.New()))
	for i := 0; i < n; i++ {
		doc := document.New()
		doc.Fields.Set("i", document.Int64(int64(i)))
		require.NoError(t, store.Insert("widgets", doc))
	}
	return store, dir
}

func countDocs(t *testing.T, store *persistent.Store) int {
	count := 0
	require.NoError(t, store.Scan("widgets", func(doc *document.Document) bool {
		count++
		return true
	}))
	return count
}

func TestRoleGates(t *testing.T) {
	assert.True(t, CanRead(RoleMaster))
	assert.True(t, CanRead(RoleSlave))
	assert.True(t, CanWrite(RoleMaster))
	assert.False(t, CanWrite(RoleSlave))
}

func TestFullSyncPopulatesFreshSlave(t *testing.T) {
	masterStore, masterWALDir := newStoreWithDocs(t, 5)
	walLog, err := wal.Open(masterWALDir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { walLog.Close() })
	// Appending a single operation is enough for oldestRetainedSequence to
	// be 1 > a fresh slave's last_sequence of 0, forcing the full-sync path.
	_, err = walLog.Append(wal.Operation{Collection: "widgets", Kind: wal.OpInsert, DocID: document.NewID()})
	require.NoError(t, err)

	master := NewMaster(masterWALDir, walLog, masterStore, nil)
	t.Cleanup(master.Stop)

	slaveStore, _ := newStoreWithDocs(t, 0)

	serverConn, clientConn := net.Pipe()
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- master.AcceptConn(serverConn) }()

	require.NoError(t, writeMessage(clientConn, MsgSyncRequest, SyncRequest{LastSequence: 0, SlaveID: "slave-1"}))
	kind, body, err := readMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, MsgFullSync, kind)

	var fs FullSync
	require.NoError(t, unmarshalInto(body, &fs))
	hdr, sbody, err := snapshot.Read(bytes.NewReader(fs.Body))
	require.NoError(t, err)
	require.NoError(t, snapshot.Apply(sbody, slaveStore))

	require.NoError(t, writeMessage(clientConn, MsgAck, Ack{Sequence: hdr.WALSequence, Status: AckSuccess}))
	require.NoError(t, <-acceptErr)
	assert.Equal(t, 1, master.SlaveCount())
	assert.Equal(t, 5, countDocs(t, slaveStore))
}

func TestIncrementalSyncAppliesEntriesInOrder(t *testing.T) {
	masterStore, masterWALDir := newStoreWithDocs(t, 0)
	walLog, err := wal.Open(masterWALDir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { walLog.Close() })

	doc1 := document.New()
	doc1.Fields.Set("name", document.String("bolt"))
	entry1, err := walLog.Append(wal.Operation{Collection: "widgets", Kind: wal.OpInsert, DocID: doc1.ID, Payload: doc1.Encode()})
	require.NoError(t, err)

	master := NewMaster(masterWALDir, walLog, masterStore, nil)
	t.Cleanup(master.Stop)

	serverConn, clientConn := net.Pipe()
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- master.AcceptConn(serverConn) }()

	require.NoError(t, writeMessage(clientConn, MsgSyncRequest, SyncRequest{LastSequence: entry1.Sequence, SlaveID: "slave-2"}))
	kind, body, err := readMessage(clientConn)
	require.NoError(t, err)
	require.Equal(t, MsgIncrementalSync, kind)

	var inc IncrementalSync
	require.NoError(t, unmarshalInto(body, &inc))
	assert.Empty(t, inc.Entries, "slave already has entry1, nothing new to send")

	require.NoError(t, writeMessage(clientConn, MsgAck, Ack{Sequence: entry1.Sequence, Status: AckSuccess}))
	require.NoError(t, <-acceptErr)
}

func TestBroadcastDeliversToRegisteredSlave(t *testing.T) {
	masterStore, masterWALDir := newStoreWithDocs(t, 0)
	walLog, err := wal.Open(masterWALDir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { walLog.Close() })

	master := NewMaster(masterWALDir, walLog, masterStore, nil)
	t.Cleanup(master.Stop)

	serverConn, clientConn := net.Pipe()
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- master.AcceptConn(serverConn) }()

	require.NoError(t, writeMessage(clientConn, MsgSyncRequest, SyncRequest{LastSequence: 0, SlaveID: "slave-3"}))
	_, _, err = readMessage(clientConn) // initial (empty) IncrementalSync
	require.NoError(t, err)
	require.NoError(t, writeMessage(clientConn, MsgAck, Ack{Status: AckSuccess}))
	require.NoError(t, <-acceptErr)

	entry, err := walLog.Append(wal.Operation{Collection: "widgets", Kind: wal.OpInsert, DocID: document.NewID()})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { master.Broadcast(entry); close(done) }()

	kind, body, err := readMessage(clientConn)
	require.NoError(t, err)
	assert.Equal(t, MsgIncrementalSync, kind)
	var inc IncrementalSync
	require.NoError(t, unmarshalInto(body, &inc))
	require.Len(t, inc.Entries, 1)
	assert.Equal(t, entry.Sequence, inc.Entries[0].Sequence)
	<-done
}

func TestSlaveRunAppliesFullSyncThenIncrementalOverRealListener(t *testing.T) {
	masterStore, masterWALDir := newStoreWithDocs(t, 3)
	walLog, err := wal.Open(masterWALDir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { walLog.Close() })
	_, err = walLog.Append(wal.Operation{Collection: "widgets", Kind: wal.OpInsert, DocID: document.NewID()})
	require.NoError(t, err)

	master := NewMaster(masterWALDir, walLog, masterStore, nil)
	t.Cleanup(master.Stop)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go master.AcceptConn(conn)
		}
	}()

	slaveStore, _ := newStoreWithDocs(t, 0)
	slave := NewSlave(ln.Addr().String(), "slave-run", slaveStore, BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go slave.Run(ctx)

	require.Eventually(t, func() bool {
		return countDocs(t, slaveStore) == 3
	}, 2*time.Second, 20*time.Millisecond)
}
