package replication

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/snapshot"
	"github.com/evalgo/veddb/internal/wal"
)

const (
	fullSyncLagThreshold = 10000
	handshakeTimeout     = 30 * time.Second
	heartbeatInterval    = 10 * time.Second
	slaveIdleTimeout     = 30 * time.Second
)

// slaveHandle is the master's fan-out table entry for one connected slave.
type slaveHandle struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	lastAck  uint64
	lastSeen time.Time
}

func (h *slaveHandle) send(kind MsgKind, payload any) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return writeMessage(h.conn, kind, payload)
}

func (h *slaveHandle) touch() {
	h.mu.Lock()
	h.lastSeen = time.Now()
	h.mu.Unlock()
}

func (h *slaveHandle) idleFor() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastSeen)
}

// Master is the replication master side: the accept loop deciding full vs
// incremental sync, the live fan-out table WAL appends broadcast to, and
// the idle-heartbeat/dead-slave-reaping background loop.
type Master struct {
	walDir string
	walLog *wal.WAL
	store  *persistent.Store
	logger *logrus.Logger

	mu     sync.Mutex
	slaves map[string]*slaveHandle

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMaster builds a Master over an already-open WAL and persistent store.
// walDir must be the same directory backing walLog, so the accept loop can
// scan retained sequences without a dedicated WAL API.
func NewMaster(walDir string, walLog *wal.WAL, store *persistent.Store, logger *logrus.Logger) *Master {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Master{
		walDir: walDir,
		walLog: walLog,
		store:  store,
		logger: logger,
		slaves: make(map[string]*slaveHandle),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.runBackground()
	return m
}

// Stop halts the heartbeat/reaper loop. It does not close connected slave
// sockets; callers own connection lifecycle.
func (m *Master) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Master) runBackground() {
	defer m.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.heartbeatAndReap()
		}
	}
}

func (m *Master) heartbeatAndReap() {
	current := m.walLog.LastSequence()
	m.mu.Lock()
	handles := make([]*slaveHandle, 0, len(m.slaves))
	for _, h := range m.slaves {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if h.idleFor() > slaveIdleTimeout {
			m.removeSlave(h.id)
			m.logger.WithField("slave_id", h.id).Warn("replication: slave timed out, removed from fan-out table")
			continue
		}
		if err := h.send(MsgHeartbeat, Heartbeat{CurrentSequence: current}); err != nil {
			m.logger.WithField("slave_id", h.id).WithError(err).Warn("replication: heartbeat failed")
		}
	}
}

func (m *Master) removeSlave(id string) {
	m.mu.Lock()
	delete(m.slaves, id)
	m.mu.Unlock()
}

// oldestRetainedSequence reports the lowest sequence still present in
// walDir, or ok=false if the log is empty.
func oldestRetainedSequence(dir string) (seq uint64, ok bool, err error) {
	r, err := wal.NewReader(dir)
	if err != nil {
		return 0, false, err
	}
	defer r.Close()
	entry, err := r.Next()
	if err == io.EOF {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return entry.Sequence, true, nil
}

// entriesSince collects every WAL entry with sequence > since, in order.
func entriesSince(dir string, since uint64) ([]wal.Entry, error) {
	r, err := wal.NewReader(dir)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var entries []wal.Entry
	for {
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if entry.Sequence > since {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// AcceptConn runs the handshake for one incoming replication connection:
// receive SyncRequest, decide full vs incremental sync, send it, await
// Ack, and — on success — register the slave in the fan-out table.
func (m *Master) AcceptConn(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	kind, body, err := readMessage(conn)
	if err != nil {
		return err
	}
	if kind != MsgSyncRequest {
		return fmtErr("replication: expected SyncRequest, got message kind %d", kind)
	}
	var req SyncRequest
	if err := unmarshalInto(body, &req); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Time{})

	current := m.walLog.LastSequence()
	oldest, haveOldest, err := oldestRetainedSequence(m.walDir)
	if err != nil {
		return err
	}
	needFull := current > req.LastSequence+fullSyncLagThreshold ||
		(haveOldest && req.LastSequence < oldest)

	if needFull {
		var buf bytes.Buffer
		if err := snapshot.Write(&buf, m.store, current, true); err != nil {
			return err
		}
		if err := writeMessage(conn, MsgFullSync, FullSync{Body: buf.Bytes()}); err != nil {
			return err
		}
	} else {
		entries, err := entriesSince(m.walDir, req.LastSequence)
		if err != nil {
			return err
		}
		if err := writeMessage(conn, MsgIncrementalSync, IncrementalSync{Entries: entries}); err != nil {
			return err
		}
	}

	ackKind, ackBody, err := readMessage(conn)
	if err != nil {
		return err
	}
	if ackKind != MsgAck {
		return fmtErr("replication: expected Ack, got message kind %d", ackKind)
	}
	var ack Ack
	if err := unmarshalInto(ackBody, &ack); err != nil {
		return err
	}
	if ack.Status != AckSuccess {
		return fmtErr("replication: slave %s rejected initial sync", req.SlaveID)
	}

	handle := &slaveHandle{id: req.SlaveID, conn: conn, lastAck: ack.Sequence, lastSeen: time.Now()}
	m.mu.Lock()
	m.slaves[req.SlaveID] = handle
	m.mu.Unlock()
	return nil
}

// Broadcast pushes one freshly-appended WAL entry to every registered
// slave; a send error removes the slave, as does the background loop's
// idle timeout. Broadcast reads no Acks and sends only the entry it is
// given, so it does not re-send an entry a slave failed to apply: that
// slave acks Failure and closes the connection, and the incremental sync
// of its next handshake carries every entry after its last applied
// sequence.
func (m *Master) Broadcast(entry wal.Entry) {
	m.mu.Lock()
	handles := make([]*slaveHandle, 0, len(m.slaves))
	for _, h := range m.slaves {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.send(MsgIncrementalSync, IncrementalSync{Entries: []wal.Entry{entry}}); err != nil {
			m.logger.WithField("slave_id", h.id).WithError(err).Warn("replication: broadcast failed, removing slave")
			m.removeSlave(h.id)
			continue
		}
		h.touch()
	}
}

// SlaveCount reports how many slaves are currently registered.
func (m *Master) SlaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slaves)
}

// ObserveAck processes an Ack read by the connection's owning goroutine
// (internal/protocol owns the read loop for an established connection;
// this just updates fan-out bookkeeping). Failure acks are logged, not
// removed, per the streaming contract.
func (m *Master) ObserveAck(slaveID string, ack Ack) {
	m.mu.Lock()
	h, ok := m.slaves[slaveID]
	m.mu.Unlock()
	if !ok {
		return
	}
	h.touch()
	if ack.Status != AckSuccess {
		m.logger.WithField("slave_id", slaveID).Warn("replication: slave acked failure, retaining for re-send")
		return
	}
	h.mu.Lock()
	h.lastAck = ack.Sequence
	h.mu.Unlock()
}
