package replication

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/evalgo/veddb/internal/veddberr"
	"github.com/evalgo/veddb/internal/wal"
)

// MsgKind tags a replication message on the wire. internal/protocol owns
// the real binary opcode space (L13); replication frames its own messages
// with a length-prefixed JSON envelope so this package can be exercised
// (and tested) independent of the connection/session layer that will
// eventually carry it.
type MsgKind uint8

const (
	MsgSyncRequest MsgKind = iota + 1
	MsgFullSync
	MsgIncrementalSync
	MsgAck
	MsgHeartbeat
	MsgMasterShutdown
)

// SyncRequest is a slave's handshake: where it left off, and an identifier
// the master uses for the fan-out table.
type SyncRequest struct {
	LastSequence uint64 `json:"last_sequence"`
	SlaveID      string `json:"slave_id"`
}

// FullSync carries a complete internal/snapshot-encoded body (its own
// header already embeds the WAL sequence and compression flag) for a slave
// too far behind, or whose requested sequence the WAL no longer retains.
type FullSync struct {
	Body []byte `json:"body"`
}

// IncrementalSync carries one or more WAL entries in sequence order.
type IncrementalSync struct {
	Entries []wal.Entry `json:"entries"`
}

// AckStatus is the slave's response to a sync message.
type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckFailure AckStatus = "failure"
)

// Ack acknowledges the sequence a slave has durably applied up to.
type Ack struct {
	Sequence uint64    `json:"sequence"`
	Status   AckStatus `json:"status"`
}

// Heartbeat reports the master's current sequence on an otherwise-idle
// stream.
type Heartbeat struct {
	CurrentSequence uint64 `json:"current_sequence"`
}

// MasterShutdown tells a connected slave to disconnect and restart its
// connect loop.
type MasterShutdown struct{}

// writeMessage frames kind + JSON(payload) as [kind u8][len u32][json].
func writeMessage(w io.Writer, kind MsgKind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "marshal replication message", err)
	}
	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "write replication message header", err)
	}
	if _, err := w.Write(body); err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "write replication message body", err)
	}
	return nil
}

// readMessage reads one frame and returns its kind plus raw JSON body.
func readMessage(r io.Reader) (MsgKind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	kind := MsgKind(header[0])
	n := binary.LittleEndian.Uint32(header[1:])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read replication message body", err)
		}
	}
	return kind, body, nil
}

func unmarshalInto(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return veddberr.Wrap(veddberr.KindInput, "ValidationError", "decode replication message", err)
	}
	return nil
}

func fmtErr(format string, args ...any) error {
	return veddberr.New(veddberr.KindExternal, "StorageError", fmt.Sprintf(format, args...))
}
