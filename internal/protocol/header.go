// Package protocol implements spec.md's L13 binary wire protocol: fixed
// command/response headers, opcode dispatch, the legacy-version
// translator, and the per-connection/session lifecycle. Grounded on the
// teacher's JWT/HTTP-header-driven auth flow (auth/token.go, auth/auth.go)
// generalized from request headers parsed by a web framework to a
// hand-rolled fixed-layout binary header read directly off a TCP socket,
// and on db/bolt/bolt.go's explicit byte-offset encode/decode discipline.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/evalgo/veddb/internal/veddberr"
)

// Version is the protocol version carried in every command header.
type Version uint8

const (
	VersionLegacy Version = 1
	VersionCurrent Version = 2
)

// Opcode identifies the requested operation. The space is partitioned per
// §4.6: 0x01-0x0A legacy, 0x10-0x66 current.
type Opcode uint8

const (
	// Legacy (v1) key/value opcodes, rewritten by the compatibility
	// translator against the reserved __legacy_kv__ collection.
	OpLegacyGet    Opcode = 0x01
	OpLegacySet    Opcode = 0x02
	OpLegacyDelete Opcode = 0x03
	OpLegacyPing   Opcode = 0x04

	// Current (v2) opcodes.
	OpAuth              Opcode = 0x10
	OpPing              Opcode = 0x11
	OpInsertDoc         Opcode = 0x20
	OpGetDoc            Opcode = 0x21
	OpUpdateDoc         Opcode = 0x22
	OpDeleteDoc         Opcode = 0x23
	OpQuery             Opcode = 0x24
	OpScan              Opcode = 0x25
	OpCreateCollection  Opcode = 0x30
	OpDropCollection    Opcode = 0x31
	OpListCollections   Opcode = 0x32
	OpCreateIndex       Opcode = 0x38
	OpDropIndex         Opcode = 0x39
	OpCreateUser        Opcode = 0x40
	OpDeleteUser        Opcode = 0x41
	OpListUsers         Opcode = 0x42
	OpPutACL            Opcode = 0x43
	OpCreateBackup      Opcode = 0x50
	OpListBackups       Opcode = 0x51
	OpRestoreBackup     Opcode = 0x52
	OpVerifyBackup      Opcode = 0x53
	OpPITR              Opcode = 0x54
	OpExportCollection  Opcode = 0x55
	OpImportCollection  Opcode = 0x56
	OpSyncRequest       Opcode = 0x60
	OpReplicationStatus Opcode = 0x61
	OpPromote           Opcode = 0x62
	OpRotateKey         Opcode = 0x65
	OpAggregate         Opcode = 0x66
)

// CmdHeader is the 24-byte, little-endian, fixed-layout command header of
// §4.6: op | flags | version | reserved | seq | key_len | val_len | extra.
type CmdHeader struct {
	Op       Opcode
	Flags    uint8
	Version  Version
	Reserved uint8
	Seq      uint32
	KeyLen   uint32
	ValLen   uint32
	Extra    uint64
}

const CmdHeaderSize = 24

// Encode writes the header in its fixed 24-byte wire layout.
func (h CmdHeader) Encode() []byte {
	b := make([]byte, CmdHeaderSize)
	b[0] = byte(h.Op)
	b[1] = h.Flags
	b[2] = byte(h.Version)
	b[3] = h.Reserved
	binary.LittleEndian.PutUint32(b[4:8], h.Seq)
	binary.LittleEndian.PutUint32(b[8:12], h.KeyLen)
	binary.LittleEndian.PutUint32(b[12:16], h.ValLen)
	binary.LittleEndian.PutUint64(b[16:24], h.Extra)
	return b
}

// DecodeCmdHeader parses a 24-byte command header.
func DecodeCmdHeader(b []byte) (CmdHeader, error) {
	if len(b) != CmdHeaderSize {
		return CmdHeader{}, veddberr.New(veddberr.KindInput, "InvalidQuery", fmt.Sprintf("command header must be %d bytes, got %d", CmdHeaderSize, len(b)))
	}
	return CmdHeader{
		Op:       Opcode(b[0]),
		Flags:    b[1],
		Version:  Version(b[2]),
		Reserved: b[3],
		Seq:      binary.LittleEndian.Uint32(b[4:8]),
		KeyLen:   binary.LittleEndian.Uint32(b[8:12]),
		ValLen:   binary.LittleEndian.Uint32(b[12:16]),
		Extra:    binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// TotalPayload is key_len + val_len, the number of payload bytes that
// follow the header on the wire.
func (h CmdHeader) TotalPayload() uint32 { return h.KeyLen + h.ValLen }

// Status is the response status enum of §4.6.
type Status uint8

const (
	StatusOk Status = iota
	StatusError
	StatusNotFound
	StatusFull
	StatusTimeout
	StatusVersionMismatch
	StatusAuthRequired
	StatusAuthFailed
	StatusPermissionDenied
	StatusInvalidQuery
	StatusCollectionExists
	StatusCollectionNotFound
	StatusIndexExists
	StatusIndexNotFound
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusError:
		return "Error"
	case StatusNotFound:
		return "NotFound"
	case StatusFull:
		return "Full"
	case StatusTimeout:
		return "Timeout"
	case StatusVersionMismatch:
		return "VersionMismatch"
	case StatusAuthRequired:
		return "AuthRequired"
	case StatusAuthFailed:
		return "AuthFailed"
	case StatusPermissionDenied:
		return "PermissionDenied"
	case StatusInvalidQuery:
		return "InvalidQuery"
	case StatusCollectionExists:
		return "CollectionExists"
	case StatusCollectionNotFound:
		return "CollectionNotFound"
	case StatusIndexExists:
		return "IndexExists"
	case StatusIndexNotFound:
		return "IndexNotFound"
	default:
		return "Unknown"
	}
}

// RespHeader is the 16-byte response header of §4.6: status | flags |
// reserved | seq | payload_len | padding.
type RespHeader struct {
	Status     Status
	Flags      uint8
	Seq        uint32
	PayloadLen uint32
}

const RespHeaderSize = 16

// Encode writes the header in its fixed 16-byte wire layout.
func (h RespHeader) Encode() []byte {
	b := make([]byte, RespHeaderSize)
	b[0] = byte(h.Status)
	b[1] = h.Flags
	// bytes [2:4] are reserved, left zero.
	binary.LittleEndian.PutUint32(b[4:8], h.Seq)
	binary.LittleEndian.PutUint32(b[8:12], h.PayloadLen)
	// bytes [12:16] are padding, left zero.
	return b
}

// DecodeRespHeader parses a 16-byte response header.
func DecodeRespHeader(b []byte) (RespHeader, error) {
	if len(b) != RespHeaderSize {
		return RespHeader{}, veddberr.New(veddberr.KindInput, "InvalidQuery", fmt.Sprintf("response header must be %d bytes, got %d", RespHeaderSize, len(b)))
	}
	return RespHeader{
		Status:     Status(b[0]),
		Flags:      b[1],
		Seq:        binary.LittleEndian.Uint32(b[4:8]),
		PayloadLen: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// StatusFor maps a classified veddberr error to the response status §4.6
// names, the single place the protocol layer owns this mapping (per
// internal/veddberr's doc comment).
func StatusFor(err error) Status {
	if err == nil {
		return StatusOk
	}
	switch veddberr.CodeOf(err) {
	case "NotFound":
		return StatusNotFound
	case "Full", "ArenaFull", "RingFull":
		return StatusFull
	case "Timeout":
		return StatusTimeout
	case "VersionMismatch":
		return StatusVersionMismatch
	case "AuthRequired":
		return StatusAuthRequired
	case "AuthFailed", "WrongMasterKey":
		return StatusAuthFailed
	case "PermissionDenied":
		return StatusPermissionDenied
	case "InvalidQuery", "ValidationError", "OversizeError":
		return StatusInvalidQuery
	case "CollectionExists":
		return StatusCollectionExists
	case "CollectionNotFound":
		return StatusCollectionNotFound
	case "IndexExists":
		return StatusIndexExists
	case "IndexNotFound":
		return StatusIndexNotFound
	default:
		return StatusError
	}
}
