// Package wal implements the framed, append-only write-ahead log: one or
// more numbered files sorted by suffix, strict dual monotonicity
// (sequence + timestamp), and point-in-time recovery. Grounded on the
// teacher-adjacent WAL writer pattern (mutex-guarded append, CRC32 per
// record, explicit fsync boundary) seen in the pack's RDBMS/schedule WAL
// implementations, generalized to the sequence+timestamp dual invariant
// this spec requires.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/evalgo/veddb/internal/veddberr"
)

// Operation is the logical write captured in a WAL record. Its on-wire
// encoding is opaque bytes here; internal/protocol and internal/hybrid own
// the concrete operation schema, this package only frames/checksums it.
type Operation struct {
	Collection string
	Kind       OpKind
	DocID      [16]byte
	Payload    []byte // encoded document, empty for deletes
}

type OpKind uint8

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

// Entry is one WAL record as read back from disk.
type Entry struct {
	Sequence  uint64
	Timestamp time.Time
	Operation Operation
}

// Encryptor seals/opens a WAL payload under a collection-scoped key. Satisfied
// structurally by *encryption.KeyManager; this package takes the interface
// rather than importing internal/encryption to keep the WAL's framing code
// independent of the key-management implementation.
type Encryptor interface {
	Encrypt(keyID string, plaintext []byte) ([]byte, error)
	Decrypt(keyID string, ciphertext []byte) ([]byte, error)
}

const (
	fileNamePattern = "wal-%05d.wal"
	defaultMaxBytes = 64 * 1024 * 1024
)

var fileNameRe = regexp.MustCompile(`^wal-(\d{5})\.wal$`)

// WAL is an append-only, rotating, checksummed log. Writers serialize
// through a single per-file lock; readers may open independent handles.
type WAL struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64

	file        *os.File
	writer      *bufio.Writer
	suffix      int
	curBytes    int64
	lastSeq     uint64
	lastTS      time.Time

	encryptor Encryptor
}

// SetEncryptor wires enc as the WAL's per-collection payload filter (§4.5):
// every Append after this call seals op.Payload under op.Collection's key
// before framing it to disk. Pass nil to store payloads in plaintext.
func (w *WAL) SetEncryptor(enc Encryptor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.encryptor = enc
}

// Open opens (creating if necessary) the WAL directory, positions the
// writer at the newest file, and recovers lastSeq/lastTS by scanning it so
// appends continue the monotone sequence instead of restarting at 1.
func Open(dir string, maxBytes int64) (*WAL, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "create wal dir", err)
	}
	w := &WAL{dir: dir, maxBytes: maxBytes}

	suffixes, err := listSuffixes(dir)
	if err != nil {
		return nil, err
	}
	if len(suffixes) == 0 {
		if err := w.openFile(0); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := suffixes[len(suffixes)-1]
	if err := w.openFile(last); err != nil {
		return nil, err
	}
	if err := w.recoverTrackers(suffixes); err != nil {
		return nil, err
	}
	return w, nil
}

func listSuffixes(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read wal dir", err)
	}
	var suffixes []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		suffixes = append(suffixes, n)
	}
	sort.Ints(suffixes)
	return suffixes, nil
}

func (w *WAL) openFile(suffix int) error {
	path := filepath.Join(w.dir, fmt.Sprintf(fileNamePattern, suffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "open wal file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "stat wal file", err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.suffix = suffix
	w.curBytes = info.Size()
	return nil
}

// recoverTrackers scans every file to find the true last sequence/timestamp
// across the whole log, so a restart continues the monotone counter rather
// than trusting only the newest file (which might be freshly rotated/empty).
func (w *WAL) recoverTrackers(suffixes []int) error {
	for _, s := range suffixes {
		path := filepath.Join(w.dir, fmt.Sprintf(fileNamePattern, s))
		f, err := os.Open(path)
		if err != nil {
			return veddberr.Wrap(veddberr.KindExternal, "StorageError", "open wal file for recovery", err)
		}
		r := newFrameReader(f)
		for {
			entry, err := r.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				break // truncated tail, stop recovering trackers from here
			}
			w.lastSeq = entry.Sequence
			w.lastTS = entry.Timestamp
		}
		f.Close()
	}
	return nil
}

// Append writes op as the next sequence, fsyncs, and returns the assigned
// entry. Rotation happens before the write if the frame would take a
// non-empty current file past maxBytes, and the new file's first sequence
// is contiguous with the old
// file's last (sequence numbering is global, not per-file).
func (w *WAL) Append(op Operation) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.encryptor != nil && len(op.Payload) > 0 {
		ct, err := w.encryptor.Encrypt(op.Collection, op.Payload)
		if err != nil {
			return Entry{}, veddberr.Wrap(veddberr.KindExternal, "EncryptionError", "seal wal payload", err)
		}
		op.Payload = ct
	}

	frame, seq, ts := w.encodeNext(op)
	if w.curBytes+int64(len(frame)) > w.maxBytes && w.curBytes > 0 {
		if err := w.rotateLocked(); err != nil {
			return Entry{}, err
		}
	}
	n, err := w.writer.Write(frame)
	if err != nil {
		return Entry{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "write wal frame", err)
	}
	if err := w.writer.Flush(); err != nil {
		return Entry{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "flush wal frame", err)
	}
	if err := w.file.Sync(); err != nil {
		return Entry{}, veddberr.Wrap(veddberr.KindDurability, "Corruption", "fsync wal frame", err)
	}
	w.curBytes += int64(n)
	w.lastSeq = seq
	w.lastTS = ts
	return Entry{Sequence: seq, Timestamp: ts, Operation: op}, nil
}

func (w *WAL) encodeNext(op Operation) ([]byte, uint64, time.Time) {
	seq := w.lastSeq + 1
	ts := time.Now().UTC()
	return encodeFrame(seq, ts, op), seq, ts
}

func (w *WAL) rotateLocked() error {
	if err := w.writer.Flush(); err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "flush before rotate", err)
	}
	if err := w.file.Close(); err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "close before rotate", err)
	}
	return w.openFile(w.suffix + 1)
}

// LastSequence returns the sequence of the most recently appended entry
// (0 if the log is empty).
func (w *WAL) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Flush fsyncs any buffered data; Append already fsyncs per record, this
// exists so callers (e.g. shutdown) can force durability without a write.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "flush wal", err)
	}
	return w.file.Sync()
}

// Close flushes and closes the active file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// --- frame encoding ---------------------------------------------------

// encodeFrame builds `length u32 | sequence u64 | timestamp i64-nanos |
// operation-bytes | crc32 u32`, CRC computed over sequence|timestamp|op.
func encodeFrame(seq uint64, ts time.Time, op Operation) []byte {
	opBytes := encodeOperation(op)
	body := make([]byte, 8+8+len(opBytes))
	binary.LittleEndian.PutUint64(body[0:8], seq)
	binary.LittleEndian.PutUint64(body[8:16], uint64(ts.UnixNano()))
	copy(body[16:], opBytes)
	crc := crc32.ChecksumIEEE(body)

	frame := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	copy(frame[4:4+len(body)], body)
	binary.LittleEndian.PutUint32(frame[4+len(body):], crc)
	return frame
}

func encodeOperation(op Operation) []byte {
	nameLen := len(op.Collection)
	out := make([]byte, 1+1+4+nameLen+16+4+len(op.Payload))
	i := 0
	out[i] = byte(op.Kind)
	i++
	out[i] = 0 // reserved
	i++
	binary.LittleEndian.PutUint32(out[i:], uint32(nameLen))
	i += 4
	copy(out[i:], op.Collection)
	i += nameLen
	copy(out[i:], op.DocID[:])
	i += 16
	binary.LittleEndian.PutUint32(out[i:], uint32(len(op.Payload)))
	i += 4
	copy(out[i:], op.Payload)
	return out
}

func decodeOperation(b []byte) (Operation, error) {
	if len(b) < 10 {
		return Operation{}, veddberr.New(veddberr.KindDurability, "Truncated", "operation frame too short")
	}
	kind := OpKind(b[0])
	nameLen := int(binary.LittleEndian.Uint32(b[2:6]))
	i := 6
	if len(b) < i+nameLen+16+4 {
		return Operation{}, veddberr.New(veddberr.KindDurability, "Truncated", "operation frame truncated")
	}
	name := string(b[i : i+nameLen])
	i += nameLen
	var id [16]byte
	copy(id[:], b[i:i+16])
	i += 16
	payLen := int(binary.LittleEndian.Uint32(b[i : i+4]))
	i += 4
	if len(b) < i+payLen {
		return Operation{}, veddberr.New(veddberr.KindDurability, "Truncated", "operation payload truncated")
	}
	payload := append([]byte(nil), b[i:i+payLen]...)
	return Operation{Collection: name, Kind: kind, DocID: id, Payload: payload}, nil
}
