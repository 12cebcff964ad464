// Package backup implements spec.md's L9 backup manager: atomic
// create/rename, FIFO retention, list/verify/restore, and point-in-time
// recovery layered on internal/snapshot and internal/wal. Grounded on the
// teacher's db/bolt/bolt.go file-handle-plus-error-wrapping style,
// generalized from a single bbolt file to a directory of snapshot/metadata
// pairs written with the create-as-.tmp-then-rename discipline the data
// model requires for crash safety.
package backup

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/snapshot"
	"github.com/evalgo/veddb/internal/veddberr"
	"github.com/evalgo/veddb/internal/wal"
)

// MaxBackups bounds FIFO retention: at most this many complete pairs are
// kept, oldest deleted first.
const MaxBackups = 5

const (
	snapshotExt = ".veddb"
	gzExt       = ".veddb.gz"
	metaExt     = ".meta"
	tmpSuffix   = ".tmp"
)

// Info mirrors the BackupInfo the data model names: one completed
// snapshot/metadata pair (or a synthesized stand-in when metadata is
// missing).
type Info struct {
	BackupID    string    `json:"backup_id"`
	CreatedAt   time.Time `json:"created_at"`
	WALSequence uint64    `json:"wal_sequence"`
	FilePath    string    `json:"file_path"`
	SizeBytes   int64     `json:"size_bytes"`
	IncludesWAL bool      `json:"includes_wal"`
	Compressed  bool      `json:"compressed"`
}

// Manager owns a backup directory and the persistent store it snapshots.
type Manager struct {
	dir   string
	store *persistent.Store
}

// New returns a Manager writing into dir, creating it if necessary.
func New(dir string, store *persistent.Store) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "create backup dir", err)
	}
	return &Manager{dir: dir, store: store}, nil
}

func ext(compressed bool) string {
	if compressed {
		return gzExt
	}
	return snapshotExt
}

// CreateBackup snapshots the store at walSequence and atomically publishes
// it: both files are written as .tmp, then renamed — snapshot first, then
// metadata — so a crash before the second rename leaves a snapshot with no
// metadata, never the reverse. Retention runs afterward.
func (m *Manager) CreateBackup(walSequence uint64, compressed bool) (Info, error) {
	backupID := fmt.Sprintf("backup_%s", time.Now().UTC().Format("20060102T150405.000000000Z"))
	finalSnap := filepath.Join(m.dir, backupID+ext(compressed))
	finalMeta := filepath.Join(m.dir, backupID+ext(compressed)+metaExt)
	tmpSnap := finalSnap + tmpSuffix
	tmpMeta := finalMeta + tmpSuffix

	f, err := os.Create(tmpSnap)
	if err != nil {
		return Info{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "create snapshot tmp file", err)
	}
	if err := snapshot.Write(f, m.store, walSequence, compressed); err != nil {
		f.Close()
		os.Remove(tmpSnap)
		return Info{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpSnap)
		return Info{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "close snapshot tmp file", err)
	}

	stat, err := os.Stat(tmpSnap)
	if err != nil {
		return Info{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "stat snapshot tmp file", err)
	}

	info := Info{
		BackupID:    backupID,
		CreatedAt:   time.Now().UTC(),
		WALSequence: walSequence,
		FilePath:    finalSnap,
		SizeBytes:   stat.Size(),
		IncludesWAL: false,
		Compressed:  compressed,
	}
	metaBytes, err := json.Marshal(info)
	if err != nil {
		return Info{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "marshal backup metadata", err)
	}
	if err := os.WriteFile(tmpMeta, metaBytes, 0o644); err != nil {
		return Info{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "write metadata tmp file", err)
	}

	// Snapshot renames first: any crash between the two renames leaves a
	// finalized snapshot with no finalized metadata, never the reverse.
	if err := os.Rename(tmpSnap, finalSnap); err != nil {
		return Info{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "rename snapshot into place", err)
	}
	if err := os.Rename(tmpMeta, finalMeta); err != nil {
		return Info{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "rename metadata into place", err)
	}

	if err := m.enforceRetention(); err != nil {
		return info, err
	}
	return info, nil
}

// ListBackups enumerates completed pairs in the backup directory, oldest
// first. .tmp files are ignored. A snapshot finalized without its metadata
// (crash between the two renames) gets a minimal Info synthesized from
// file-system metadata instead of being skipped.
func (m *Manager) ListBackups() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read backup dir", err)
	}

	var infos []Info
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, tmpSuffix) || strings.HasSuffix(name, metaExt) {
			continue
		}
		if !strings.HasSuffix(name, snapshotExt) && !strings.HasSuffix(name, gzExt) {
			continue
		}
		snapPath := filepath.Join(m.dir, name)
		metaPath := snapPath + metaExt
		metaBytes, err := os.ReadFile(metaPath)
		if err != nil {
			stat, statErr := os.Stat(snapPath)
			if statErr != nil {
				continue
			}
			infos = append(infos, Info{
				BackupID:   strings.TrimSuffix(strings.TrimSuffix(name, gzExt), snapshotExt),
				CreatedAt:  stat.ModTime().UTC(),
				FilePath:   snapPath,
				SizeBytes:  stat.Size(),
				Compressed: strings.HasSuffix(name, gzExt),
			})
			continue
		}
		var info Info
		if err := json.Unmarshal(metaBytes, &info); err != nil {
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// enforceRetention keeps at most MaxBackups complete pairs, deleting the
// oldest first. Orphaned .tmp files are never touched here.
func (m *Manager) enforceRetention() error {
	infos, err := m.ListBackups()
	if err != nil {
		return err
	}
	if len(infos) <= MaxBackups {
		return nil
	}
	toDelete := infos[:len(infos)-MaxBackups]
	for _, info := range toDelete {
		os.Remove(info.FilePath)
		os.Remove(info.FilePath + metaExt)
	}
	return nil
}

// VerifyBackup opens the snapshot at path and checks its magic and
// checksum without applying it.
func VerifyBackup(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "open backup for verify", err)
	}
	defer f.Close()
	_, _, err = snapshot.Read(f)
	return err
}

// RestoreBackup opens the snapshot at path, verifies it, and stream-applies
// it into the manager's store, returning the WAL sequence embedded in the
// snapshot header so callers can continue WAL replay from that point.
func (m *Manager) RestoreBackup(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, veddberr.Wrap(veddberr.KindExternal, "StorageError", "open backup for restore", err)
	}
	defer f.Close()

	hdr, body, err := snapshot.Read(f)
	if err != nil {
		return 0, err
	}
	if err := snapshot.Apply(body, m.store); err != nil {
		return 0, err
	}
	return hdr.WALSequence, nil
}

// PointInTimeRecover restores the snapshot at path, then replays walDir's
// write-ahead log from the snapshot's sequence up to targetTime.
func (m *Manager) PointInTimeRecover(path, walDir string, targetTime time.Time) error {
	seq, err := m.RestoreBackup(path)
	if err != nil {
		return err
	}
	applier := &persistent.WALApplier{Store: m.store}
	_, _, err = wal.Recover(walDir, seq, targetTime, applier)
	return err
}

// ExportFormat selects export_collection's on-wire encoding: spec.md:106
// names the operation but leaves the format opaque to callers, so both a
// human-diffable and a compact form are offered.
type ExportFormat string

const (
	// ExportFormatJSON writes one JSON object per line (NDJSON), each
	// carrying the document's id and its base64-encoded native encoding.
	ExportFormatJSON ExportFormat = "json"
	// ExportFormatBinary writes a flat stream of length-prefixed
	// document.Encode() records, no JSON overhead.
	ExportFormatBinary ExportFormat = "binary"
)

// exportRecord is ExportFormatJSON's NDJSON line shape.
type exportRecord struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// ExportCollection streams every document in name to out in the requested
// format, returning the count written. Documents are read directly off the
// persistent layer (which already applies the store's configured
// decryption), so the export stream itself is always plaintext.
func (m *Manager) ExportCollection(name string, out io.Writer, format ExportFormat) (int, error) {
	w := bufio.NewWriter(out)
	n := 0
	var writeErr error
	err := m.store.Scan(name, func(doc *document.Document) bool {
		if writeErr = writeExportRecord(w, doc, format); writeErr != nil {
			return false
		}
		n++
		return true
	})
	if err != nil {
		return n, err
	}
	if writeErr != nil {
		return n, veddberr.Wrap(veddberr.KindExternal, "StorageError", "write export record", writeErr)
	}
	if err := w.Flush(); err != nil {
		return n, veddberr.Wrap(veddberr.KindExternal, "StorageError", "flush export stream", err)
	}
	return n, nil
}

func writeExportRecord(w *bufio.Writer, doc *document.Document, format ExportFormat) error {
	switch format {
	case ExportFormatBinary:
		encoded := doc.Encode()
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := w.Write(encoded)
		return err
	default:
		rec := exportRecord{ID: doc.ID.String(), Data: base64.StdEncoding.EncodeToString(doc.Encode())}
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		return w.WriteByte('\n')
	}
}

// ImportCollection reads a stream previously produced by ExportCollection
// (format auto-detected from the first byte: '{' means NDJSON, anything
// else means the binary length-prefixed stream) and inserts every document
// into name, returning the count imported. When replace is false, documents
// whose id already exists in the collection are left untouched; when true,
// they are overwritten.
func (m *Manager) ImportCollection(name string, in io.Reader, replace bool) (int, error) {
	br := bufio.NewReader(in)
	first, err := br.Peek(1)
	if err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, veddberr.Wrap(veddberr.KindExternal, "StorageError", "peek import stream", err)
	}
	if first[0] == '{' {
		return m.importJSON(name, br, replace)
	}
	return m.importBinary(name, br, replace)
}

func (m *Manager) importJSON(name string, br *bufio.Reader, replace bool) (int, error) {
	n := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = []byte(strings.TrimRight(string(line), "\n\r"))
			var rec exportRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return n, veddberr.Wrap(veddberr.KindInput, "ValidationError", "malformed export record", err)
			}
			raw, err := base64.StdEncoding.DecodeString(rec.Data)
			if err != nil {
				return n, veddberr.Wrap(veddberr.KindInput, "ValidationError", "malformed export record data", err)
			}
			doc, err := document.Decode(raw)
			if err != nil {
				return n, err
			}
			imported, err := m.importOne(name, doc, replace)
			if err != nil {
				return n, err
			}
			if imported {
				n++
			}
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read import stream", err)
		}
	}
}

func (m *Manager) importBinary(name string, br *bufio.Reader, replace bool) (int, error) {
	n := 0
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, veddberr.Wrap(veddberr.KindDurability, "Truncated", "import stream truncated", err)
		}
		size := binary.LittleEndian.Uint32(lenBuf[:])
		raw := make([]byte, size)
		if _, err := io.ReadFull(br, raw); err != nil {
			return n, veddberr.Wrap(veddberr.KindDurability, "Truncated", "import record truncated", err)
		}
		doc, err := document.Decode(raw)
		if err != nil {
			return n, err
		}
		imported, err := m.importOne(name, doc, replace)
		if err != nil {
			return n, err
		}
		if imported {
			n++
		}
	}
}

func (m *Manager) importOne(name string, doc *document.Document, replace bool) (bool, error) {
	if !replace {
		if _, err := m.store.Get(name, doc.ID); err == nil {
			return false, nil
		}
	}
	if err := m.store.Insert(name, doc); err != nil {
		return false, err
	}
	return true, nil
}
