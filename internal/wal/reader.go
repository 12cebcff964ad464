package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/evalgo/veddb/internal/veddberr"
)

// frameReader reads consecutive frames from a single file handle.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(f *os.File) *frameReader {
	return &frameReader{r: bufio.NewReader(f)}
}

// next reads one frame. On CRC mismatch it returns veddberr Truncated (the
// partial tail is treated as unwritten, not as an error to propagate past
// this file). On a short read exactly at EOF it returns io.EOF.
func (fr *frameReader) next() (Entry, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(fr.r, lenBuf); err != nil {
		if err == io.EOF {
			return Entry{}, io.EOF
		}
		return Entry{}, veddberr.New(veddberr.KindDurability, "Truncated", "short read of frame length")
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf)
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return Entry{}, veddberr.New(veddberr.KindDurability, "Truncated", "short read of frame body")
	}
	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(fr.r, crcBuf); err != nil {
		return Entry{}, veddberr.New(veddberr.KindDurability, "Truncated", "short read of frame crc")
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf)
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return Entry{}, veddberr.New(veddberr.KindDurability, "Truncated", "crc mismatch")
	}
	if len(body) < 16 {
		return Entry{}, veddberr.New(veddberr.KindDurability, "Truncated", "frame body too short")
	}
	seq := binary.LittleEndian.Uint64(body[0:8])
	tsNanos := int64(binary.LittleEndian.Uint64(body[8:16]))
	op, err := decodeOperation(body[16:])
	if err != nil {
		return Entry{}, err
	}
	return Entry{Sequence: seq, Timestamp: unixNano(tsNanos), Operation: op}, nil
}

// Reader yields entries across a WAL directory's files, in file order, then
// record order, enforcing strict sequence monotonicity and stopping (not
// erroring past the boundary) the first time it detects a non-increasing
// sequence — per the reader contract in §4.2.
type Reader struct {
	dir     string
	files   []string
	fi      int
	cur     *frameReader
	curFile *os.File
	lastSeq uint64
	started bool
}

// NewReader opens a reader over every wal-NNNNN.wal file in dir, sorted by
// numeric suffix.
func NewReader(dir string) (*Reader, error) {
	suffixes, err := listSuffixes(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(suffixes))
	for i, s := range suffixes {
		files[i] = filepath.Join(dir, fileName(s))
	}
	return &Reader{dir: dir, files: files}, nil
}

func fileName(suffix int) string {
	return sprintfWalName(suffix)
}

// Next returns the next entry, io.EOF when the log is exhausted, or a
// veddberr (Truncated/Corruption) when the reader contract is violated.
func (r *Reader) Next() (Entry, error) {
	for {
		if r.cur == nil {
			if r.fi >= len(r.files) {
				return Entry{}, io.EOF
			}
			f, err := os.Open(r.files[r.fi])
			if err != nil {
				return Entry{}, veddberr.Wrap(veddberr.KindExternal, "StorageError", "open wal file", err)
			}
			r.curFile = f
			r.cur = newFrameReader(f)
		}
		entry, err := r.cur.next()
		if err == io.EOF {
			r.curFile.Close()
			r.cur = nil
			r.fi++
			continue
		}
		if err != nil {
			return Entry{}, err // Truncated: stop, partial tail unwritten
		}
		if r.started && entry.Sequence <= r.lastSeq {
			return Entry{}, veddberr.New(veddberr.KindDurability, "Corruption",
				"wal sequence did not strictly increase")
		}
		r.started = true
		r.lastSeq = entry.Sequence
		return entry, nil
	}
}

// Close releases the currently open file handle, if any.
func (r *Reader) Close() error {
	if r.curFile != nil {
		return r.curFile.Close()
	}
	return nil
}
