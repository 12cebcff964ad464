// Package persistent implements spec.md's L5 persistent layer: the durable,
// authoritative document store behind the cache. Grounded on the teacher's
// db/bolt/bolt.go bucket-oriented wrapper (CreateBucket/Put/Get/Delete/
// ForEach over go.etcd.io/bbolt), generalized from a single flat bucket per
// call site into the three column families spec.md's data model names:
// documents, metadata, and indexes.
package persistent

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/encryption"
	"github.com/evalgo/veddb/internal/index"
	"github.com/evalgo/veddb/internal/schema"
	"github.com/evalgo/veddb/internal/veddberr"
	"github.com/evalgo/veddb/internal/wal"
)

var (
	documentsBucket = []byte("documents")
	metadataBucket  = []byte("metadata")
	indexesBucket   = []byte("indexes")
)

// Store wraps a bbolt database as the LSM-style persistent layer. Index
// state is not itself persisted byte-for-byte (§4.data-model calls for
// "serialized B-tree state", but a compact in-memory rebuild on Open is
// simpler and equally correct since indexes are a pure function of the
// documents column family) — Open rebuilds every collection's in-memory
// B-tree indexes by scanning its documents, per DESIGN.md's open-question
// decision.
type Store struct {
	db *bolt.DB

	mu        sync.RWMutex
	schemas   map[string]*schema.Schema
	indexes   map[string]map[string]*index.Index // collection -> index name -> tree
	encryptor *encryption.KeyManager
}

// sealLocked encrypts raw document bytes for collection if an encryptor is
// configured. Must be called with s.mu held.
func (s *Store) sealLocked(collection string, raw []byte) ([]byte, error) {
	if s.encryptor == nil {
		return raw, nil
	}
	if _, err := s.encryptor.EnsureKey(collection); err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "EncryptionError", "provision collection key", err)
	}
	ct, err := s.encryptor.Encrypt(collection, raw)
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "EncryptionError", "encrypt document", err)
	}
	return ct, nil
}

// openLocked decrypts raw document bytes for collection if an encryptor is
// configured. Must be called with s.mu held (read or write).
func (s *Store) openLocked(collection string, raw []byte) ([]byte, error) {
	if s.encryptor == nil {
		return raw, nil
	}
	pt, err := s.encryptor.Decrypt(collection, raw)
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "EncryptionError", "decrypt document", err)
	}
	return pt, nil
}

// Open opens (creating if necessary) the bbolt file at path and rebuilds
// in-memory index state from its contents. enc wires L11's per-collection
// encryption filter (§4.5): when non-nil, every document Insert/Get/Delete/
// Scan/index-rebuild seals or opens its on-disk bytes under the collection's
// key (created on first use), keyed by collection name. Pass nil to store
// documents in plaintext. enc must match whatever wrote the file on a prior
// Open — Get/Scan fail with a decrypt error otherwise.
func Open(path string, enc *encryption.KeyManager) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "open persistent store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{documentsBucket, metadataBucket, indexesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "initialize column families", err)
	}

	s := &Store{
		db: db, schemas: make(map[string]*schema.Schema),
		indexes: make(map[string]map[string]*index.Index), encryptor: enc,
	}
	if err := s.loadSchemas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.rebuildIndexes(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func docKey(collection string, id document.ID) []byte {
	return []byte(fmt.Sprintf("%s:%s", collection, id.String()))
}

func (s *Store) loadSchemas() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		return b.ForEach(func(k, v []byte) error {
			if hasPrefix(k, []byte("__meta__:")) {
				return nil
			}
			sch, err := schema.Decode(v)
			if err != nil {
				return err
			}
			s.schemas[string(k)] = sch
			return nil
		})
	})
}

func (s *Store) rebuildIndexes() error {
	for collection, sch := range s.schemas {
		ixs := make(map[string]*index.Index)
		for _, def := range sch.Indexes {
			ixs[def.Name] = index.New(def.Name, def.Unique, def.Sparse)
		}
		s.indexes[collection] = ixs
	}
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		return b.ForEach(func(k, v []byte) error {
			collection, _, ok := splitDocKey(string(k))
			if !ok {
				return nil
			}
			ixs, ok := s.indexes[collection]
			if !ok || len(ixs) == 0 {
				return nil
			}
			plain, err := s.openLocked(collection, v)
			if err != nil {
				return err
			}
			doc, err := document.Decode(plain)
			if err != nil {
				return err
			}
			sch := s.schemas[collection]
			return indexDocument(ixs, sch, doc)
		})
	})
}

func splitDocKey(key string) (collection, idHex string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func indexDocument(ixs map[string]*index.Index, sch *schema.Schema, doc *document.Document) error {
	if sch == nil {
		return nil
	}
	for _, def := range sch.Indexes {
		ix, ok := ixs[def.Name]
		if !ok {
			continue
		}
		vals := fieldValues(doc, def.Fields)
		if err := ix.Insert(vals, doc.ID); err != nil {
			return err
		}
	}
	return nil
}

func deindexDocument(ixs map[string]*index.Index, sch *schema.Schema, doc *document.Document) {
	if sch == nil {
		return
	}
	for _, def := range sch.Indexes {
		ix, ok := ixs[def.Name]
		if !ok {
			continue
		}
		ix.Delete(fieldValues(doc, def.Fields), doc.ID)
	}
}

func fieldValues(doc *document.Document, fields []string) []document.Value {
	vals := make([]document.Value, len(fields))
	for i, f := range fields {
		if v, ok := doc.GetPath(f); ok {
			vals[i] = v
		} else {
			vals[i] = document.Null()
		}
	}
	return vals
}

// CreateCollection registers a new collection with sch, persisting the
// schema to the metadata column family and initializing its in-memory
// indexes. Returns ErrCollectionExists if the name is already taken.
func (s *Store) CreateCollection(name string, sch *schema.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schemas[name]; exists {
		return veddberr.ErrCollectionExists
	}
	raw, err := schema.Encode(sch)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(name), raw)
	})
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "persist collection schema", err)
	}
	s.schemas[name] = sch
	ixs := make(map[string]*index.Index)
	for _, def := range sch.Indexes {
		ixs[def.Name] = index.New(def.Name, def.Unique, def.Sparse)
	}
	s.indexes[name] = ixs
	return nil
}

// DropCollection removes the collection's schema, every document keyed
// under it, and its in-memory indexes, atomically within one bbolt
// transaction.
func (s *Store) DropCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schemas[name]; !exists {
		return veddberr.ErrCollectionNotFound
	}
	prefix := []byte(name + ":")
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(metadataBucket).Delete([]byte(name)); err != nil {
			return err
		}
		docs := tx.Bucket(documentsBucket)
		c := docs.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := docs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "drop collection", err)
	}
	delete(s.schemas, name)
	delete(s.indexes, name)
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Collections returns the names of every registered collection.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		out = append(out, name)
	}
	return out
}

// HasCollection reports whether name is a registered collection.
func (s *Store) HasCollection(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schemas[name]
	return ok
}

// Schema returns the schema registered for a collection.
func (s *Store) Schema(name string) (*schema.Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schemas[name]
	return sch, ok
}

// Insert persists doc under collection (inserting or overwriting an
// existing id, i.e. upsert), enforcing unique-index constraints and
// updating every index the collection's schema declares. When doc.ID
// already exists, its old field values are removed from every index before
// the new values are indexed, so updates that change an indexed field never
// leave a stale entry behind.
func (s *Store) Insert(collection string, doc *document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schemas[collection]
	if !ok {
		return veddberr.ErrCollectionNotFound
	}
	ixs := s.indexes[collection]
	for _, def := range sch.Indexes {
		ix := ixs[def.Name]
		vals := fieldValues(doc, def.Fields)
		if ix.Unique {
			if existing := ix.Get(vals); len(existing) > 0 && (len(existing) > 1 || existing[0] != doc.ID) {
				return veddberr.ErrUniqueViolation
			}
		}
	}

	prior, err := s.getLocked(collection, doc.ID)
	if err != nil && veddberr.CodeOf(err) != "NotFound" {
		return err
	}

	encoded, err := s.sealLocked(collection, doc.Encode())
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put(docKey(collection, doc.ID), encoded)
	})
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "persist document", err)
	}
	if prior != nil {
		deindexDocument(ixs, sch, prior)
	}
	return indexDocument(ixs, sch, doc)
}

// Get fetches a document by id from collection.
func (s *Store) Get(collection string, id document.ID) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.schemas[collection]; !ok {
		return nil, veddberr.ErrCollectionNotFound
	}
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get(docKey(collection, id))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read document", err)
	}
	if raw == nil {
		return nil, veddberr.ErrDocNotFound
	}
	plain, err := s.openLocked(collection, raw)
	if err != nil {
		return nil, err
	}
	return document.Decode(plain)
}

// Delete removes a document by id from collection and its indexes.
func (s *Store) Delete(collection string, id document.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schemas[collection]
	if !ok {
		return veddberr.ErrCollectionNotFound
	}
	existing, err := s.getLocked(collection, id)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Delete(docKey(collection, id))
	})
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "delete document", err)
	}
	deindexDocument(s.indexes[collection], sch, existing)
	return nil
}

func (s *Store) getLocked(collection string, id document.ID) (*document.Document, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get(docKey(collection, id))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read document", err)
	}
	if raw == nil {
		return nil, veddberr.ErrDocNotFound
	}
	plain, err := s.openLocked(collection, raw)
	if err != nil {
		return nil, err
	}
	return document.Decode(plain)
}

// ScanFunc is called once per document during a collection scan; returning
// false stops the scan early.
type ScanFunc func(doc *document.Document) bool

// Scan iterates every document in collection in key order (i.e. id order).
func (s *Store) Scan(collection string, fn ScanFunc) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.schemas[collection]; !ok {
		return veddberr.ErrCollectionNotFound
	}
	prefix := []byte(collection + ":")
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(documentsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			plain, err := s.openLocked(collection, v)
			if err != nil {
				return err
			}
			doc, err := document.Decode(plain)
			if err != nil {
				return err
			}
			if !fn(doc) {
				break
			}
		}
		return nil
	})
}

// Index returns the named in-memory index for collection, for query
// execution and range scans.
func (s *Store) Index(collection, name string) (*index.Index, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ixs, ok := s.indexes[collection]
	if !ok {
		return nil, false
	}
	ix, ok := ixs[name]
	return ix, ok
}

// PutMetadata stores an arbitrary key in the metadata column family, under
// a "__meta__:" prefix that keeps it apart from collection schemas, for
// components that need a durable scalar outside the document/index model.
func (s *Store) PutMetadata(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte("__meta__:"+key), value)
	})
}

// GetMetadata reads a key stored by PutMetadata.
func (s *Store) GetMetadata(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metadataBucket).Get([]byte("__meta__:" + key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read metadata", err)
	}
	return out, out != nil, nil
}

// WALApplier adapts a Store to wal.Applier, so wal.Recover (PITR) and the
// backup manager's restore path can replay log operations directly into the
// persistent layer.
type WALApplier struct {
	Store *Store
}

// Apply routes a recovered WAL operation to Insert or Delete. op.Payload
// arrives as the WAL wrote it: if the store's encryptor is set, that is
// ciphertext under the operation's collection key and must be opened before
// document.Decode, since Insert itself re-seals the plaintext it's given.
func (a *WALApplier) Apply(op wal.Operation) error {
	switch op.Kind {
	case wal.OpInsert, wal.OpUpdate:
		raw := op.Payload
		if a.Store.encryptor != nil {
			plain, err := a.Store.encryptor.Decrypt(op.Collection, raw)
			if err != nil {
				return veddberr.Wrap(veddberr.KindExternal, "EncryptionError", "decrypt recovered wal payload", err)
			}
			raw = plain
		}
		doc, err := document.Decode(raw)
		if err != nil {
			return err
		}
		return a.Store.Insert(op.Collection, doc)
	case wal.OpDelete:
		return a.Store.Delete(op.Collection, document.ID(op.DocID))
	default:
		return veddberr.New(veddberr.KindDurability, "Corruption", "unknown wal operation kind")
	}
}
