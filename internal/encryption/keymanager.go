// Package encryption implements spec.md's L11 encryption engine: per-collection
// AES-256-GCM document/WAL/snapshot encryption and the persisted key-rotation
// state machine that gates engine startup. Grounded on the teacher's
// security.EncryptFile/DecryptFile AES-GCM-with-prepended-nonce convention
// (security/enc_dec_env.go), generalized from whole-file encryption to a
// keyed-by-collection-id, in-memory-key-record model, and on auth/storage.go's
// atomic JSON-file persistence idiom for the key store and rotation state.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/evalgo/veddb/internal/veddberr"
)

const keySize = 32 // AES-256

// KeyRecord is one managed encryption key.
type KeyRecord struct {
	ID          string    `json:"id"`
	Bytes       []byte    `json:"bytes"`
	CreatedAt   time.Time `json:"created_at"`
	LastRotated time.Time `json:"last_rotated"`
	Active      bool      `json:"active"`
	Version     int       `json:"version"`
}

// keyStoreFile is the on-disk shape of <data>/encryption/keys.json: a JSON
// map of key records plus a master-key verification hash (SHA-256 over the
// derived KEK and a fixed salt), per §6's on-disk layout.
type keyStoreFile struct {
	Keys             map[string]*KeyRecord `json:"keys"`
	MasterKeyVerify  string                `json:"master_key_verify"`
}

const verifySalt = "veddb-master-key-verify-v1"

// KeyManager owns the per-collection key store and the persisted rotation
// state. keys.json holds each key record with its key bytes unsealed
// (base64 in the JSON), so a copy of the file discloses the collection
// keys; the master-key-derived KEK only seals ExportKey blobs and derives
// the master-key verification hash.
type KeyManager struct {
	mu   sync.RWMutex
	dir  string
	kek  [32]byte
	keys map[string]*KeyRecord

	state     RotationState
	statePath string
	keysPath  string
}

func kek(masterKey string) [32]byte {
	return sha256.Sum256([]byte(masterKey))
}

// NewKeyManager opens (or initializes) the key store and rotation state
// under dir, deriving the KEK from masterKey. It does NOT enforce the
// startup gate (§4.5) — callers call CheckStartupGate explicitly so the
// caller controls how the fatal error is surfaced.
func NewKeyManager(dir, masterKey string) (*KeyManager, error) {
	if len(masterKey) < 16 {
		return nil, veddberr.New(veddberr.KindInput, "WeakMasterKey", "encryption.master_key must be at least 16 characters")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "create encryption dir", err)
	}
	km := &KeyManager{
		dir:       dir,
		kek:       kek(masterKey),
		keys:      map[string]*KeyRecord{},
		keysPath:  filepath.Join(dir, "keys.json"),
		statePath: filepath.Join(dir, "rotation_state.json"),
		state:     RotationState{Phase: PhaseIdle},
	}
	if err := km.loadKeys(masterKey); err != nil {
		return nil, err
	}
	if err := km.loadState(); err != nil {
		return nil, err
	}
	return km, nil
}

func (km *KeyManager) loadKeys(masterKey string) error {
	verify := verifyHash(km.kek)
	data, err := os.ReadFile(km.keysPath)
	if os.IsNotExist(err) {
		return km.persistKeysLocked(verify)
	}
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "read key store", err)
	}
	var f keyStoreFile
	if err := json.Unmarshal(data, &f); err != nil {
		return veddberr.Wrap(veddberr.KindDurability, "Corruption", "key store is not valid JSON", err)
	}
	if subtle.ConstantTimeCompare([]byte(f.MasterKeyVerify), []byte(verify)) != 1 {
		return veddberr.New(veddberr.KindAuth, "WrongMasterKey", "master key does not match key store")
	}
	km.keys = f.Keys
	if km.keys == nil {
		km.keys = map[string]*KeyRecord{}
	}
	return nil
}

func verifyHash(kek [32]byte) string {
	h := sha256.Sum256(append(kek[:], []byte(verifySalt)...))
	return hex.EncodeToString(h[:])
}

func (km *KeyManager) persistKeysLocked(verify string) error {
	f := keyStoreFile{Keys: km.keys, MasterKeyVerify: verify}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "marshal key store", err)
	}
	return atomicWrite(km.keysPath, data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "write "+path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "publish "+path, err)
	}
	return nil
}

// CreateKey generates a fresh random key for the given collection/purpose id.
func (km *KeyManager) CreateKey(id string) (*KeyRecord, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if _, exists := km.keys[id]; exists {
		return nil, veddberr.New(veddberr.KindState, "KeyExists", fmt.Sprintf("key %q already exists", id))
	}
	b := make([]byte, keySize)
	if _, err := rand.Read(b); err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "generate key", err)
	}
	rec := &KeyRecord{ID: id, Bytes: b, CreatedAt: time.Now().UTC(), Active: true, Version: 1}
	km.keys[id] = rec
	if err := km.persistKeysLocked(verifyHash(km.kek)); err != nil {
		delete(km.keys, id)
		return nil, err
	}
	return rec, nil
}

// Key returns the active key record for id.
func (km *KeyManager) Key(id string) (*KeyRecord, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	rec, ok := km.keys[id]
	return rec, ok
}

// EnsureKey returns the existing key record for id, generating and
// persisting a fresh one if none exists yet. Callers that encrypt a
// collection on first use (persistent.Store.CreateCollection) call this
// instead of CreateKey so reopening an existing collection never errors.
func (km *KeyManager) EnsureKey(id string) (*KeyRecord, error) {
	if rec, ok := km.Key(id); ok {
		return rec, nil
	}
	return km.CreateKey(id)
}

// ExportKey returns hex(AEAD(master_key, serialized_key_record)) per §4.5.
func (km *KeyManager) ExportKey(id string) (string, error) {
	km.mu.RLock()
	rec, ok := km.keys[id]
	km.mu.RUnlock()
	if !ok {
		return "", veddberr.New(veddberr.KindState, "NotFound", fmt.Sprintf("key %q not found", id))
	}
	plain, err := json.Marshal(rec)
	if err != nil {
		return "", veddberr.Wrap(veddberr.KindExternal, "StorageError", "marshal key record", err)
	}
	sealed, err := seal(km.kek, plain)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sealed), nil
}

// ImportKey decodes an exported record and installs it, refusing duplicate
// ids per §4.5.
func (km *KeyManager) ImportKey(hexBlob string) (*KeyRecord, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	sealed, err := hex.DecodeString(hexBlob)
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindInput, "ValidationError", "malformed export blob", err)
	}
	plain, err := open(km.kek, sealed)
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindAuth, "WrongMasterKey", "cannot decrypt import under this master key", err)
	}
	var rec KeyRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, veddberr.Wrap(veddberr.KindDurability, "Corruption", "imported key record is not valid JSON", err)
	}
	if _, exists := km.keys[rec.ID]; exists {
		return nil, veddberr.New(veddberr.KindState, "KeyExists", fmt.Sprintf("key %q already exists", rec.ID))
	}
	km.keys[rec.ID] = &rec
	if err := km.persistKeysLocked(verifyHash(km.kek)); err != nil {
		delete(km.keys, rec.ID)
		return nil, err
	}
	return &rec, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "build AES cipher", err)
	}
	return cipher.NewGCM(block)
}

func seal(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "generate nonce", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key [32]byte, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key[:])
	if err != nil {
		return nil, err
	}
	n := aead.NonceSize()
	if len(ciphertext) < n {
		return nil, veddberr.New(veddberr.KindDurability, "Corruption", "ciphertext too short")
	}
	nonce, ct := ciphertext[:n], ciphertext[n:]
	return aead.Open(nil, nonce, ct, nil)
}

// Encrypt seals plaintext under the named key's own bytes (not the KEK):
// per-collection document/WAL/snapshot payloads are sealed with the
// collection's key directly, so a copy of the key store is required to
// decrypt them even with the KEK. The key is provisioned on first use, so
// the first write to a collection never has to create it out of band.
func (km *KeyManager) Encrypt(keyID string, plaintext []byte) ([]byte, error) {
	rec, err := km.EnsureKey(keyID)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], rec.Bytes)
	return seal(key, plaintext)
}

// Decrypt is Encrypt's inverse.
func (km *KeyManager) Decrypt(keyID string, ciphertext []byte) ([]byte, error) {
	km.mu.RLock()
	rec, ok := km.keys[keyID]
	km.mu.RUnlock()
	if !ok {
		return nil, veddberr.New(veddberr.KindState, "NotFound", fmt.Sprintf("key %q not found", keyID))
	}
	var key [32]byte
	copy(key[:], rec.Bytes)
	return open(key, ciphertext)
}
