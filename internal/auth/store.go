package auth

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/evalgo/veddb/internal/veddberr"
)

var (
	usersBucket = []byte("users")
	aclBucket   = []byte("acl")
	auditBucket = []byte("audit_log")
	auditIdx    = []byte("audit_index")
)

// Store is the bbolt-backed persistence for users, the ACL overlay, and the
// audit log, grounded on the teacher's db/bolt/bolt.go bucket wrapper and on
// spec.md §6's audit_log/audit_index column-family naming.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) the auth database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "open auth store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{usersBucket, aclBucket, auditBucket, auditIdx} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "initialize auth column families", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateUser persists a new user, rejecting a duplicate username.
func (s *Store) CreateUser(u *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get([]byte(u.Username)) != nil {
			return veddberr.New(veddberr.KindState, "UserExists", "username already exists")
		}
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return b.Put([]byte(u.Username), data)
	})
}

// UpdateUser overwrites an existing user record.
func (s *Store) UpdateUser(u *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get([]byte(u.Username)) == nil {
			return veddberr.New(veddberr.KindState, "NotFound", "user does not exist")
		}
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return b.Put([]byte(u.Username), data)
	})
}

// GetUser looks up a user by username.
func (s *Store) GetUser(username string) (*User, error) {
	var u User
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(usersBucket).Get([]byte(username))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read user", err)
	}
	if !found {
		return nil, veddberr.New(veddberr.KindState, "NotFound", "user does not exist")
	}
	return &u, nil
}

// DeleteUser removes a user record.
func (s *Store) DeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Delete([]byte(username))
	})
}

// ListUsers returns every persisted user.
func (s *Store) ListUsers() ([]*User, error) {
	var out []*User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			out = append(out, &u)
			return nil
		})
	})
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "list users", err)
	}
	return out, nil
}

// ResourceType is a typed discriminator for ACL resources, per §4.7.
type ResourceType string

const (
	ResourceCollection ResourceType = "collection"
	ResourceIndex      ResourceType = "index"
	ResourceUser       ResourceType = "user"
	ResourceDatabase   ResourceType = "database"
	ResourceChannel    ResourceType = "channel"
)

// Resource is a typed (type, id) pair.
type Resource struct {
	Type ResourceType
	ID   string
}

func (r Resource) key() string { return string(r.Type) + ":" + r.ID }

// ACLEntry is one per-principal allow/deny rule attached to a resource.
type ACLEntry struct {
	Principal   string // username or role name
	Permissions []Operation
	Deny        bool
}

// aclRecord is the on-disk shape: every entry attached to one resource.
type aclRecord struct {
	Entries []ACLEntry `json:"entries"`
}

// PutACL replaces the full entry list for a resource.
func (s *Store) PutACL(res Resource, entries []ACLEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(aclRecord{Entries: entries})
		if err != nil {
			return err
		}
		return tx.Bucket(aclBucket).Put([]byte(res.key()), data)
	})
}

// GetACL returns the entries attached to a resource, if any.
func (s *Store) GetACL(res Resource) ([]ACLEntry, error) {
	var rec aclRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(aclBucket).Get([]byte(res.key()))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read acl", err)
	}
	return rec.Entries, nil
}
