package auth

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"

	"github.com/evalgo/veddb/internal/veddberr"
)

// EventType partitions audit events per §4.8's taxonomy.
type EventType string

const (
	EventAuthSuccess         EventType = "AuthSuccess"
	EventAuthFailure         EventType = "AuthFailure"
	EventAuthorizationFailed EventType = "AuthorizationFailure"
	EventUserCreated         EventType = "UserCreated"
	EventUserUpdated         EventType = "UserUpdated"
	EventUserDeleted         EventType = "UserDeleted"
	EventAdminAction         EventType = "AdminAction"
	EventDataAccess          EventType = "DataAccess"
	EventSystem              EventType = "System"
	EventSecurity            EventType = "Security"
)

// Event is one append-only audit record.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	EventType  EventType         `json:"event_type"`
	Username   string            `json:"username,omitempty"`
	ClientIP   string            `json:"client_ip,omitempty"`
	Operation  string            `json:"operation,omitempty"`
	Resource   string            `json:"resource,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
}

// key is "timestamp-nanos:id" per §6's audit_log column family, giving a
// chronologically sortable primary key.
func (e *Event) key() []byte {
	return []byte(fmt.Sprintf("%020d:%s", e.Timestamp.UnixNano(), e.ID))
}

// Append writes ev to the audit log and maintains the username/operation/
// event-type secondary indexes in audit_index.
func (s *Store) Append(ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "marshal audit event", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		log := tx.Bucket(auditBucket)
		idx := tx.Bucket(auditIdx)
		if err := log.Put(ev.key(), data); err != nil {
			return err
		}
		for _, secKey := range secondaryKeys(ev) {
			if err := idx.Put(secKey, ev.key()); err != nil {
				return err
			}
		}
		return nil
	})
}

func secondaryKeys(ev *Event) [][]byte {
	var keys [][]byte
	if ev.Username != "" {
		keys = append(keys, []byte(fmt.Sprintf("username:%s:%s", ev.Username, ev.key())))
	}
	if ev.Operation != "" {
		keys = append(keys, []byte(fmt.Sprintf("operation:%s:%s", ev.Operation, ev.key())))
	}
	keys = append(keys, []byte(fmt.Sprintf("event_type:%s:%s", ev.EventType, ev.key())))
	return keys
}

// Query is a filter over the audit log; zero-value fields are unconstrained.
type Query struct {
	Username  string
	Operation string
	EventType EventType
	Limit     int
}

// QueryAudit scans the audit log in chronological order, filtering in
// memory by the given criteria (the secondary indexes make a future
// prefix-scan optimization possible without changing this signature).
func (s *Store) QueryAudit(q Query) ([]*Event, error) {
	var out []*Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(auditBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if q.Username != "" && ev.Username != q.Username {
				continue
			}
			if q.Operation != "" && ev.Operation != q.Operation {
				continue
			}
			if q.EventType != "" && ev.EventType != q.EventType {
				continue
			}
			out = append(out, &ev)
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "query audit log", err)
	}
	return out, nil
}
