// Package veddbclient is a minimal Go client for veddbd's binary wire
// protocol, grounded on the teacher's thin HTTP client wrappers (hr/client.go,
// http/client.go: a struct owning one connection/transport, one method per
// remote operation, each building a request and decoding a typed response).
// It exists to exercise internal/protocol end to end from outside the
// package and as a base for integration tooling; it is not the full client
// SDK the desktop inspection UI would use (that UI is an explicit Non-goal).
package veddbclient

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/evalgo/veddb/internal/protocol"
)

// Client owns one authenticated connection to a veddbd server.
type Client struct {
	conn    net.Conn
	seq     uint64
	version protocol.Version
	timeout time.Duration
}

// Dial connects to addr and returns an unauthenticated Client speaking the
// current (v2) protocol version.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("veddbclient: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, version: protocol.VersionCurrent, timeout: timeout}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) nextSeq() uint64 {
	c.seq++
	return c.seq
}

func (c *Client) roundTrip(op protocol.Opcode, key, value []byte) (*protocol.Response, error) {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	cmd := &protocol.Command{
		Header: protocol.CmdHeader{Op: op, Version: c.version, Seq: c.nextSeq()},
		Key:    key, Value: value,
	}
	if _, err := cmd.WriteTo(c.conn); err != nil {
		return nil, fmt.Errorf("veddbclient: write command: %w", err)
	}
	resp, err := protocol.ReadResponse(c.conn)
	if err != nil {
		return nil, fmt.Errorf("veddbclient: read response: %w", err)
	}
	return resp, nil
}

func statusErr(op string, resp *protocol.Response) error {
	if resp.Header.Status == protocol.StatusOk {
		return nil
	}
	return fmt.Errorf("veddbclient: %s: %s: %s", op, resp.Header.Status, string(resp.Payload))
}

// Auth authenticates as username/password, returning the issued bearer
// token. The token is informational here; the connection itself carries
// the authenticated session, matching the wire protocol's per-connection
// (not per-request) auth model.
func (c *Client) Auth(username, password string) (string, error) {
	resp, err := c.roundTrip(protocol.OpAuth, []byte(username), []byte(password))
	if err != nil {
		return "", err
	}
	if err := statusErr("auth", resp); err != nil {
		return "", err
	}
	return string(resp.Payload), nil
}

// Ping round-trips a liveness check.
func (c *Client) Ping() error {
	resp, err := c.roundTrip(protocol.OpPing, nil, nil)
	if err != nil {
		return err
	}
	return statusErr("ping", resp)
}

// Doc is the client-facing document shape: an optional id (empty for
// Insert) plus a flat field map, mirroring internal/protocol's docWire.
type Doc struct {
	ID     string                 `json:"id,omitempty"`
	Fields map[string]interface{} `json:"fields"`
}

// Insert inserts doc into collection, returning the assigned document id.
func (c *Client) Insert(collection string, doc Doc) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	resp, err := c.roundTrip(protocol.OpInsertDoc, []byte(collection), payload)
	if err != nil {
		return "", err
	}
	if err := statusErr("insert", resp); err != nil {
		return "", err
	}
	return string(resp.Payload), nil
}

// Get fetches a document by id from collection.
func (c *Client) Get(collection, id string) (*Doc, error) {
	resp, err := c.roundTrip(protocol.OpGetDoc, []byte(collection), []byte(id))
	if err != nil {
		return nil, err
	}
	if err := statusErr("get", resp); err != nil {
		return nil, err
	}
	var doc Doc
	if err := json.Unmarshal(resp.Payload, &doc); err != nil {
		return nil, fmt.Errorf("veddbclient: decode document: %w", err)
	}
	return &doc, nil
}

// Update replaces the document at id in collection with doc.
func (c *Client) Update(collection, id string, doc Doc) error {
	req := struct {
		ID  string `json:"id"`
		Doc Doc    `json:"doc"`
	}{ID: id, Doc: doc}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(protocol.OpUpdateDoc, []byte(collection), payload)
	if err != nil {
		return err
	}
	return statusErr("update", resp)
}

// Delete removes the document at id from collection.
func (c *Client) Delete(collection, id string) error {
	resp, err := c.roundTrip(protocol.OpDeleteDoc, []byte(collection), []byte(id))
	if err != nil {
		return err
	}
	return statusErr("delete", resp)
}

// Query evaluates a filter expression (empty string matches every
// document) against collection and returns the matching documents.
func (c *Client) Query(collection, expr string) ([]Doc, error) {
	resp, err := c.roundTrip(protocol.OpQuery, []byte(collection), []byte(expr))
	if err != nil {
		return nil, err
	}
	if err := statusErr("query", resp); err != nil {
		return nil, err
	}
	var docs []Doc
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &docs); err != nil {
			return nil, fmt.Errorf("veddbclient: decode query results: %w", err)
		}
	}
	return docs, nil
}

// CreateCollection registers a new collection. schemaJSON may be empty to
// accept the engine's default schema.
func (c *Client) CreateCollection(name string, schemaJSON []byte) error {
	resp, err := c.roundTrip(protocol.OpCreateCollection, []byte(name), schemaJSON)
	if err != nil {
		return err
	}
	return statusErr("create-collection", resp)
}

// DropCollection removes a collection and everything it owns.
func (c *Client) DropCollection(name string) error {
	resp, err := c.roundTrip(protocol.OpDropCollection, []byte(name), nil)
	if err != nil {
		return err
	}
	return statusErr("drop-collection", resp)
}
