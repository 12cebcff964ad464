package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/veddb/internal/auth"
	"github.com/evalgo/veddb/internal/backup"
	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/hybrid"
	"github.com/evalgo/veddb/internal/metrics"
	"github.com/evalgo/veddb/internal/query"
	"github.com/evalgo/veddb/internal/replication"
	"github.com/evalgo/veddb/internal/schema"
	"github.com/evalgo/veddb/internal/veddberr"
)

// ConnState is where a connection sits in the lifecycle diagram of §4.6.
type ConnState int

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateClosed
)

const (
	readTimeout         = 30 * time.Second
	writeTimeout        = 30 * time.Second
	authTimeout         = 30 * time.Second
	maxAuthAttempts     = 5
	// MaxConnections bounds total in-flight connections per §5's
	// backpressure policy.
	MaxConnections = 10000
)

// Server owns the listener, the connection semaphore, and every
// subsystem a connection's handlers dispatch into.
type Server struct {
	Engine       *hybrid.Engine
	AuthStore    *auth.Store
	Tokens       *auth.TokenService
	Sessions     *auth.SessionManager
	Backups      *backup.Manager
	Master       *replication.Master
	Role         replication.Role
	Metrics      *metrics.Registry
	Logger       *logrus.Logger

	sem chan struct{}
	seq uint64
	mu  sync.Mutex
}

// NewServer builds a Server with its connection-admission semaphore sized
// to MaxConnections.
func NewServer(engine *hybrid.Engine, authStore *auth.Store, tokens *auth.TokenService, sessions *auth.SessionManager, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		Engine: engine, AuthStore: authStore, Tokens: tokens, Sessions: sessions,
		Logger: logger, sem: make(chan struct{}, MaxConnections),
	}
}

// Conn is one accepted, authenticated-or-not client connection.
type Conn struct {
	nc          net.Conn
	server      *Server
	state       ConnState
	session     *auth.Session
	user        *auth.User
	authFailed  int
	id          string
}

// Serve accepts connections on ln until it returns an error (listener
// closed). Each accepted connection gets its own goroutine (a cooperative
// task in spec.md's terms); excess acceptances beyond MaxConnections are
// closed immediately per §5.
func (s *Server) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		select {
		case s.sem <- struct{}{}:
			go s.handle(nc)
		default:
			nc.Close()
		}
	}
}

func (s *Server) handle(nc net.Conn) {
	defer func() { <-s.sem }()
	c := &Conn{nc: nc, server: s, state: StateUnauthenticated, id: nc.RemoteAddr().String()}
	if s.Metrics != nil {
		s.Metrics.ConnectionsOpen.Inc()
		defer s.Metrics.ConnectionsOpen.Dec()
	}
	defer c.close()

	nc.SetReadDeadline(time.Now().Add(authTimeout))
	for {
		nc.SetReadDeadline(time.Now().Add(readTimeout))
		cmd, err := ReadCommand(nc)
		if err != nil {
			return
		}
		resp := c.dispatch(cmd)
		nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := resp.WriteTo(nc); err != nil {
			return
		}
		if c.state == StateClosed {
			return
		}
	}
}

func (c *Conn) close() {
	if c.session != nil {
		c.server.Sessions.Destroy(c.session.ID)
	}
	c.nc.Close()
}

// dispatch implements §4.6's dispatch pipeline: validate, translate legacy
// requests, check auth, call the authorized handler, track metrics.
func (c *Conn) dispatch(cmd *Command) *Response {
	start := time.Now()
	origVersion := cmd.Header.Version
	seq := cmd.Header.Seq

	if cmd.Header.Version != VersionLegacy && cmd.Header.Version != VersionCurrent {
		return c.finish(NewResponse(StatusVersionMismatch, seq, nil), "unknown", start)
	}

	translated, err := TranslateRequest(cmd)
	if err != nil {
		return c.finish(NewResponse(StatusFor(err), seq, nil), "legacy", start)
	}

	if translated.Header.Op != OpAuth && c.state != StateAuthenticated {
		return c.finish(TranslateResponse(origVersion, NewResponse(StatusAuthRequired, seq, nil)), opName(translated.Header.Op), start)
	}

	resp := c.route(translated)
	if c.session != nil && translated.Header.Op != OpAuth {
		c.server.Sessions.Touch(c.session.ID)
	}
	return c.finish(TranslateResponse(origVersion, resp), opName(translated.Header.Op), start)
}

func (c *Conn) finish(resp *Response, op string, start time.Time) *Response {
	if c.server.Metrics != nil {
		c.server.Metrics.ObserveCommand(op, resp.Header.Status.String(), start)
	}
	return resp
}

func opName(op Opcode) string { return fmt.Sprintf("0x%02x", uint8(op)) }

func (c *Conn) route(cmd *Command) *Response {
	switch cmd.Header.Op {
	case OpAuth:
		return c.handleAuth(cmd)
	case OpPing:
		return NewResponse(StatusOk, cmd.Header.Seq, []byte("pong"))
	case OpInsertDoc:
		return c.guarded(cmd, auth.OpWrite, c.handleInsert)
	case OpGetDoc:
		return c.guarded(cmd, auth.OpRead, c.handleGet)
	case OpUpdateDoc:
		return c.guarded(cmd, auth.OpWrite, c.handleUpdate)
	case OpDeleteDoc:
		return c.guarded(cmd, auth.OpDelete, c.handleDelete)
	case OpQuery, OpScan:
		return c.guarded(cmd, auth.OpRead, c.handleQuery)
	case OpCreateCollection:
		return c.guarded(cmd, auth.OpCreateCollection, c.handleCreateCollection)
	case OpDropCollection:
		return c.guarded(cmd, auth.OpDropCollection, c.handleDropCollection)
	case OpCreateBackup:
		return c.guarded(cmd, auth.OpCreateBackup, c.handleCreateBackup)
	case OpListBackups:
		return c.guarded(cmd, auth.OpCreateBackup, c.handleListBackups)
	case OpRestoreBackup:
		return c.guarded(cmd, auth.OpRestoreBackup, c.handleRestoreBackup)
	case OpReplicationStatus:
		return c.guarded(cmd, auth.OpViewReplicationStatus, c.handleReplicationStatus)
	case OpExportCollection:
		return c.guarded(cmd, auth.OpRead, c.handleExportCollection)
	case OpImportCollection:
		return c.guarded(cmd, auth.OpWrite, c.handleImportCollection)
	case OpRotateKey:
		return NewResponse(StatusFor(errRotationGate), cmd.Header.Seq, []byte(errRotationGate.Error()))
	default:
		return NewResponse(StatusInvalidQuery, cmd.Header.Seq, []byte("unknown opcode"))
	}
}

var errRotationGate = veddberr.New(veddberr.KindState, "NotImplemented",
	"key rotation is not fully integrated at the protocol boundary")

type handlerFn func(cmd *Command) *Response

// guarded checks write-gating (NotMaster) for mutating opcodes, then RBAC
// authorization, before calling fn. This is the single place §4.4's
// can_write() gate and §4.7's Authorize are both consulted.
func (c *Conn) guarded(cmd *Command, op auth.Operation, fn handlerFn) *Response {
	if isMutating(op) && c.server.Role == replication.RoleSlave {
		return NewResponse(StatusFor(veddberr.ErrNotMaster), cmd.Header.Seq, []byte("node is not master"))
	}
	if err := auth.Authorize(c.server.AuthStore, c.user, op, resourceFor(op, cmd)); err != nil {
		c.server.AuthStore.Append(&auth.Event{
			EventType: auth.EventAuthorizationFailed, Username: c.user.Username,
			Operation: string(op), Success: false, Error: err.Error(), SessionID: c.session.ID,
		})
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	return fn(cmd)
}

// resourceFor builds the *auth.Resource the ACL overlay (§4.7 step 2)
// evaluates a per-resource allow/deny entry against. Collection-scoped ops
// key off cmd.Key (the collection name every such opcode carries); backup
// and replication ops address a fixed, named database-level resource since
// they aren't scoped to one collection. A nil result means "no per-resource
// overlay for this op" — Authorize falls back to the role check alone.
func resourceFor(op auth.Operation, cmd *Command) *auth.Resource {
	switch op {
	case auth.OpRead, auth.OpWrite, auth.OpDelete,
		auth.OpCreateCollection, auth.OpDropCollection,
		auth.OpCreateIndex, auth.OpDropIndex:
		if len(cmd.Key) == 0 {
			return nil
		}
		return &auth.Resource{Type: auth.ResourceCollection, ID: string(cmd.Key)}
	case auth.OpCreateBackup, auth.OpRestoreBackup:
		return &auth.Resource{Type: auth.ResourceDatabase, ID: "backup"}
	case auth.OpConfigureReplication, auth.OpViewReplicationStatus:
		return &auth.Resource{Type: auth.ResourceDatabase, ID: "replication"}
	default:
		return nil
	}
}

func isMutating(op auth.Operation) bool {
	switch op {
	case auth.OpWrite, auth.OpDelete, auth.OpCreateCollection, auth.OpDropCollection,
		auth.OpCreateIndex, auth.OpDropIndex, auth.OpRestoreBackup, auth.OpConfigureReplication,
		auth.OpRotateKey:
		return true
	default:
		return false
	}
}

// handleAuth implements the Auth opcode: key = username, value = password.
// On success it issues a bearer token (returned as the response payload),
// creates a session, and transitions the connection to Authenticated. On
// failure it counts the attempt and closes the connection after
// maxAuthAttempts, per the connection lifecycle diagram.
func (c *Conn) handleAuth(cmd *Command) *Response {
	username, password := string(cmd.Key), string(cmd.Value)
	u, err := c.server.AuthStore.GetUser(username)
	if err != nil || !u.Enabled || auth.CheckPassword(password, u.PasswordHash) != nil {
		c.authFailed++
		c.server.AuthStore.Append(&auth.Event{EventType: auth.EventAuthFailure, Username: username, Success: false})
		if c.server.Metrics != nil {
			c.server.Metrics.AuthFailures.Inc()
		}
		if c.authFailed >= maxAuthAttempts {
			c.state = StateClosed
		}
		return NewResponse(StatusAuthFailed, cmd.Header.Seq, nil)
	}
	tok, err := c.server.Tokens.Issue(u)
	if err != nil {
		return NewResponse(StatusError, cmd.Header.Seq, []byte(err.Error()))
	}
	c.session = c.server.Sessions.Create(username, c.nc.RemoteAddr().String(), uint8(cmd.Header.Version))
	c.user = u
	c.state = StateAuthenticated
	c.server.AuthStore.Append(&auth.Event{EventType: auth.EventAuthSuccess, Username: username, Success: true, SessionID: c.session.ID})
	return NewResponse(StatusOk, cmd.Header.Seq, []byte(tok))
}

// docWire is the JSON wire shape for a document payload. Field values are
// carried as a generic JSON object; internal/document.Document's native
// binary codec is used internally but a JSON envelope keeps the wire
// payload decodable by thin clients without pulling in the binary codec.
type docWire struct {
	ID     string                 `json:"id,omitempty"`
	Fields map[string]interface{} `json:"fields"`
}

func (c *Conn) handleInsert(cmd *Command) *Response {
	collection := string(cmd.Key)
	doc, err := decodeDocWire(cmd.Value)
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	id, err := c.server.Engine.Insert(connCtx(), collection, doc)
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	return NewResponse(StatusOk, cmd.Header.Seq, []byte(id.String()))
}

func (c *Conn) handleGet(cmd *Command) *Response {
	collection := string(cmd.Key)
	id, err := document.ParseID(string(cmd.Value))
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	doc, err := c.server.Engine.Get(connCtx(), collection, id)
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	payload, err := encodeDocWire(doc)
	if err != nil {
		return NewResponse(StatusError, cmd.Header.Seq, []byte(err.Error()))
	}
	return NewResponse(StatusOk, cmd.Header.Seq, payload)
}

func (c *Conn) handleUpdate(cmd *Command) *Response {
	collection := string(cmd.Key)
	var req struct {
		ID  string  `json:"id"`
		Doc docWire `json:"doc"`
	}
	if err := json.Unmarshal(cmd.Value, &req); err != nil {
		return NewResponse(StatusInvalidQuery, cmd.Header.Seq, []byte(err.Error()))
	}
	id, err := document.ParseID(req.ID)
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	doc := wireToDoc(&req.Doc)
	if err := c.server.Engine.Update(connCtx(), collection, id, doc); err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	return NewResponse(StatusOk, cmd.Header.Seq, nil)
}

func (c *Conn) handleDelete(cmd *Command) *Response {
	collection := string(cmd.Key)
	id, err := document.ParseID(string(cmd.Value))
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	ok, err := c.server.Engine.Delete(connCtx(), collection, id)
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	if !ok {
		return NewResponse(StatusNotFound, cmd.Header.Seq, nil)
	}
	return NewResponse(StatusOk, cmd.Header.Seq, nil)
}

func (c *Conn) handleQuery(cmd *Command) *Response {
	collection := string(cmd.Key)
	var expr query.Expr
	if len(cmd.Value) > 0 {
		parsed, err := query.Parse(string(cmd.Value))
		if err != nil {
			return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
		}
		expr = parsed
	}
	docs, err := c.server.Engine.Find(collection, expr, 0)
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	wires := make([]docWire, len(docs))
	for i, d := range docs {
		wires[i] = *docToWire(d)
	}
	payload, err := json.Marshal(wires)
	if err != nil {
		return NewResponse(StatusError, cmd.Header.Seq, []byte(err.Error()))
	}
	return NewResponse(StatusOk, cmd.Header.Seq, payload)
}

func (c *Conn) handleCreateCollection(cmd *Command) *Response {
	name := string(cmd.Key)
	sch := schema.New()
	if len(cmd.Value) > 0 {
		if err := json.Unmarshal(cmd.Value, sch); err != nil {
			return NewResponse(StatusInvalidQuery, cmd.Header.Seq, []byte(err.Error()))
		}
	}
	if err := c.server.Engine.CreateCollection(name, sch); err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	return NewResponse(StatusOk, cmd.Header.Seq, nil)
}

func (c *Conn) handleDropCollection(cmd *Command) *Response {
	name := string(cmd.Key)
	if err := c.server.Engine.DropCollection(name); err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	return NewResponse(StatusOk, cmd.Header.Seq, nil)
}

func (c *Conn) handleCreateBackup(cmd *Command) *Response {
	if c.server.Backups == nil {
		return NewResponse(StatusError, cmd.Header.Seq, []byte("backup manager not configured"))
	}
	info, err := c.server.Backups.CreateBackup(0, true)
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	if c.server.Metrics != nil {
		c.server.Metrics.BackupsCreated.Inc()
	}
	payload, _ := json.Marshal(info)
	return NewResponse(StatusOk, cmd.Header.Seq, payload)
}

func (c *Conn) handleListBackups(cmd *Command) *Response {
	if c.server.Backups == nil {
		return NewResponse(StatusError, cmd.Header.Seq, []byte("backup manager not configured"))
	}
	list, err := c.server.Backups.ListBackups()
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	payload, _ := json.Marshal(list)
	return NewResponse(StatusOk, cmd.Header.Seq, payload)
}

func (c *Conn) handleRestoreBackup(cmd *Command) *Response {
	if c.server.Backups == nil {
		return NewResponse(StatusError, cmd.Header.Seq, []byte("backup manager not configured"))
	}
	seq, err := c.server.Backups.RestoreBackup(string(cmd.Value))
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	return NewResponse(StatusOk, cmd.Header.Seq, []byte(fmt.Sprintf("%d", seq)))
}

// handleExportCollection streams cmd.Key's collection out as the response
// payload. Flags bit 0 selects binary encoding; cleared (the default)
// selects NDJSON, which is easier to inspect by hand.
func (c *Conn) handleExportCollection(cmd *Command) *Response {
	if c.server.Backups == nil {
		return NewResponse(StatusError, cmd.Header.Seq, []byte("backup manager not configured"))
	}
	collection := string(cmd.Key)
	format := backup.ExportFormatJSON
	if cmd.Header.Flags&0x01 != 0 {
		format = backup.ExportFormatBinary
	}
	var buf bytes.Buffer
	if _, err := c.server.Backups.ExportCollection(collection, &buf, format); err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	return NewResponse(StatusOk, cmd.Header.Seq, buf.Bytes())
}

// handleImportCollection loads cmd.Value (a stream previously produced by
// ExportCollection) into cmd.Key's collection. Flags bit 0 selects replace
// semantics: set means overwrite documents whose id already exists, cleared
// means leave them untouched.
func (c *Conn) handleImportCollection(cmd *Command) *Response {
	if c.server.Backups == nil {
		return NewResponse(StatusError, cmd.Header.Seq, []byte("backup manager not configured"))
	}
	collection := string(cmd.Key)
	replace := cmd.Header.Flags&0x01 != 0
	n, err := c.server.Backups.ImportCollection(collection, bytes.NewReader(cmd.Value), replace)
	if err != nil {
		return NewResponse(StatusFor(err), cmd.Header.Seq, []byte(err.Error()))
	}
	return NewResponse(StatusOk, cmd.Header.Seq, []byte(fmt.Sprintf("%d", n)))
}

func (c *Conn) handleReplicationStatus(cmd *Command) *Response {
	status := struct {
		Role       string `json:"role"`
		SlaveCount int    `json:"slave_count,omitempty"`
	}{Role: c.server.Role.String()}
	if c.server.Master != nil {
		status.SlaveCount = c.server.Master.SlaveCount()
	}
	payload, _ := json.Marshal(status)
	return NewResponse(StatusOk, cmd.Header.Seq, payload)
}
