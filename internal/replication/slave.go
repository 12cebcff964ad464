package replication

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/snapshot"
	"github.com/evalgo/veddb/internal/wal"
)

// errMasterShutdown is returned from serve when the master sends
// MasterShutdown, so Run's caller logs it distinctly from a socket error.
var errMasterShutdown = fmtErr("replication: master requested shutdown")

// BackoffConfig configures the slave's reconnect backoff.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff mirrors common retry defaults: start at 200ms, double up
// to a 30s ceiling.
var DefaultBackoff = BackoffConfig{Initial: 200 * time.Millisecond, Max: 30 * time.Second, Factor: 2}

func nextBackoff(cur time.Duration, cfg BackoffConfig) time.Duration {
	next := time.Duration(float64(cur) * cfg.Factor)
	if next > cfg.Max {
		next = cfg.Max
	}
	if next <= 0 {
		next = cfg.Initial
	}
	return next
}

// Slave is the replication slave side: the connect loop with exponential
// backoff, handshake, and the serve loop applying IncrementalSync/FullSync
// messages and tracking replication lag.
type Slave struct {
	masterAddr string
	slaveID    string
	store      *persistent.Store
	backoff    BackoffConfig
	logger     *logrus.Logger
	dial       func(addr string) (net.Conn, error)

	mu           sync.Mutex
	lastSequence uint64
	lag          time.Duration
}

// NewSlave builds a Slave that applies replicated writes into store.
func NewSlave(masterAddr, slaveID string, store *persistent.Store, backoff BackoffConfig, logger *logrus.Logger) *Slave {
	if logger == nil {
		logger = logrus.New()
	}
	return &Slave{
		masterAddr: masterAddr,
		slaveID:    slaveID,
		store:      store,
		backoff:    backoff,
		logger:     logger,
		dial:       func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) },
	}
}

// LastSequence returns the highest sequence durably applied so far.
func (s *Slave) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequence
}

// Lag returns the last observed replication lag (now - entry timestamp at
// last apply).
func (s *Slave) Lag() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lag
}

// Run drives the connect loop until ctx is done: dial, handshake, serve
// until disconnect, then backoff and retry. Backoff resets to Initial on
// every successful handshake.
func (s *Slave) Run(ctx context.Context) {
	cur := s.backoff.Initial
	for ctx.Err() == nil {
		conn, err := s.dial(s.masterAddr)
		if err != nil {
			s.logger.WithError(err).Warn("replication: dial master failed")
			if !sleepCtx(ctx, cur) {
				return
			}
			cur = nextBackoff(cur, s.backoff)
			continue
		}

		if err := writeMessage(conn, MsgSyncRequest, SyncRequest{LastSequence: s.LastSequence(), SlaveID: s.slaveID}); err != nil {
			conn.Close()
			s.logger.WithError(err).Warn("replication: handshake send failed")
			if !sleepCtx(ctx, cur) {
				return
			}
			cur = nextBackoff(cur, s.backoff)
			continue
		}

		cur = s.backoff.Initial // handshake succeeded; reset backoff per the connect-loop contract
		err = s.serve(ctx, conn)
		conn.Close()
		if err != nil && err != errMasterShutdown {
			s.logger.WithError(err).Warn("replication: connection to master lost")
		}

		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, cur) {
			return
		}
		cur = nextBackoff(cur, s.backoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// serve reads one message at a time until the connection errors, the
// master shuts down, or ctx is cancelled, applying FullSync/IncrementalSync
// messages and acking them.
func (s *Slave) serve(ctx context.Context, conn net.Conn) error {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	applier := &persistent.WALApplier{Store: s.store}

	for {
		kind, body, err := readMessage(conn)
		if err != nil {
			return err
		}
		switch kind {
		case MsgFullSync:
			var fs FullSync
			if err := unmarshalInto(body, &fs); err != nil {
				return err
			}
			hdr, sbody, err := snapshot.Read(bytes.NewReader(fs.Body))
			if err != nil {
				writeMessage(conn, MsgAck, Ack{Status: AckFailure})
				return err
			}
			if err := snapshot.Apply(sbody, s.store); err != nil {
				writeMessage(conn, MsgAck, Ack{Status: AckFailure})
				return err
			}
			s.mu.Lock()
			s.lastSequence = hdr.WALSequence
			s.mu.Unlock()
			if err := writeMessage(conn, MsgAck, Ack{Sequence: hdr.WALSequence, Status: AckSuccess}); err != nil {
				return err
			}

		case MsgIncrementalSync:
			var inc IncrementalSync
			if err := unmarshalInto(body, &inc); err != nil {
				return err
			}
			last, applyErr := s.applyIncremental(applier, inc.Entries)
			status := AckSuccess
			if applyErr != nil {
				status = AckFailure
				s.logger.WithError(applyErr).Warn("replication: failed to apply incremental sync")
			}
			if err := writeMessage(conn, MsgAck, Ack{Sequence: last, Status: status}); err != nil {
				return err
			}
			if applyErr != nil {
				return applyErr
			}

		case MsgHeartbeat:
			// Connection health only; nothing to apply.

		case MsgMasterShutdown:
			return errMasterShutdown

		default:
			return fmtErr("replication: unexpected message kind %d", kind)
		}
	}
}

func (s *Slave) applyIncremental(applier *persistent.WALApplier, entries []wal.Entry) (uint64, error) {
	s.mu.Lock()
	last := s.lastSequence
	s.mu.Unlock()

	for _, entry := range entries {
		if entry.Sequence <= last {
			continue // already applied, e.g. a re-sent entry after a Failure ack
		}
		if err := applier.Apply(entry.Operation); err != nil {
			return last, err
		}
		last = entry.Sequence
		s.mu.Lock()
		s.lastSequence = last
		s.lag = time.Since(entry.Timestamp)
		s.mu.Unlock()
	}
	return last, nil
}
