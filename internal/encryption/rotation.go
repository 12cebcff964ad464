package encryption

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/evalgo/veddb/internal/veddberr"
)

// Phase is one state of the rotation state machine described in §4.5.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReEncrypting
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseReEncrypting:
		return "ReEncrypting"
	case PhaseCompleted:
		return "Completed"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RotationState is the single persisted rotation record.
type RotationState struct {
	Phase     Phase     `json:"phase"`
	KeyID     string    `json:"key_id,omitempty"`
	Processed int64     `json:"processed,omitempty"`
	Total     int64     `json:"total,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`

	CompletedAt        time.Time `json:"completed_at,omitempty"`
	DocumentsProcessed int64     `json:"documents_processed,omitempty"`

	Reason   string    `json:"reason,omitempty"`
	FailedAt time.Time `json:"failed_at,omitempty"`
}

func (km *KeyManager) loadState() error {
	data, err := os.ReadFile(km.statePath)
	if os.IsNotExist(err) {
		km.state = RotationState{Phase: PhaseIdle}
		return km.persistStateLocked()
	}
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "read rotation state", err)
	}
	var s RotationState
	if err := json.Unmarshal(data, &s); err != nil {
		return veddberr.Wrap(veddberr.KindDurability, "Corruption", "rotation state is not valid JSON", err)
	}
	km.state = s
	return nil
}

func (km *KeyManager) persistStateLocked() error {
	data, err := json.MarshalIndent(km.state, "", "  ")
	if err != nil {
		return veddberr.Wrap(veddberr.KindExternal, "StorageError", "marshal rotation state", err)
	}
	return atomicWrite(km.statePath, data)
}

// State returns the current rotation state.
func (km *KeyManager) State() RotationState {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.state
}

// CheckStartupGate implements §4.5's fail-closed startup enforcement: Idle
// and Completed allow the caller to proceed; ReEncrypting and Failed return
// a fatal, descriptive error the caller must refuse to start on.
func (km *KeyManager) CheckStartupGate() error {
	s := km.State()
	switch s.Phase {
	case PhaseIdle, PhaseCompleted:
		return nil
	case PhaseReEncrypting:
		return veddberr.New(veddberr.KindDurability, "IncompleteRotation", fmt.Sprintf(
			"key rotation for %q is incomplete (%d/%d documents re-encrypted, started %s): "+
				"resume it with the re-encryption iterator, or verify the key store manually and "+
				"reset rotation state before starting the engine",
			s.KeyID, s.Processed, s.Total, s.StartedAt.Format(time.RFC3339)))
	case PhaseFailed:
		return veddberr.New(veddberr.KindDurability, "RotationFailed", fmt.Sprintf(
			"key rotation for %q failed at %s: %s — operator intervention required, rotation "+
				"state does not auto-clear", s.KeyID, s.FailedAt.Format(time.RFC3339), s.Reason))
	default:
		return veddberr.New(veddberr.KindDurability, "Corruption", "unknown rotation phase")
	}
}

// StartRotation transitions Idle -> ReEncrypting{key,0,total}.
func (km *KeyManager) StartRotation(keyID string, total int64) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.state.Phase != PhaseIdle {
		return veddberr.New(veddberr.KindState, "RotationInProgress", "rotation is not idle")
	}
	km.state = RotationState{Phase: PhaseReEncrypting, KeyID: keyID, Total: total, StartedAt: time.Now().UTC()}
	return km.persistStateLocked()
}

// Progress advances the ReEncrypting counter by delta.
func (km *KeyManager) Progress(delta int64) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.state.Phase != PhaseReEncrypting {
		return veddberr.New(veddberr.KindState, "NotRotating", "no rotation in progress")
	}
	km.state.Processed += delta
	return km.persistStateLocked()
}

// Finish transitions ReEncrypting{k,N,N} -> Completed{k,now,N}.
func (km *KeyManager) Finish() error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.state.Phase != PhaseReEncrypting {
		return veddberr.New(veddberr.KindState, "NotRotating", "no rotation in progress")
	}
	if km.state.Processed < km.state.Total {
		return veddberr.New(veddberr.KindState, "RotationIncomplete", "cannot finish before all documents are re-encrypted")
	}
	km.state = RotationState{
		Phase:              PhaseCompleted,
		KeyID:              km.state.KeyID,
		CompletedAt:        time.Now().UTC(),
		DocumentsProcessed: km.state.Processed,
	}
	return km.persistStateLocked()
}

// Fail transitions ReEncrypting{..} -> Failed{k,reason,now}.
func (km *KeyManager) Fail(reason string) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.state.Phase != PhaseReEncrypting {
		return veddberr.New(veddberr.KindState, "NotRotating", "no rotation in progress")
	}
	km.state = RotationState{Phase: PhaseFailed, KeyID: km.state.KeyID, Reason: reason, FailedAt: time.Now().UTC()}
	return km.persistStateLocked()
}

// ResetRotation implements the operator-initiated Completed -> Idle arc
// (Open Question decision: not reachable from any client opcode).
func (km *KeyManager) ResetRotation() error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.state.Phase != PhaseCompleted {
		return veddberr.New(veddberr.KindState, "NotCompleted", "rotation reset requires Completed state")
	}
	km.state = RotationState{Phase: PhaseIdle}
	return km.persistStateLocked()
}

// ErrRotationNotIntegrated is a NotImplemented state error describing the
// refusal of client-initiated key rotation. Nothing in this repository
// returns it: the protocol layer's RotateKey handler refuses with its own
// error carrying the same code.
var ErrRotationNotIntegrated = veddberr.New(veddberr.KindState, "NotImplemented",
	"key rotation is not fully integrated at the protocol boundary; use the operator-side "+
		"re-encryption tooling directly")
