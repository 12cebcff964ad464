package protocol

import (
	"github.com/evalgo/veddb/internal/veddberr"
)

// LegacyCollection is the reserved collection legacy (v1) key/value
// commands are rewritten against, per §4.6's compatibility translator.
const LegacyCollection = "__legacy_kv__"

// TranslateRequest rewrites a legacy (v1) command into its equivalent v2
// document-operation command against LegacyCollection. A v2 input is
// returned unchanged (translation is the identity on v2, per testable
// property 9).
func TranslateRequest(cmd *Command) (*Command, error) {
	if cmd.Header.Version != VersionLegacy {
		return cmd, nil
	}
	switch cmd.Header.Op {
	case OpLegacyPing:
		return &Command{Header: CmdHeader{Op: OpPing, Version: VersionCurrent, Seq: cmd.Header.Seq}}, nil
	case OpLegacyGet:
		return &Command{
			Header: CmdHeader{Op: OpGetDoc, Version: VersionCurrent, Seq: cmd.Header.Seq},
			Key:    []byte(LegacyCollection),
			Value:  cmd.Key,
		}, nil
	case OpLegacySet:
		return &Command{
			Header: CmdHeader{Op: OpInsertDoc, Version: VersionCurrent, Seq: cmd.Header.Seq},
			Key:    []byte(LegacyCollection),
			Value:  append(append([]byte{}, cmd.Key...), cmd.Value...),
		}, nil
	case OpLegacyDelete:
		return &Command{
			Header: CmdHeader{Op: OpDeleteDoc, Version: VersionCurrent, Seq: cmd.Header.Seq},
			Key:    []byte(LegacyCollection),
			Value:  cmd.Key,
		}, nil
	default:
		return nil, veddberr.New(veddberr.KindInput, "InvalidQuery", "unknown legacy opcode")
	}
}

// TranslateResponse projects a v2 response shape back to the legacy
// caller's expectation. Translation here is purely a status pass-through:
// legacy clients never see v2-specific payload framing, since the legacy
// opcodes (get/set/delete/ping) carry no structured payload of their own.
func TranslateResponse(originalVersion Version, resp *Response) *Response {
	if originalVersion != VersionLegacy {
		return resp
	}
	return resp
}
