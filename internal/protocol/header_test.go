package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmdHeaderRoundTrip(t *testing.T) {
	h := CmdHeader{Op: OpInsertDoc, Flags: 1, Version: VersionCurrent, Seq: 42, KeyLen: 5, ValLen: 10, Extra: 99}
	decoded, err := DecodeCmdHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestRespHeaderRoundTrip(t *testing.T) {
	h := RespHeader{Status: StatusNotFound, Flags: 2, Seq: 7, PayloadLen: 3}
	decoded, err := DecodeRespHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := &Command{Header: CmdHeader{Op: OpGetDoc, Version: VersionCurrent, Seq: 3}, Key: []byte("users"), Value: []byte("docid")}
	buf := cmd.Encode()
	decoded, err := ReadCommand(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, cmd.Key, decoded.Key)
	assert.Equal(t, cmd.Value, decoded.Value)
	assert.Equal(t, cmd.Header.Op, decoded.Header.Op)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := NewResponse(StatusOk, 9, []byte("hello"))
	buf := resp.Encode()
	decoded, err := ReadResponse(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, resp.Payload, decoded.Payload)
	assert.Equal(t, resp.Header.Status, decoded.Header.Status)
}

func TestOversizePayloadRejected(t *testing.T) {
	h := CmdHeader{Op: OpInsertDoc, Version: VersionCurrent, ValLen: MaxPayloadBytes + 1}
	_, err := ReadCommand(bytes.NewReader(h.Encode()))
	assert.Error(t, err)
}

func TestLegacyTranslateIsIdentityOnV2(t *testing.T) {
	cmd := &Command{Header: CmdHeader{Op: OpGetDoc, Version: VersionCurrent, Seq: 1}, Key: []byte("a"), Value: []byte("b")}
	out, err := TranslateRequest(cmd)
	require.NoError(t, err)
	assert.Same(t, cmd, out)
}

func TestLegacyGetTranslatesToDocGet(t *testing.T) {
	cmd := &Command{Header: CmdHeader{Op: OpLegacyGet, Version: VersionLegacy, Seq: 5}, Key: []byte("mykey")}
	out, err := TranslateRequest(cmd)
	require.NoError(t, err)
	assert.Equal(t, OpGetDoc, out.Header.Op)
	assert.Equal(t, LegacyCollection, string(out.Key))
	assert.Equal(t, "mykey", string(out.Value))
}
