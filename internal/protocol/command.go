package protocol

import (
	"bytes"
	"io"

	"github.com/evalgo/veddb/internal/veddberr"
)

// MaxPayloadBytes is the 16 MiB cap §4.6/§5 place on a single command's
// total payload.
const MaxPayloadBytes = 16 * 1024 * 1024

// Command is a fully-read command: header plus its key/value payload
// split at header.KeyLen.
type Command struct {
	Header CmdHeader
	Key    []byte
	Value  []byte
}

// ReadCommand reads one command off r: header, then key_len+val_len bytes,
// enforcing the max-payload cap before allocating.
func ReadCommand(r io.Reader) (*Command, error) {
	hb := make([]byte, CmdHeaderSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read command header", err)
	}
	h, err := DecodeCmdHeader(hb)
	if err != nil {
		return nil, err
	}
	total := h.TotalPayload()
	if total > MaxPayloadBytes {
		return nil, veddberr.New(veddberr.KindInput, "OversizeError", "command payload exceeds 16MiB")
	}
	payload := make([]byte, total)
	if total > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read command payload", err)
		}
	}
	return &Command{Header: h, Key: payload[:h.KeyLen], Value: payload[h.KeyLen:]}, nil
}

// Encode serializes the command to its wire form (header + key + value),
// for tests and for internal/arena's in-process transport.
func (c *Command) Encode() []byte {
	h := c.Header
	h.KeyLen = uint32(len(c.Key))
	h.ValLen = uint32(len(c.Value))
	var buf bytes.Buffer
	buf.Write(h.Encode())
	buf.Write(c.Key)
	buf.Write(c.Value)
	return buf.Bytes()
}

// WriteTo writes the command's wire form to w.
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	b := c.Encode()
	n, err := w.Write(b)
	return int64(n), err
}

// Response is a fully-built response: header plus payload.
type Response struct {
	Header  RespHeader
	Payload []byte
}

// NewResponse builds a response with status and payload, seq echoed from
// the originating command.
func NewResponse(status Status, seq uint32, payload []byte) *Response {
	return &Response{
		Header:  RespHeader{Status: status, Seq: seq, PayloadLen: uint32(len(payload))},
		Payload: payload,
	}
}

// Encode serializes the response to its wire form.
func (r *Response) Encode() []byte {
	h := r.Header
	h.PayloadLen = uint32(len(r.Payload))
	var buf bytes.Buffer
	buf.Write(h.Encode())
	buf.Write(r.Payload)
	return buf.Bytes()
}

// WriteTo writes the response's wire form to w.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	b := r.Encode()
	n, err := w.Write(b)
	return int64(n), err
}

// ReadResponse reads one response off r, the client-side counterpart of
// ReadCommand.
func ReadResponse(r io.Reader) (*Response, error) {
	hb := make([]byte, RespHeaderSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read response header", err)
	}
	h, err := DecodeRespHeader(hb)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read response payload", err)
		}
	}
	return &Response{Header: h, Payload: payload}, nil
}
