// Package codec implements the wire message codec and async send-info
// bookkeeping described in spec §4.1/§6.1: big-endian integers,
// length-prefixed strings, and a send-info record that pairs one
// outbound request with exactly one callback invocation.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cuemby/flowdb/pkg/types"
)

// Header is the fixed-size frame prefix written ahead of every message
// body: total body length, message type, query id, and task id. All
// integer fields are big-endian (spec §4.1).
type Header struct {
	BodyLen uint32
	MsgType types.MsgType
	QueryID uint64
	TaskID  uint64
}

const headerSize = 4 + 1 + 8 + 8

// EncodeHeader writes h's fixed fields in wire order.
func EncodeHeader(w io.Writer, h Header) error {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], h.BodyLen)
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint64(buf[5:13], h.QueryID)
	binary.BigEndian.PutUint64(buf[13:21], h.TaskID)
	_, err := w.Write(buf)
	return err
}

// DecodeHeader reads a Header from r.
func DecodeHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("codec: read header: %w", err)
	}
	return Header{
		BodyLen: binary.BigEndian.Uint32(buf[0:4]),
		MsgType: types.MsgType(buf[4]),
		QueryID: binary.BigEndian.Uint64(buf[5:13]),
		TaskID:  binary.BigEndian.Uint64(buf[13:21]),
	}, nil
}

// WriteString writes a length-prefixed (uint32) string, the wire
// convention for every variable-width field (spec §4.1).
func WriteString(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a length-prefixed string previously written by
// WriteString.
func ReadString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("codec: read string length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("codec: read string body: %w", err)
	}
	return string(buf), nil
}

// AppendString appends s to buf with the same length-prefix convention
// as WriteString, for callers building a body in memory (e.g. the
// CONNECT request's user/app fields) rather than streaming to a writer.
func AppendString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

// Message is a decoded frame: its header plus the raw body bytes,
// still owned by the caller until handed to a Callback.
type Message struct {
	Header Header
	Body   []byte
}

// Encode serializes a Message to a single buffer with its header
// prefix, ready to hand to a transport Send.
func Encode(msg Message) []byte {
	h := msg.Header
	h.BodyLen = uint32(len(msg.Body))
	var buf bytes.Buffer
	buf.Grow(headerSize + len(msg.Body))
	_ = EncodeHeader(&buf, h)
	buf.Write(msg.Body)
	return buf.Bytes()
}

// Decode reads one full Message (header + body) from r.
func Decode(r io.Reader) (Message, error) {
	h, err := DecodeHeader(r)
	if err != nil {
		return Message{}, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("codec: read body: %w", err)
	}
	return Message{Header: h, Body: body}, nil
}

// Callback is invoked exactly once per request: on success, failure,
// or timeout, with code carrying the errs.Code wire status (spec
// §4.1 "callbacks receive exactly one invocation per request").
type Callback func(param interface{}, body []byte, code int32)

// Key is the (queryId, taskId) pair the shim uses to match a response
// frame to the request that caused it (spec §4.1 "pair responses to
// callbacks by (queryId, taskId)").
type Key struct {
	QueryID uint64
	TaskID  uint64
}

// SendInfo is the bookkeeping record the shim keeps alive from send to
// callback: the response callback, its opaque parameter, the
// object-ref key it is registered under, and the message type sent
// (spec §4.1).
type SendInfo struct {
	Key      Key
	MsgType  types.MsgType
	Callback Callback
	Param    interface{}

	fired int32
}

// fire invokes the callback exactly once; subsequent calls (a racing
// timeout after a late response, or vice versa) are no-ops, enforcing
// the "callback exactly-once" invariant (spec §4.1, testable property
// in spec §9).
func (s *SendInfo) fire(body []byte, code int32) {
	if !atomic.CompareAndSwapInt32(&s.fired, 0, 1) {
		return
	}
	owned := make([]byte, len(body))
	copy(owned, body)
	s.Callback(s.Param, owned, code)
}

// Table tracks in-flight SendInfo records keyed by (queryId, taskId),
// the shim's "owned by the RPC layer from send to callback" arena
// (spec §9 ownership note).
type Table struct {
	mu      sync.Mutex
	pending map[Key]*SendInfo
}

// NewTable constructs an empty send-info table.
func NewTable() *Table {
	return &Table{pending: make(map[Key]*SendInfo)}
}

// Register stores info under its Key, replacing any entry already
// pending under that Key (whose callback then never fires) — callers
// must use a Key unique to this in-flight request (a task normally
// has at most one outstanding request of a given kind at a time).
func (t *Table) Register(info *SendInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[info.Key] = info
}

// Resolve looks up and removes the SendInfo for key, then fires its
// callback with body/code. Returns false if no such request is
// pending (a duplicate or already-timed-out response).
func (t *Table) Resolve(key Key, body []byte, code int32) bool {
	t.mu.Lock()
	info, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	info.fire(body, code)
	return true
}

// Timeout fires key's callback with code without waiting for Resolve,
// used by the transport's per-request deadline. A response that
// arrives afterward finds the entry gone and is dropped, preserving
// exactly-once delivery.
func (t *Table) Timeout(key Key, code int32) bool {
	t.mu.Lock()
	info, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	info.fire(nil, code)
	return true
}

// DropAll fires every still-pending callback with code, used when a
// connection to a peer is lost and its in-flight requests can never
// be resolved normally.
func (t *Table) DropAll(code int32) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[Key]*SendInfo)
	t.mu.Unlock()

	for _, info := range pending {
		info.fire(nil, code)
	}
}

// Len reports the number of in-flight requests, used by tests and by
// health reporting.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
