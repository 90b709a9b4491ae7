// Package client is a query client's entry point (spec §1 "client"
// role): it dials one mnode over pkg/rpc, submits SQL, drives the
// fetch loop to completion, and can kill its own query or connection.
// Grounded on pkg/client/client.go's NewClient/mTLS-dial shape,
// generalized from a gRPC service client to pkg/rpc's hand-framed
// wire protocol.
package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/flowdb/pkg/codec"
	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/heartbeat"
	"github.com/cuemby/flowdb/pkg/rpc"
	"github.com/cuemby/flowdb/pkg/security"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/google/uuid"
)

// Client is one connection's worth of state: the underlying rpc
// transport, the mnode address it talks to, and the connection id the
// mnode assigned on Connect.
type Client struct {
	rpc    *rpc.Client
	addr   string
	connID uint64
}

// NewClient builds a Client authenticated with the mTLS material in
// certDir (node.crt/node.key/ca.crt, the layout security.SaveCertToFile
// and security.SaveCACertToFile write). Run `flowdb cert issue-client`
// first if certDir is empty; this package never requests certificates
// over the wire itself.
func NewClient(addr, certDir string) (*Client, error) {
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("client: no certificate in %s, run 'flowdb cert issue-client' first", certDir)
	}
	tlsCfg, err := rpc.TLSConfig(certDir)
	if err != nil {
		return nil, fmt.Errorf("client: tls config: %w", err)
	}
	return &Client{rpc: rpc.NewClient(tlsCfg), addr: addr}, nil
}

// send wraps rpc.Client.Send with a synchronous, one-shot wait, the
// shape every operation below reduces to (spec §4.1's async primitive,
// collapsed to a blocking call for the CLI's use).
func (c *Client) send(msgType types.MsgType, queryID, taskID uint64, body []byte) ([]byte, error) {
	type result struct {
		body []byte
		code int32
	}
	done := make(chan result, 1)
	cb := func(param interface{}, body []byte, code int32) {
		done <- result{body: body, code: code}
	}
	if err := c.rpc.Send(c.addr, msgType, queryID, taskID, body, cb, nil); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		if r.code != 0 {
			return nil, fmt.Errorf("client: %s: code %d: %w", msgTypeName(msgType), r.code, errs.OutOfMemory)
		}
		return r.body, nil
	case <-time.After(35 * time.Second):
		return nil, fmt.Errorf("client: %s: %w", msgTypeName(msgType), errs.Timeout)
	}
}

func msgTypeName(t types.MsgType) string {
	switch t {
	case types.MsgConnect:
		return "connect"
	case types.MsgQuery:
		return "query"
	case types.MsgFetch:
		return "fetch"
	case types.MsgKill:
		return "kill"
	case types.MsgHeartbeat:
		return "heartbeat"
	default:
		return "rpc"
	}
}

// Connect performs the CONNECT handshake (spec §6.1): app identifies
// itself, the mnode assigns a connection id used on every subsequent
// heartbeat and kill call.
func (c *Client) Connect(user, app string) (uint64, error) {
	var body []byte
	body = codec.AppendString(body, user)
	body = codec.AppendString(body, app)

	resp, err := c.send(types.MsgConnect, 0, 0, body)
	if err != nil {
		return 0, fmt.Errorf("client: connect: %w", err)
	}
	if len(resp) < 8 {
		return 0, fmt.Errorf("client: connect: short response")
	}
	c.connID = binary.BigEndian.Uint64(resp[:8])
	return c.connID, nil
}

// SubmitQuery sends sql to the mnode as a new query, returning the
// query id the caller then polls with Fetch. The query id is generated
// client-side the way every cluster object id is (uuid-derived, spec
// §3 "job/task ids are process-unique").
func (c *Client) SubmitQuery(sql string) (uint64, error) {
	queryID := newQueryID()
	if _, err := c.send(types.MsgQuery, queryID, 0, []byte(sql)); err != nil {
		return 0, fmt.Errorf("client: submit query: %w", err)
	}
	return queryID, nil
}

// Fetch pulls the next result block for queryID, matching pkg/qworker's
// wire format (4-byte row count, 1-byte completion flag) since the
// client's root-level fetch rides the same FETCH/FETCH-RSP pair as the
// scheduler's internal one (spec §4.7 "fetch RPC is issued to the
// single level-0 task").
func (c *Client) Fetch(queryID uint64) (rows int32, completed bool, err error) {
	resp, err := c.send(types.MsgFetch, queryID, 0, nil)
	if err != nil {
		return 0, false, fmt.Errorf("client: fetch: %w", err)
	}
	if len(resp) < 5 {
		return 0, true, nil
	}
	rows = int32(binary.BigEndian.Uint32(resp[0:4]))
	completed = resp[4] == 1
	return rows, completed, nil
}

// KillQuery asks the mnode to drop queryID. Only permitted to
// super-users server-side (spec §4.9); the client just issues the
// request.
func (c *Client) KillQuery(queryID uint64) error {
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, c.connID)
	_, err := c.send(types.MsgKill, queryID, 0, body)
	if err != nil {
		return fmt.Errorf("client: kill query %d: %w", queryID, err)
	}
	return nil
}

// KillConn asks the mnode to tear down this client's own connection.
func (c *Client) KillConn() error {
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, c.connID)
	_, err := c.send(types.MsgKill, 0, 0, body)
	if err != nil {
		return fmt.Errorf("client: kill conn %d: %w", c.connID, err)
	}
	return nil
}

// SendBatch implements heartbeat.Sender, letting a heartbeat.Manager
// drive this connection's keepalive/DB-refresh traffic (spec §4.8);
// the client process is node role C9's host.
func (c *Client) SendBatch(batch heartbeat.BatchRequest, cb func(heartbeat.BatchResponse, error)) {
	body, err := json.Marshal(batch)
	if err != nil {
		cb(heartbeat.BatchResponse{}, err)
		return
	}
	go func() {
		resp, err := c.send(types.MsgHeartbeat, 0, 0, body)
		if err != nil {
			cb(heartbeat.BatchResponse{}, err)
			return
		}
		var batchResp heartbeat.BatchResponse
		if err := json.Unmarshal(resp, &batchResp); err != nil {
			cb(heartbeat.BatchResponse{}, fmt.Errorf("client: decode heartbeat response: %w", err))
			return
		}
		cb(batchResp, nil)
	}()
}

// Close tears down the underlying rpc connections.
func (c *Client) Close() {
	c.rpc.Close()
}

func newQueryID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}
