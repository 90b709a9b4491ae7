// Package rpc is the transport underneath pkg/codec's wire shim: a
// length-prefixed, mTLS-secured request/response channel between
// mnode, vnode, and client processes. Explicitly not grpc (spec §6.1
// mandates the hand-framed format directly; see DESIGN.md) — the TLS
// handshake and certificate handling builds on pkg/security's
// LoadCertFromFile/LoadCACertFromFile, generalized from node-to-manager
// enrollment to node-to-node query dispatch.
package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/flowdb/pkg/codec"
	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/log"
	"github.com/cuemby/flowdb/pkg/security"
	"github.com/cuemby/flowdb/pkg/types"
)

// Handler processes one inbound request frame and returns the bytes
// and status code to send back as its response.
type Handler func(msg codec.Message) (respBody []byte, code int32)

// TLSConfig builds a *tls.Config for a node's identity from files laid
// out the way pkg/security.SaveCertToFile/SaveCACertToFile write them
// (node.crt/node.key/ca.crt under certDir), requiring mutual
// authentication on both the server and client side.
func TLSConfig(certDir string) (*tls.Config, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("rpc: load node cert: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("rpc: load ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Server accepts TLS connections and dispatches inbound frames to a
// Handler, replying with the handler's result on the same connection
// (spec §4.1's shim is symmetric: every node is both client and
// server of the same framing).
type Server struct {
	handler Handler
	tlsCfg  *tls.Config

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewServer constructs a Server that dispatches inbound requests to
// handler over connections authenticated with tlsCfg.
func NewServer(tlsCfg *tls.Config, handler Handler) *Server {
	return &Server{handler: handler, tlsCfg: tlsCfg}
}

// Serve listens on addr until Stop is called, accepting one goroutine
// per connection (mirrors the teacher's net.Listener accept-loop shape
// used in its gRPC server bootstrap).
func (s *Server) Serve(addr string) error {
	ln, err := tls.Listen("tcp", addr, s.tlsCfg)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger := log.WithComponent("rpc")
	logger.Info().Str("addr", addr).Msg("rpc server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

// Addr returns the listener's bound address, useful after Serve has
// been started against port 0 to discover the actual port chosen.
// Returns nil if Serve has not yet established a listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, unblocking Serve.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("rpc")

	for {
		msg, err := codec.Decode(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("rpc connection read ended")
			}
			return
		}
		body, code := s.handler(msg)
		resp := codec.Encode(codec.Message{
			Header: codec.Header{
				MsgType: responseType(msg.Header.MsgType),
				QueryID: msg.Header.QueryID,
				TaskID:  msg.Header.TaskID,
			},
			Body: append([]byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}, body...),
		})
		if _, err := conn.Write(resp); err != nil {
			logger.Debug().Err(err).Msg("rpc response write failed")
			return
		}
	}
}

// responseType maps a request MsgType to its response counterpart,
// mirroring the Query/QueryRsp, Ready/ReadyRsp, Fetch/FetchRsp, and
// Drop/DropRsp pairs of spec §4.1/§6.1.
func responseType(req types.MsgType) types.MsgType {
	switch req {
	case types.MsgQuery:
		return types.MsgQueryRsp
	case types.MsgReady:
		return types.MsgReadyRsp
	case types.MsgFetch:
		return types.MsgFetchRsp
	case types.MsgDrop:
		return types.MsgDropRsp
	case types.MsgConnect:
		return types.MsgConnectRsp
	case types.MsgHeartbeat:
		return types.MsgHeartbeatRsp
	case types.MsgKill:
		return types.MsgKillRsp
	default:
		return req
	}
}

// Client dials remote endpoints and sends framed requests, pairing
// each with a codec.SendInfo so the response (or a timeout) fires its
// callback exactly once (spec §4.1).
type Client struct {
	tlsCfg  *tls.Config
	table   *codec.Table
	dialTO  time.Duration
	readTO  time.Duration

	mu    sync.Mutex
	conns map[string]net.Conn
}

// NewClient constructs a Client authenticated with tlsCfg.
func NewClient(tlsCfg *tls.Config) *Client {
	return &Client{
		tlsCfg: tlsCfg,
		table:  codec.NewTable(),
		dialTO: 5 * time.Second,
		readTO: 30 * time.Second,
		conns:  make(map[string]net.Conn),
	}
}

func (c *Client) connFor(addr string) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: c.dialTO}, "tcp", addr, c.tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	c.conns[addr] = conn
	go c.readLoop(addr, conn)
	return conn, nil
}

func (c *Client) readLoop(addr string, conn net.Conn) {
	logger := log.WithComponent("rpc")
	for {
		msg, err := codec.Decode(conn)
		if err != nil {
			logger.Debug().Err(err).Str("addr", addr).Msg("rpc client connection lost")
			c.mu.Lock()
			if c.conns[addr] == conn {
				delete(c.conns, addr)
			}
			c.mu.Unlock()
			c.table.DropAll(errs.Code(errs.Timeout))
			return
		}
		if len(msg.Body) < 4 {
			continue
		}
		code := int32(msg.Body[0])<<24 | int32(msg.Body[1])<<16 | int32(msg.Body[2])<<8 | int32(msg.Body[3])
		key := codec.Key{QueryID: msg.Header.QueryID, TaskID: msg.Header.TaskID}
		c.table.Resolve(key, msg.Body[4:], code)
	}
}

// Send async-sends body to addr as msgType for (queryID, taskID),
// invoking cb exactly once on response or timeout — the one generic
// primitive every higher layer (qworker fetch, exchange operator,
// heartbeat) reuses per spec §4.1. Only one Send may be outstanding
// per (queryID, taskID) at a time, whatever its msgType (a later Send
// replaces the earlier one's pending callback), matching the
// scheduler's own one-outstanding-request-per-task discipline.
func (c *Client) Send(addr string, msgType types.MsgType, queryID, taskID uint64, body []byte, cb codec.Callback, param interface{}) error {
	conn, err := c.connFor(addr)
	if err != nil {
		return err
	}

	key := codec.Key{QueryID: queryID, TaskID: taskID}
	info := &codec.SendInfo{Key: key, MsgType: msgType, Callback: cb, Param: param}
	c.table.Register(info)

	frame := codec.Encode(codec.Message{
		Header: codec.Header{MsgType: msgType, QueryID: queryID, TaskID: taskID},
		Body:   body,
	})
	if _, err := conn.Write(frame); err != nil {
		c.table.Timeout(key, errs.Code(errs.Timeout))
		return fmt.Errorf("rpc: send to %s: %w", addr, err)
	}

	time.AfterFunc(c.readTO, func() {
		c.table.Timeout(key, errs.Code(errs.Timeout))
	})
	return nil
}

// Close tears down every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		conn.Close()
		delete(c.conns, addr)
	}
}
