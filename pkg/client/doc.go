/*
Package client is the query client's entry point into a flowdb
cluster.

It wraps pkg/rpc's hand-framed, mTLS-secured transport with the small
set of operations a client process needs: connect, submit a query,
poll fetch until the result completes, and kill its own query or
connection. It also implements pkg/heartbeat.Sender, so a client
process can drive the same background heartbeat pipeline a production
deployment runs (spec §4.8).

# Usage

	c, err := client.NewClient("mnode1:8080", certDir)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	connID, err := c.Connect("alice", "flowdb-cli")
	if err != nil {
		log.Fatal(err)
	}

	queryID, err := c.SubmitQuery("select * from sensors")
	if err != nil {
		log.Fatal(err)
	}

	for {
		rows, completed, err := c.Fetch(queryID)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("got", rows, "rows")
		if completed {
			break
		}
	}

# Killing a query or connection

	if err := c.KillQuery(queryID); err != nil {
		log.Fatal(err)
	}

	if err := c.KillConn(); err != nil {
		log.Fatal(err)
	}

# Heartbeat pipeline

A client process wires its Client into a pkg/heartbeat.Manager the same
way any node role does:

	hb := heartbeat.New(c, cat)
	hb.RegisterConn(clusterKey, connID, heartbeat.HbTypeDBInfo)
	hb.Start()
	defer hb.Stop()

# Certificates

This package never requests or issues certificates itself — it only
loads an existing node.crt/node.key/ca.crt triple from certDir, the
layout pkg/security.SaveCertToFile and SaveCACertToFile write.
`flowdb cert issue-client` (see cmd/flowdb) provisions that directory
from the cluster CA held in a mnode's data directory, out of band of
any running mnode; see pkg/security's
doc comment for the CA's own usage.

# Wire protocol

Every call above reduces to pkg/rpc.Client.Send's async primitive,
collapsed into a blocking call with a fixed timeout: CONNECT carries
the client's user/app identity and gets back an 8-byte connection id;
QUERY carries raw SQL as its body and is acknowledged with a status
code only; FETCH mirrors pkg/qworker's wire format (a 4-byte row count
plus a 1-byte completion flag); HEARTBEAT carries a JSON-encoded
pkg/heartbeat.BatchRequest/BatchResponse pair; KILL carries the
connection id and, for KillQuery, the target query id (spec §6.1).

# See Also

  - pkg/rpc for the transport this package drives
  - pkg/heartbeat for the background pipeline this package can feed
  - pkg/security for the certificate format this package loads
  - cmd/flowdb for the `query` subcommand built on this package
*/
package client
