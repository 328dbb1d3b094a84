package sinkhole

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Forwarder is the upstream-resolution contract. The blocklist engine and
// dispatcher don't care how a non-blocked query gets answered; anything
// implementing this interface can sit behind the dispatcher. The wire
// encoding, transport plumbing, and retry semantics of a concrete
// implementation are treated as an external collaborator per the design:
// this package ships a couple of simple ones (forwarder_dns.go,
// forwarder_doh.go) plus a round-robin pool (forwarder_pool.go).
type Forwarder interface {
	Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error)
	fmt.Stringer
}

// ClientInfo carries metadata about the client that originated a query,
// threaded through from the listener to the forwarder for logging and
// access-control decisions.
type ClientInfo struct {
	// SourceIP of the client, if known.
	SourceIP net.IP
	// Listener ID that received the query.
	Listener string
	// TLSServerName is the SNI presented by the client, if the query
	// arrived over a TLS-based transport.
	TLSServerName string
}
