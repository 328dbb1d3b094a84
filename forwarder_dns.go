package sinkhole

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DNSForwarder is a plain DNS upstream over UDP or TCP, pipelined over a
// single persistent connection per the teacher's original DNSClient
// design.
type DNSForwarder struct {
	endpoint string
	net      string
	pipeline *Pipeline
}

var _ Forwarder = &DNSForwarder{}

// NewDNSForwarder returns a Forwarder that sends every query to endpoint
// over net ("udp" or "tcp"), reusing one pipelined connection.
func NewDNSForwarder(id, endpoint, net string, timeout time.Duration) *DNSForwarder {
	client := &dns.Client{
		Net:       net,
		TLSConfig: &tls.Config{},
	}
	return &DNSForwarder{
		net:      net,
		endpoint: endpoint,
		pipeline: NewPipeline(id, endpoint, client, timeout),
	}
}

// Resolve forwards q upstream and returns its answer.
func (d *DNSForwarder) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	logger("forwarder.dns", ci).WithField("resolver", d.endpoint).Debug("querying upstream resolver")
	return d.pipeline.Resolve(q)
}

func (d *DNSForwarder) String() string {
	return fmt.Sprintf("DNS(%s)", d.endpoint)
}
