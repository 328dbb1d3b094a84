package sinkhole

import (
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// ForwarderPool distributes queries round-robin across a group of
// upstream Forwarders. A failed query is not retried against the next
// member; the caller sees that forwarder's error, matching the
// dispatcher's pass-through failure policy.
type ForwarderPool struct {
	forwarders []Forwarder
	mu         sync.Mutex
	current    int
}

var _ Forwarder = &ForwarderPool{}

// NewForwarderPool returns a round-robin Forwarder over forwarders.
func NewForwarderPool(forwarders ...Forwarder) *ForwarderPool {
	return &ForwarderPool{forwarders: forwarders}
}

// Resolve sends q to the next forwarder in rotation.
func (p *ForwarderPool) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	p.mu.Lock()
	f := p.forwarders[p.current]
	p.current = (p.current + 1) % len(p.forwarders)
	p.mu.Unlock()
	return f.Resolve(q, ci)
}

func (p *ForwarderPool) String() string {
	s := make([]string, 0, len(p.forwarders))
	for _, f := range p.forwarders {
		s = append(s, f.String())
	}
	return fmt.Sprintf("ForwarderPool(%s)", strings.Join(s, ";"))
}
