package sinkhole

import (
	"github.com/miekg/dns"
)

// Dispatcher is the DNS request handler: it consults the Engine and either
// answers NXDOMAIN for a blocked name or delegates to the configured
// upstream Forwarder. One Dispatcher is shared by every Listener.
type Dispatcher struct {
	Engine    *Engine
	Forwarder Forwarder
}

// NewDispatcher returns a Dispatcher backed by engine and forwarder.
func NewDispatcher(engine *Engine, forwarder Forwarder) *Dispatcher {
	return &Dispatcher{Engine: engine, Forwarder: forwarder}
}

// Handle runs one inbound query through the dispatch state machine:
// exactly one total-query count, a SERVFAIL for anything but a single
// question, an NXDOMAIN for a blocked name, or delegation upstream.
func (d *Dispatcher) Handle(q *dns.Msg, ci ClientInfo) *dns.Msg {
	log := logger("dispatcher", ci)
	d.Engine.CountTotal()

	if len(q.Question) != 1 {
		err := MultiQuestionError{n: len(q.Question)}
		log.WithError(err).Debug("rejecting multi-question query")
		return servfail(q)
	}

	name := normalizeDomain(q.Question[0].Name)
	if d.Engine.IsBlocked(name) {
		d.Engine.CountBlocked()
		log.WithField("name", string(name)).Debug("blocked, returning nxdomain")
		return nxdomain(q)
	}

	a, err := d.Forwarder.Resolve(q, ci)
	if err != nil {
		log.WithError(err).WithField("name", string(name)).Debug("upstream forward failed")
		if a == nil {
			return servfail(q)
		}
	}
	return a
}
