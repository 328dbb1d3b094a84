package sinkhole

import "github.com/miekg/dns"

// qName returns the query name from a DNS query, or "" if the message
// carries no question.
func qName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// rCode returns a string representation of a message's response code, used
// for expvar map keys.
func rCode(a *dns.Msg) string {
	if a == nil {
		return "drop"
	}
	return dns.RcodeToString[a.Rcode]
}

// nxdomain builds a sinkhole response: same ID/question as the query,
// RCODE=NXDOMAIN, empty answer/authority/additional sections. This is the
// only response shape the dispatcher originates itself.
func nxdomain(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.RecursionAvailable = q.RecursionDesired
	a.Rcode = dns.RcodeNameError
	a.Answer = nil
	a.Ns = nil
	a.Extra = nil
	return a
}

// servfail builds a bare SERVFAIL response, used both for dispatch errors
// and as the last-resort fallback when even sending the real response fails.
func servfail(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeServerFailure)
	return a
}
