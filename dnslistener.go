package sinkhole

import (
	"crypto/tls"
	"net"

	"github.com/miekg/dns"
)

// DNSListener is a standard DNS listener for UDP or TCP, handing every
// accepted query to a Dispatcher.
type DNSListener struct {
	*dns.Server
	id string
}

var _ Listener = &DNSListener{}

// NewDNSListener returns an instance of either a UDP or TCP DNS listener.
func NewDNSListener(id, addr, protocol string, opt ListenOptions, dispatcher *Dispatcher) *DNSListener {
	return &DNSListener{
		id: id,
		Server: &dns.Server{
			Addr:    addr,
			Net:     protocol,
			Handler: listenHandler(id, protocol, dispatcher, opt.AllowedNet),
		},
	}
}

// Start the DNS listener.
func (s *DNSListener) Start() error {
	Log.WithFields(map[string]interface{}{"id": s.id, "protocol": s.Net, "addr": s.Addr}).Info("starting listener")
	return s.ListenAndServe()
}

// Stop the DNS listener.
func (s *DNSListener) Stop() error {
	Log.WithFields(map[string]interface{}{"id": s.id, "protocol": s.Net, "addr": s.Addr}).Info("stopping listener")
	return s.Shutdown()
}

func (s *DNSListener) String() string {
	return s.id
}

// listenHandler dispatches every inbound query to the Dispatcher,
// rejecting clients outside allowedNet and truncating oversized UDP
// responses per RFC 1035.
func listenHandler(id, protocol string, dispatcher *Dispatcher, allowedNet []*net.IPNet) dns.HandlerFunc {
	metrics := NewListenerMetrics("listener", id)
	return func(w dns.ResponseWriter, req *dns.Msg) {
		ci := ClientInfo{Listener: id}

		if r, ok := w.(interface{ ConnectionState() *tls.ConnectionState }); ok {
			if cs := r.ConnectionState(); cs != nil {
				ci.TLSServerName = cs.ServerName
			}
		}
		switch addr := w.RemoteAddr().(type) {
		case *net.TCPAddr:
			ci.SourceIP = addr.IP
		case *net.UDPAddr:
			ci.SourceIP = addr.IP
		}

		log := logger(id, ci).WithField("protocol", protocol)
		log.Debug("received query")
		metrics.query.Add(1)

		var a *dns.Msg
		if isAllowed(allowedNet, ci.SourceIP) {
			a = dispatcher.Handle(req, ci)
		} else {
			metrics.err.Add("acl", 1)
			log.Debug("refusing client ip")
			a = new(dns.Msg)
			a.SetRcode(req, dns.RcodeRefused)
		}

		if a == nil {
			w.Close()
			metrics.drop.Add(1)
			return
		}

		if protocol == "udp" {
			maxSize := dns.MinMsgSize
			if edns0 := req.IsEdns0(); edns0 != nil {
				maxSize = int(edns0.UDPSize())
			}
			a.Truncate(maxSize)
		}

		metrics.response.Add(rCode(a), 1)
		if err := w.WriteMsg(a); err != nil {
			metrics.err.Add("send", 1)
			log.WithError(err).Error("failed to send response, sending servfail")
			_ = w.WriteMsg(servfail(req))
		}
	}
}

func isAllowed(allowedNet []*net.IPNet, ip net.IP) bool {
	if len(allowedNet) == 0 {
		return true
	}
	for _, n := range allowedNet {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
