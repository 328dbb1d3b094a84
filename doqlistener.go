package sinkhole

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"expvar"
	"io"
	"net"
	"time"

	"github.com/miekg/dns"
	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// DoQListener is a DNS listener/server for DNS-over-QUIC, dispatching
// every decoded query to a Dispatcher.
type DoQListener struct {
	id         string
	addr       string
	dispatcher *Dispatcher
	opt        DoQListenerOptions
	ln         *quic.EarlyListener
	log        *logrus.Entry
	metrics    *DoQListenerMetrics
}

var _ Listener = &DoQListener{}

// DoQListenerOptions contains options used by the DNS-over-QUIC server.
type DoQListenerOptions struct {
	ListenOptions

	TLSConfig *tls.Config

	// IdleTimeout bounds connection idle time. Zero means
	// defaultListenerIdleTimeout.
	IdleTimeout time.Duration
}

// DoQListenerMetrics extends the common listener counters with
// connection- and stream-level counts specific to QUIC.
type DoQListenerMetrics struct {
	ListenerMetrics

	connection *expvar.Int
	stream     *expvar.Int
}

// NewDoQListenerMetrics registers (or reuses) the expvar counters for a
// DoQ listener instance identified by id.
func NewDoQListenerMetrics(id string) *DoQListenerMetrics {
	return &DoQListenerMetrics{
		ListenerMetrics: ListenerMetrics{
			query:    getVarInt("listener", id, "query"),
			response: getVarMap("listener", id, "response"),
			drop:     getVarInt("listener", id, "drop"),
			err:      getVarMap("listener", id, "error"),
		},
		connection: getVarInt("listener", id, "session"),
		stream:     getVarInt("listener", id, "stream"),
	}
}

// NewDoQListener returns a DNS-over-QUIC listener dispatching accepted
// queries to dispatcher.
func NewDoQListener(id, addr string, opt DoQListenerOptions, dispatcher *Dispatcher) *DoQListener {
	if opt.TLSConfig == nil {
		opt.TLSConfig = new(tls.Config)
	}
	opt.TLSConfig.NextProtos = []string{"doq"}
	if opt.IdleTimeout <= 0 {
		opt.IdleTimeout = defaultListenerIdleTimeout
	}
	return &DoQListener{
		id:         id,
		addr:       addr,
		dispatcher: dispatcher,
		opt:        opt,
		log:        Log.WithFields(logrus.Fields{"id": id, "protocol": "doq", "addr": addr}),
		metrics:    NewDoQListenerMetrics(id),
	}
}

// Start the QUIC server.
func (s *DoQListener) Start() error {
	var err error
	s.ln, err = quic.ListenAddrEarly(s.addr, s.opt.TLSConfig, &quic.Config{
		Allow0RTT:      true,
		MaxIdleTimeout: s.opt.IdleTimeout,
	})
	if err != nil {
		return err
	}
	s.log.Info("starting listener")

	for {
		connection, err := s.ln.Accept(context.Background())
		if err != nil {
			s.log.WithError(err).Warn("failed to accept")
			continue
		}
		s.log.Trace("started connection")
		go s.handleConnection(connection)
	}
}

// Stop the server.
func (s *DoQListener) Stop() error {
	s.log.Info("stopping listener")
	return s.ln.Close()
}

func (s *DoQListener) handleConnection(connection quic.Connection) {
	tlsServerName := connection.ConnectionState().TLS.ServerName

	ci := ClientInfo{
		Listener:      s.id,
		TLSServerName: tlsServerName,
	}
	switch addr := connection.RemoteAddr().(type) {
	case *net.TCPAddr:
		ci.SourceIP = addr.IP
	case *net.UDPAddr:
		ci.SourceIP = addr.IP
	}
	log := s.log.WithField("client", connection.RemoteAddr())

	if !isAllowed(s.opt.AllowedNet, ci.SourceIP) {
		log.Debug("rejecting incoming connection")
		s.metrics.drop.Add(1)
		return
	}
	log.Trace("accepting incoming connection")
	s.metrics.connection.Add(1)

	for {
		stream, err := connection.AcceptStream(context.Background())
		if err != nil {
			break
		}
		log.WithField("stream", stream.StreamID()).Trace("opening stream")
		go func() {
			s.handleStream(stream, log, ci)
			log.WithField("stream", stream.StreamID()).Trace("closing stream")
		}()
	}
}

func (s *DoQListener) handleStream(stream quic.Stream, log *logrus.Entry, ci ClientInfo) {
	// DNS-over-QUIC uses one stream per query/response, length-prefixed
	// like classic DNS-over-TCP.
	defer stream.Close()
	s.metrics.stream.Add(1)

	var length uint16
	if err := binary.Read(stream, binary.BigEndian, &length); err != nil {
		s.metrics.err.Add("read", 1)
		log.WithError(err).Error("failed to read query")
		return
	}

	b := make([]byte, length)
	_ = stream.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(stream, b); err != nil {
		s.metrics.err.Add("read", 1)
		log.WithError(err).Error("failed to read query")
		return
	}

	q := new(dns.Msg)
	if err := q.Unpack(b); err != nil {
		s.metrics.err.Add("unpack", 1)
		log.WithError(err).Error("failed to decode query")
		return
	}
	log.Debug("received query")
	s.metrics.query.Add(1)

	// A edns-tcp-keepalive option on a QUIC stream is a fatal error per RFC 9250.
	if edns0 := q.IsEdns0(); edns0 != nil {
		for _, opt := range edns0.Option {
			if opt.Option() == dns.EDNS0TCPKEEPALIVE {
				log.Error("received edns-tcp-keepalive, aborting")
				s.metrics.err.Add("keepalive", 1)
				return
			}
		}
	}

	a := s.dispatcher.Handle(q, ci)
	if a == nil {
		s.metrics.drop.Add(1)
		return
	}

	p, err := a.Pack()
	if err != nil {
		log.WithError(err).Error("failed to encode response")
		s.metrics.err.Add("encode", 1)
		return
	}

	out := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(out, uint16(len(p)))
	copy(out[2:], p)

	_ = stream.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err = stream.Write(out); err != nil {
		s.metrics.err.Add("send", 1)
		log.WithError(err).Error("failed to send response")
	}
	s.metrics.response.Add(rCode(a), 1)
}

func (s *DoQListener) String() string {
	return s.id
}
