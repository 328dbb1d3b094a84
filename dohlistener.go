package sinkhole

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// DoHListener is a DNS listener/server for DNS-over-HTTPS, dispatching
// every decoded query to a Dispatcher.
type DoHListener struct {
	httpServer *http.Server
	quicServer *http3.Server

	id         string
	addr       string
	dispatcher *Dispatcher
	opt        DoHListenerOptions

	mux *http.ServeMux

	expSession  *expvar.Map // Transport query was received over.
	expMethod   *expvar.Map // HTTP method used for query.
	expQuery    *expvar.Int // DNS query count.
	expResponse *expvar.Map // DNS response code.
	expError    *expvar.Map // Failure reason.
	expDrop     *expvar.Int // Number of queries dropped internally.
}

var _ Listener = &DoHListener{}

// DoHListenerOptions contains options used by the DNS-over-HTTPS server.
type DoHListenerOptions struct {
	ListenOptions

	// Transport protocol to run HTTPS over. "quic" or "tcp", defaults to "tcp".
	Transport string

	// Path is the HTTP path queries arrive on, defaults to "/dns-query".
	Path string

	TLSConfig *tls.Config

	// HTTPProxyAddr is the IP of a known reverse proxy in front of this
	// server; its X-Forwarded-For header is trusted only when the direct
	// peer is this address.
	HTTPProxyAddr net.IP

	// IdleTimeout bounds read/write on the TCP transport and connection
	// idle time on the QUIC transport. Zero means defaultListenerIdleTimeout.
	IdleTimeout time.Duration
}

// NewDoHListener returns a DNS-over-HTTPS listener dispatching accepted
// queries to dispatcher.
func NewDoHListener(id, addr string, opt DoHListenerOptions, dispatcher *Dispatcher) (*DoHListener, error) {
	switch opt.Transport {
	case "tcp", "":
		opt.Transport = "tcp"
	case "quic":
		opt.Transport = "quic"
	default:
		return nil, fmt.Errorf("unknown protocol: '%s'", opt.Transport)
	}
	if opt.Path == "" {
		opt.Path = "/dns-query"
	}
	if opt.IdleTimeout <= 0 {
		opt.IdleTimeout = defaultListenerIdleTimeout
	}

	l := &DoHListener{
		id:          id,
		addr:        addr,
		dispatcher:  dispatcher,
		opt:         opt,
		mux:         http.NewServeMux(),
		expSession:  getVarMap("listener", id, "session"),
		expMethod:   getVarMap("listener", id, "method"),
		expQuery:    getVarInt("listener", id, "query"),
		expResponse: getVarMap("listener", id, "response"),
		expError:    getVarMap("listener", id, "error"),
		expDrop:     getVarInt("listener", id, "drop"),
	}
	l.mux.Handle(opt.Path, http.HandlerFunc(l.dohHandler))
	return l, nil
}

// Start the DoH server.
func (s *DoHListener) Start() error {
	Log.WithFields(map[string]interface{}{"id": s.id, "protocol": "doh", "addr": s.addr}).Info("starting listener")
	if s.opt.Transport == "quic" {
		return s.startQUIC()
	}
	return s.startTCP()
}

// startTCP runs the DoH server over TCP/TLS with HTTP/1.1 and HTTP/2.
func (s *DoHListener) startTCP() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		TLSConfig:    s.opt.TLSConfig,
		Handler:      s.mux,
		ReadTimeout:  s.opt.IdleTimeout,
		WriteTimeout: s.opt.IdleTimeout,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.httpServer.ServeTLS(ln, "", "")
}

// startQUIC runs the DoH server over HTTP/3.
func (s *DoHListener) startQUIC() error {
	s.quicServer = &http3.Server{
		Addr:      s.addr,
		TLSConfig: s.opt.TLSConfig,
		Handler:   s.mux,
		QUICConfig: &quic.Config{
			MaxIdleTimeout: s.opt.IdleTimeout,
		},
	}
	return s.quicServer.ListenAndServe()
}

// Stop the server.
func (s *DoHListener) Stop() error {
	Log.WithFields(map[string]interface{}{"id": s.id, "protocol": "doh", "addr": s.addr}).Info("stopping listener")
	if s.opt.Transport == "quic" {
		return s.quicServer.Close()
	}
	return s.httpServer.Shutdown(context.Background())
}

func (s *DoHListener) String() string {
	return s.id
}

func (s *DoHListener) dohHandler(w http.ResponseWriter, r *http.Request) {
	s.expSession.Add(s.opt.Transport, 1)
	s.expMethod.Add(r.Method, 1)
	switch r.Method {
	case http.MethodGet:
		s.getHandler(w, r)
	case http.MethodPost:
		s.postHandler(w, r)
	default:
		http.Error(w, "only GET and POST allowed", http.StatusMethodNotAllowed)
	}
}

func (s *DoHListener) getHandler(w http.ResponseWriter, r *http.Request) {
	b64, ok := r.URL.Query()["dns"]
	if !ok || len(b64) < 1 {
		http.Error(w, "no dns query parameter found", http.StatusBadRequest)
		return
	}
	b, err := base64.RawURLEncoding.DecodeString(b64[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.parseAndRespond(b, w, r)
}

func (s *DoHListener) postHandler(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.parseAndRespond(b, w, r)
}

// extractClientAddress pulls the client address from the HTTP connection,
// trusting X-Forwarded-For only when the direct peer is the configured
// reverse proxy.
func (s *DoHListener) extractClientAddress(r *http.Request) net.IP {
	client, _, _ := net.SplitHostPort(r.RemoteAddr)
	clientIP := net.ParseIP(client)

	xForwardedFor := r.Header.Get("X-Forwarded-For")
	if s.opt.HTTPProxyAddr == nil || xForwardedFor == "" || len(xForwardedFor) >= 1024 {
		return clientIP
	}

	chain := strings.Split(xForwardedFor, ", ")
	if clientIP != nil && s.opt.HTTPProxyAddr.Equal(clientIP) {
		if ip := net.ParseIP(chain[len(chain)-1]); ip != nil && !ip.IsLoopback() {
			return ip
		}
	}
	return clientIP
}

func (s *DoHListener) parseAndRespond(b []byte, w http.ResponseWriter, r *http.Request) {
	s.expQuery.Add(1)
	q := new(dns.Msg)
	if err := q.Unpack(b); err != nil {
		s.expError.Add("unpack", 1)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	clientIP := s.extractClientAddress(r)
	if clientIP == nil {
		s.expError.Add("remoteaddr", 1)
		http.Error(w, "invalid RemoteAddr", http.StatusBadRequest)
		return
	}
	ci := ClientInfo{SourceIP: clientIP, Listener: s.id}
	log := logger(s.id, ci).WithField("protocol", "doh")
	log.Debug("received query")

	var a *dns.Msg
	if isAllowed(s.opt.AllowedNet, ci.SourceIP) {
		a = s.dispatcher.Handle(q, ci)
	} else {
		log.Debug("refusing client ip")
		a = new(dns.Msg)
		a.SetRcode(q, dns.RcodeRefused)
	}

	if a == nil {
		s.expDrop.Add(1)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	s.expResponse.Add(dns.RcodeToString[a.Rcode], 1)
	out, err := a.Pack()
	if err != nil {
		s.expError.Add("pack", 1)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/dns-message")
	_, _ = w.Write(out)
}
