package sinkhole

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// defaultListenerIdleTimeout is used when a listener's IdleTimeout option
// is left at its zero value.
const defaultListenerIdleTimeout = 10 * time.Second

// DoTListener is a DNS listener/server for DNS-over-TLS.
type DoTListener struct {
	*dns.Server
	id string
}

var _ Listener = &DoTListener{}

// DoTListenerOptions contains options used by the DNS-over-TLS server.
type DoTListenerOptions struct {
	ListenOptions
	TLSConfig *tls.Config

	// IdleTimeout bounds read/write and connection idle time. Zero means
	// defaultListenerIdleTimeout.
	IdleTimeout time.Duration
}

// NewDoTListener returns a DNS-over-TLS listener dispatching accepted
// queries to dispatcher.
func NewDoTListener(id, addr string, opt DoTListenerOptions, dispatcher *Dispatcher) *DoTListener {
	idleTimeout := opt.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultListenerIdleTimeout
	}
	return &DoTListener{
		id: id,
		Server: &dns.Server{
			Addr:         addr,
			Net:          "tcp-tls",
			TLSConfig:    opt.TLSConfig,
			Handler:      listenHandler(id, "dot", dispatcher, opt.AllowedNet),
			ReadTimeout:  idleTimeout,
			WriteTimeout: idleTimeout,
			IdleTimeout:  func() time.Duration { return idleTimeout },
		},
	}
}

// Start the DoT server.
func (s *DoTListener) Start() error {
	Log.WithFields(map[string]interface{}{"id": s.id, "protocol": "dot", "addr": s.Addr}).Info("starting listener")
	return s.ListenAndServe()
}

// Stop the server.
func (s *DoTListener) Stop() error {
	Log.WithFields(map[string]interface{}{"id": s.id, "protocol": "dot", "addr": s.Addr}).Info("stopping listener")
	return s.Shutdown()
}

func (s *DoTListener) String() string {
	return fmt.Sprintf("DoT(%s)", s.Addr)
}
