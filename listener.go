package sinkhole

import (
	"fmt"
	"net"
)

// Listener is a DNS-query-accepting frontend: a UDP/TCP socket, a
// DNS-over-TLS, DNS-over-HTTPS, or DNS-over-QUIC server. It hands every
// accepted query to a Dispatcher.
type Listener interface {
	Start() error
	Stop() error
	fmt.Stringer
}

// ListenOptions are shared by all Listener implementations.
type ListenOptions struct {
	// AllowedNet restricts which client networks may query this listener.
	// Empty means no restriction.
	AllowedNet []*net.IPNet
}
