package sinkhole

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidEndpoint returns nil if the endpoint address in the form of
// <host>:<port> is valid. Used by cmd/sinkholed's config loader to reject
// bad upstream addresses before a server is ever started.
func ValidEndpoint(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	// See if we have a valid IP
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	return ValidHostname(host)
}

// ValidHostname returns nil if the given name is a valid hostname as per
// https://tools.ietf.org/html/rfc3696#section-2 and
// https://tools.ietf.org/html/rfc1123#page-13. Exported for cmd/sinkholed's
// config loader, which validates a bare listen address (no port attached,
// unlike ValidEndpoint).
func ValidHostname(name string) error {
	if name == "" {
		return errors.New("hostname empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("invalid hostname %q: too long", name)
	}
	name = strings.TrimSuffix(name, ".")
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("invalid hostname %q: empty label", name)
		}
		for _, c := range label {
			if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
				return fmt.Errorf("invalid hostname %q: label can not start or end with -", name)
			}
			switch {
			case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-':
			default:
				return fmt.Errorf("invalid hostname %q: invalid character %q", name, string(c))
			}
		}
	}
	// The last label can not be all-numeric
	for _, c := range labels[len(labels)-1] {
		if c < '0' || c > '9' {
			return nil
		}
	}
	return fmt.Errorf("invalid hostname %q: last label can not be all numeric", name)
}
