package main

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/BurntSushi/toml"

	sinkhole "github.com/sinkholed/sinkholed"
)

// config is the root of the TOML configuration file described in the
// external-interfaces section: one [upstream] block, any number of
// [[downstream]] listeners, one [blocklist] block, and an optional [api]
// block.
type config struct {
	Upstream   upstream     `toml:"upstream"`
	Downstream []downstream `toml:"downstream"`
	Blocklist  blocklist    `toml:"blocklist"`
	API        *api         `toml:"api"`
}

// upstream configures the forwarder this server delegates non-blocked
// queries to. Forwarder wire semantics are an external collaborator;
// this struct only carries enough to select and build one.
type upstream struct {
	// Protocol selects the Forwarder implementation: "udp", "tcp", or "doh".
	Protocol string `toml:"protocol"`

	// Nameservers is one or more upstream endpoints. More than one
	// builds a round-robin ForwarderPool.
	Nameservers []string `toml:"nameservers"`

	TimeoutMs int `toml:"timeout_ms"`

	// DoH-specific.
	Method       string `toml:"method"`
	DNSHostname  string `toml:"dns_hostname"`
	HTTPEndpoint string `toml:"http_endpoint"`
	CACert       string `toml:"ca_cert"`
}

// downstream is one listener, a tagged union keyed by Protocol.
type downstream struct {
	Protocol string `toml:"protocol"`
	Listen   string `toml:"listen"`
	Port     int    `toml:"port"`

	AllowedNet []string `toml:"allowed_net"`

	// tls/https/h3/quic
	Certificate string `toml:"certificate"`
	Key         string `toml:"key"`
	TimeoutMs   int    `toml:"timeout_ms"`

	// https
	DNSHostname  string `toml:"dns_hostname"`
	HTTPEndpoint string `toml:"http_endpoint"`
}

type blocklist struct {
	Lists             []string `toml:"lists"`
	AllowList         []string `toml:"allow_list"`
	IncludeSubdomains bool     `toml:"include_subdomains"`
}

type api struct {
	Listen   string `toml:"listen"`
	Port     int    `toml:"port"`
	ShowDoc  bool   `toml:"show_doc"`
	AdminKey string `toml:"admin_key"`
}

// loadConfig concatenates and decodes one or more TOML fragments,
// rejecting any key the structs above don't know about.
func loadConfig(names ...string) (config, error) {
	b := new(bytes.Buffer)
	for _, name := range names {
		if err := appendFile(b, name); err != nil {
			return config{}, err
		}
		b.WriteString("\n")
	}

	var c config
	meta, err := toml.DecodeReader(b, &c)
	if err != nil {
		return config{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("unknown configuration key(s): %v", undecoded)
	}
	if err := validateAddresses(c); err != nil {
		return config{}, err
	}
	return c, nil
}

// validateAddresses rejects a config whose listen or upstream addresses
// can't possibly resolve, before any listener or forwarder is built.
func validateAddresses(c config) error {
	switch c.Upstream.Protocol {
	case "udp", "tcp", "":
		for _, ns := range c.Upstream.Nameservers {
			if err := sinkhole.ValidEndpoint(ns); err != nil {
				return fmt.Errorf("upstream nameserver %q: %w", ns, err)
			}
		}
	}
	for _, d := range c.Downstream {
		if d.Listen == "" {
			continue
		}
		if ip := net.ParseIP(d.Listen); ip != nil {
			continue
		}
		if err := sinkhole.ValidHostname(d.Listen); err != nil {
			return fmt.Errorf("downstream listen %q: %w", d.Listen, err)
		}
	}
	return nil
}

func appendFile(w io.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func parseCIDRList(networks []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, s := range networks {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return out, err
		}
		out = append(out, n)
	}
	return out, nil
}

func addrWithDefault(listen string, port, defaultPort int) string {
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(listen, fmt.Sprintf("%d", port))
}
