package sinkhole

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jtacoma/uritemplates"
	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

// DoHForwarderOptions configures a DNS-over-HTTPS Forwarder.
type DoHForwarderOptions struct {
	// Method is "GET" or "POST"; POST is the default.
	Method string

	TLSConfig *tls.Config

	// QueryTimeout bounds one request/response round trip.
	QueryTimeout time.Duration
}

// DoHForwarder is a DNS-over-HTTPS upstream, adapted from the teacher's
// DoHClient but limited to a plain TCP/TLS transport: the QUIC/HTTP3
// variant is treated as an external collaborator, same as the rest of
// this package's wire-level transport plumbing.
type DoHForwarder struct {
	id       string
	endpoint string
	template *uritemplates.UriTemplate
	client   *http.Client
	opt      DoHForwarderOptions
	metrics  *ListenerMetrics
}

var _ Forwarder = &DoHForwarder{}

// NewDoHForwarder returns a Forwarder that sends queries to the DoH
// endpoint (a URL, optionally a URI template for GET's "dns" variable).
func NewDoHForwarder(id, endpoint string, opt DoHForwarderOptions) (*DoHForwarder, error) {
	template, err := uritemplates.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       opt.TLSConfig,
		DisableCompression:    true,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
	}
	if tr.TLSClientConfig != nil {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, err
		}
	}

	if opt.Method == "" {
		opt.Method = "POST"
	}
	if opt.Method != "POST" && opt.Method != "GET" {
		return nil, fmt.Errorf("unsupported method '%s'", opt.Method)
	}
	if opt.QueryTimeout == 0 {
		opt.QueryTimeout = defaultQueryTimeout
	}

	return &DoHForwarder{
		id:       id,
		endpoint: endpoint,
		template: template,
		client:   &http.Client{Transport: tr},
		opt:      opt,
		metrics:  NewListenerMetrics("client", id),
	}, nil
}

// Resolve forwards q to the DoH endpoint and returns its answer.
func (d *DoHForwarder) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	q = q.Copy()

	logger("forwarder.doh", ci).WithField("resolver", d.endpoint).Debug("querying upstream resolver")

	msg, err := q.Pack()
	if err != nil {
		d.metrics.err.Add("pack", 1)
		return nil, err
	}
	d.metrics.query.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), d.opt.QueryTimeout)
	defer cancel()

	req, err := d.buildRequest(ctx, msg)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.metrics.err.Add(req.Method, 1)
		return nil, err
	}
	defer resp.Body.Close()

	return d.responseFromHTTP(resp)
}

func (d *DoHForwarder) buildRequest(ctx context.Context, msg []byte) (*http.Request, error) {
	switch d.opt.Method {
	case "POST":
		return d.buildPostRequest(ctx, msg)
	case "GET":
		return d.buildGetRequest(ctx, msg)
	default:
		return nil, errors.New("unsupported method")
	}
}

func (d *DoHForwarder) buildPostRequest(ctx context.Context, msg []byte) (*http.Request, error) {
	u, err := d.template.Expand(map[string]interface{}{})
	if err != nil {
		d.metrics.err.Add("template", 1)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(msg))
	if err != nil {
		d.metrics.err.Add("http", 1)
		return nil, err
	}
	req.Header.Add("accept", "application/dns-message")
	req.Header.Add("content-type", "application/dns-message")
	return req, nil
}

func (d *DoHForwarder) buildGetRequest(ctx context.Context, msg []byte) (*http.Request, error) {
	b64 := base64.RawURLEncoding.EncodeToString(msg)

	u, err := d.template.Expand(map[string]interface{}{"dns": b64})
	if err != nil {
		d.metrics.err.Add("template", 1)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		d.metrics.err.Add("http", 1)
		return nil, err
	}
	req.Header.Add("accept", "application/dns-message")
	return req, nil
}

func (d *DoHForwarder) responseFromHTTP(resp *http.Response) (*dns.Msg, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.metrics.err.Add(fmt.Sprintf("http%d", resp.StatusCode), 1)
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		d.metrics.err.Add("read", 1)
		return nil, err
	}
	a := new(dns.Msg)
	if err := a.Unpack(rb); err != nil {
		d.metrics.err.Add("unpack", 1)
		return nil, err
	}
	d.metrics.response.Add(rCode(a), 1)
	return a, nil
}

func (d *DoHForwarder) String() string {
	return d.id
}
