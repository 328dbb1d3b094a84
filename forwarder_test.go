package sinkhole

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func startEchoDNSServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		a := new(dns.Msg)
		a.SetReply(r)
		a.Answer = append(a.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP("93.184.216.34"),
		})
		_ = w.WriteMsg(a)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSForwarderResolve(t *testing.T) {
	addr := startEchoDNSServer(t)
	f := NewDNSForwarder("test", addr, "udp", time.Second)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	a, err := f.Resolve(q, ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeSuccess, a.Rcode)
	require.Len(t, a.Answer, 1)
}

type countingForwarder struct {
	name  string
	calls int
}

func (f *countingForwarder) Resolve(q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	f.calls++
	a := new(dns.Msg)
	a.SetReply(q)
	return a, nil
}

func (f *countingForwarder) String() string { return f.name }

func TestForwarderPoolRoundRobins(t *testing.T) {
	a := &countingForwarder{name: "a"}
	b := &countingForwarder{name: "b"}
	pool := NewForwarderPool(a, b)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	for i := 0; i < 4; i++ {
		_, err := pool.Resolve(q, ClientInfo{})
		require.NoError(t, err)
	}
	require.Equal(t, 2, a.calls)
	require.Equal(t, 2, b.calls)
}

func TestForwarderPoolString(t *testing.T) {
	a := &countingForwarder{name: "a"}
	b := &countingForwarder{name: "b"}
	pool := NewForwarderPool(a, b)
	require.Equal(t, "ForwarderPool(a;b)", pool.String())
}
