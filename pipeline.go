package sinkhole

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// defaultQueryTimeout bounds how long Pipeline.Resolve waits for an answer
// when the forwarder wasn't configured with an explicit timeout.
const defaultQueryTimeout = 2 * time.Second

// idleTimeout tears down an upstream connection if nothing has been
// received for this long.
const idleTimeout = 10 * time.Second

// DNSDialer is an abstraction for a dns.Client that returns a *dns.Conn.
type DNSDialer interface {
	Dial(address string) (*dns.Conn, error)
}

// Pipeline is a DNS client that pipelines multiple requests over one
// connection, handling out-of-order responses and reconnecting on
// disconnect. It opens a single connection on demand and reuses it for
// every query until the upstream closes it or it goes idle.
type Pipeline struct {
	addr     string
	client   DNSDialer
	requests chan *request
	metrics  *ListenerMetrics
	timeout  time.Duration
}

// NewPipeline returns an initialized (and running) DNS connection manager
// for one upstream address.
func NewPipeline(id, addr string, client DNSDialer, timeout time.Duration) *Pipeline {
	if timeout == 0 {
		timeout = defaultQueryTimeout
	}
	c := &Pipeline{
		addr:     addr,
		client:   client,
		requests: make(chan *request),
		metrics:  NewListenerMetrics("client", id),
		timeout:  timeout,
	}
	go c.start()
	return c
}

// Resolve sends q over this pipeline's connection and waits for the
// matching answer or the configured timeout.
func (c *Pipeline) Resolve(q *dns.Msg) (*dns.Msg, error) {
	r := newRequest(q)

	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()

	select {
	case c.requests <- r:
	case <-timeout.C:
		c.metrics.err.Add("querytimeout", 1)
		return nil, QueryTimeoutError{q}
	}

	select {
	case <-r.done:
	case <-timeout.C:
		c.metrics.err.Add("querytimeout", 1)
		return nil, QueryTimeoutError{q}
	}

	return r.waitFor()
}

// start loops forever, opening an upstream connection on demand and using
// it to write queries and read answers concurrently until the connection
// is torn down (idle timeout, server close, or write error), at which
// point it reconnects on the next request.
func (c *Pipeline) start() {
	var (
		wg       sync.WaitGroup
		inFlight inFlightQueue
	)
	log := Log.WithField("addr", c.addr)
	for req := range c.requests {
		done := make(chan struct{})
		log.Debug("opening connection")
		conn, err := c.client.Dial(c.addr)
		if err != nil {
			c.metrics.err.Add("open", 1)
			log.WithError(err).Error("failed to open connection")
			req.markDone(nil, err)
			continue
		}
		wg.Add(2)

		go func(r *request) { c.requests <- r }(req)

		go func() {
			for {
				select {
				case req := <-c.requests:
					query := inFlight.add(req)
					log.WithField("qname", qName(query)).Debug("sending query")
					c.metrics.query.Add(1)
					if err := conn.WriteMsg(query); err != nil {
						req.markDone(nil, err)
						inFlight.get(query)
						conn.Close()
						wg.Done()
						c.metrics.err.Add("send_query", 1)
						log.WithField("qname", qName(query)).WithError(err).Debug("failed sending query")
						return
					}
				case <-done:
					wg.Done()
					return
				}
			}
		}()
		go func() {
			for {
				_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
				a, err := conn.ReadMsg()
				if err != nil {
					switch e := err.(type) {
					case net.Error:
						if e.Timeout() {
							log.Debug("connection terminated by idle timeout")
						} else {
							c.metrics.err.Add("server_term", 1)
							log.Debug("connection terminated by server")
						}
						close(done)
						wg.Done()
						return
					default:
						if err == io.EOF {
							c.metrics.err.Add("server_eof", 1)
							log.Debug("connection terminated by server")
							close(done)
							wg.Done()
							return
						}
						if a == nil {
							c.metrics.err.Add("read", 1)
							log.WithError(err).Error("read failed")
							close(done)
							wg.Done()
							return
						}
						log.WithError(err).WithField("qname", qName(a)).Warn("failed to read response")
					}
				}
				req := inFlight.get(a)
				if req == nil {
					c.metrics.err.Add("unexpected_a", 1)
					log.WithField("qname", qName(a)).Warn("unexpected answer received, ignoring")
					continue
				}
				c.metrics.response.Add(rCode(a), 1)
				req.markDone(a, nil)
				ql := inFlight.maxQueueLen()
				if ql > c.metrics.maxQueueLen.Value() {
					c.metrics.maxQueueLen.Set(ql)
				}
			}
		}()

		wg.Wait()
	}
}

// request is one in-flight query: its answer and a channel closed when
// resolution completes (successfully or not).
type request struct {
	q, a *dns.Msg
	err  error
	done chan struct{}
}

func newRequest(q *dns.Msg) *request {
	return &request{q: q, done: make(chan struct{})}
}

func (r *request) waitFor() (*dns.Msg, error) {
	<-r.done

	if r.err == nil {
		if len(r.a.Question) > 0 && len(r.q.Question) > 0 {
			q := r.q.Question[0]
			a := r.a.Question[0]
			if a.Name != q.Name || a.Qclass != q.Qclass || a.Qtype != q.Qtype {
				return nil, fmt.Errorf("expected answer for %s, got %s", q.String(), a.String())
			}
		}
	}

	return r.a, r.err
}

func (r *request) markDone(a *dns.Msg, err error) {
	if a != nil {
		a.Id = r.q.Id
	}
	r.a = a
	r.err = err
	close(r.done)
}

// inFlightQueue matches received answers back to their originating
// request by a connection-local query ID, independent of the ID the
// original client used.
type inFlightQueue struct {
	requests  map[uint16]*request
	mu        sync.Mutex
	idCounter uint16
	maxLen    int
}

func (q *inFlightQueue) add(r *request) *dns.Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.requests == nil {
		q.requests = make(map[uint16]*request)
	}
	q.idCounter++
	q.requests[q.idCounter] = r
	query := r.q.Copy()
	query.Id = q.idCounter
	if len(q.requests) > q.maxLen {
		q.maxLen = len(q.requests)
	}
	return query
}

func (q *inFlightQueue) get(a *dns.Msg) *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := a.Id
	r, ok := q.requests[id]
	if !ok {
		return nil
	}
	delete(q.requests, id)
	return r
}

func (q *inFlightQueue) maxQueueLen() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.maxLen)
}
