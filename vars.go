package sinkhole

import (
	"expvar"
	"fmt"
)

// getVarInt returns an *expvar.Int with the given path, creating it on
// first use so repeated calls (e.g. across a test run) return the same var.
func getVarInt(base, id, name string) *expvar.Int {
	fullname := fmt.Sprintf("sinkhole.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// getVarMap returns an *expvar.Map with the given path.
func getVarMap(base, id, name string) *expvar.Map {
	fullname := fmt.Sprintf("sinkhole.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}

// ListenerMetrics are the expvar counters shared by listeners and the
// upstream forwarder pipeline: queries seen, responses by rcode, errors by
// kind, drops, and the high-water mark of the in-flight request queue.
type ListenerMetrics struct {
	query       *expvar.Int
	response    *expvar.Map
	err         *expvar.Map
	drop        *expvar.Int
	maxQueueLen *expvar.Int
}

// NewListenerMetrics registers (or reuses) the counters for one listener
// or forwarder instance identified by id under base ("listener" or
// "client").
func NewListenerMetrics(base, id string) *ListenerMetrics {
	return &ListenerMetrics{
		query:       getVarInt(base, id, "query"),
		response:    getVarMap(base, id, "response"),
		err:         getVarMap(base, id, "error"),
		drop:        getVarInt(base, id, "drop"),
		maxQueueLen: getVarInt(base, id, "max-queue-len"),
	}
}
