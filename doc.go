/*
Package sinkhole implements a recursive-looking DNS sinkhole forwarder.
It intercepts incoming queries, checks the query name against an
in-memory blocklist built from one or more remote or local lists, and
either synthesizes an NXDOMAIN response or forwards the query to an
upstream resolver.

Engine

The Engine (engine.go) owns the active blocklist snapshot: a trie
(trie.go) carrying per-list provenance plus allow-list overlays. A
rebuild fetches and parses every configured list (fetchcache.go,
parser.go) off to the side and atomically swaps the result in; readers
never observe a partially-built snapshot.

Dispatcher

The Dispatcher (dispatcher.go) is the DNS request handler: it consults
the Engine and either answers NXDOMAIN directly or delegates to a
Forwarder (forwarder.go) representing the configured upstream
resolvers.

Listeners

Listeners (dnslistener.go, dotlistener.go, dohlistener.go,
doqlistener.go) accept client queries over UDP/TCP, DNS-over-TLS,
DNS-over-HTTPS, or DNS-over-QUIC/HTTP3 and hand them to a Dispatcher.

Admin API

admin.go exposes a small read-only HTTP surface for liveness, stats,
and per-domain blocklist introspection.
*/
package sinkhole
