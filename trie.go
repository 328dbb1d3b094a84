package sinkhole

import (
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// trieNode is one label boundary in the reversed-domain trie. children are
// keyed by the next label (innermost-first, i.e. TLD first), mirroring the
// teacher's DomainDB node shape but carrying per-list provenance instead of
// a single matched/unmatched leaf.
type trieNode struct {
	children map[string]*trieNode
	sources  *bitset.BitSet
	allowed  bool
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

func (n *trieNode) blockedHere() bool {
	return n.sources != nil && n.sources.Any() && !n.allowed
}

// trie is the reversed-domain prefix structure backing the blocklist
// engine. It is built by a single writer (Engine.Rebuild) and then handed
// off read-only to concurrent lookups; trie itself holds no lock, callers
// serialize access via the engine's snapshot discipline.
type trie struct {
	root *trieNode
	size int // nodes with at least one source bit set
}

func newTrie() *trie {
	return &trie{root: newTrieNode()}
}

// labelsReversed splits a normalized domain into its labels ordered from
// the TLD inward, e.g. "tracker.ads.example" -> ["example", "ads", "tracker"].
func labelsReversed(d Domain) []string {
	if d == "" {
		return nil
	}
	parts := strings.Split(string(d), ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// insert adds domain under list index listIdx. It reports whether that list
// had already contributed this exact domain (the prior value of the bit),
// which the engine uses to compute per-list novelty counts.
func (t *trie) insert(d Domain, listIdx int) bool {
	if d == "" {
		return false
	}
	n := t.root
	for _, label := range labelsReversed(d) {
		next, ok := n.children[label]
		if !ok {
			next = newTrieNode()
			n.children[label] = next
		}
		n = next
	}
	wasEmpty := n.sources == nil || !n.sources.Any()
	if n.sources == nil {
		n.sources = bitset.New(uint(listIdx + 1))
	}
	already := n.sources.Test(uint(listIdx))
	n.sources.Set(uint(listIdx))
	if wasEmpty && !already {
		t.size++
	}
	return already
}

// blocked reports whether domain is blocked. With includeSubdomains=false it
// is an exact point lookup; with it true, the deepest matching ancestor
// (closest to the full name) determines the verdict.
func (t *trie) blocked(d Domain, includeSubdomains bool) bool {
	if !includeSubdomains {
		n := t.lookupExact(d)
		return n != nil && n.blockedHere()
	}
	verdict := false
	n := t.root
	for _, label := range labelsReversed(d) {
		next, ok := n.children[label]
		if !ok {
			break
		}
		n = next
		if n.allowed {
			verdict = false
		} else if n.sources != nil && n.sources.Any() {
			verdict = true
		}
	}
	return verdict
}

func (t *trie) lookupExact(d Domain) *trieNode {
	n := t.root
	for _, label := range labelsReversed(d) {
		next, ok := n.children[label]
		if !ok {
			return nil
		}
		n = next
	}
	return n
}

// QueryMatch is one ancestor hit returned by trie.query.
type QueryMatch struct {
	// Suffix is the matched domain suffix, e.g. "ads.example".
	Suffix string
	// Offset is the byte index into the original domain at which Suffix
	// begins; 0 means the full name matched.
	Offset int
	// Sources lists the block-list indexes that set a bit at this node.
	Sources []int
	Allowed bool
}

// query returns every ancestor match of domain, from the TLD-most boundary
// inward, for use by the admin API's per-domain introspection endpoint.
func (t *trie) query(d Domain) []QueryMatch {
	var matches []QueryMatch
	labels := labelsReversed(d)
	n := t.root
	consumed := 0
	full := string(d)
	for i, label := range labels {
		next, ok := n.children[label]
		if !ok {
			break
		}
		n = next
		consumed += len(label)
		if i > 0 {
			consumed++ // account for the "." joining this label to the previous one
		}
		if n.sources != nil && n.sources.Any() || n.allowed {
			suffix := full[len(full)-consumed:]
			matches = append(matches, QueryMatch{
				Suffix:  suffix,
				Offset:  len(full) - consumed,
				Sources: setBits(n.sources),
				Allowed: n.allowed,
			})
		}
	}
	return matches
}

func setBits(b *bitset.BitSet) []int {
	if b == nil {
		return nil
	}
	var out []int
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// allow marks domain as allowed. With includeSubdomains it also marks every
// descendant of domain's subtree as allowed, creating intermediate synthetic
// nodes as needed; the exact node for domain is always marked, created if
// absent.
func (t *trie) allow(d Domain, includeSubdomains bool) {
	n := t.root
	for _, label := range labelsReversed(d) {
		next, ok := n.children[label]
		if !ok {
			next = newTrieNode()
			n.children[label] = next
		}
		n = next
	}
	n.allowed = true
	if includeSubdomains {
		markSubtreeAllowed(n)
	}
}

func markSubtreeAllowed(n *trieNode) {
	for _, child := range n.children {
		child.allowed = true
		markSubtreeAllowed(child)
	}
}

// shrinkToFit is a post-build optimization hook; the map-backed trie has
// nothing to compact.
func (t *trie) shrinkToFit() {}

// len returns the number of nodes carrying at least one source bit,
// excluding allow-only synthetic nodes.
func (t *trie) len() int {
	return t.size
}
