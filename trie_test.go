package sinkhole

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrieInsertIdempotentPerList(t *testing.T) {
	tr := newTrie()
	already := tr.insert("ads.example", 0)
	require.False(t, already)
	require.Equal(t, 1, tr.len())

	already = tr.insert("ads.example", 0)
	require.True(t, already)
	require.Equal(t, 1, tr.len())
}

func TestTrieInsertAdditiveAcrossLists(t *testing.T) {
	tr := newTrie()
	tr.insert("ads.example", 0)
	already := tr.insert("ads.example", 1)
	require.False(t, already)
	require.Equal(t, 1, tr.len())

	n := tr.lookupExact("ads.example")
	require.True(t, n.sources.Test(0))
	require.True(t, n.sources.Test(1))
}

func TestTrieUnrelatedDomainNotBlocked(t *testing.T) {
	tr := newTrie()
	tr.insert("ads.example", 0)
	require.False(t, tr.blocked("totally.different.net", false))
}

func TestTrieHierarchicalVsExact(t *testing.T) {
	tr := newTrie()
	tr.insert("ads.example", 0)

	require.True(t, tr.blocked("sub.ads.example", true))
	require.False(t, tr.blocked("sub.ads.example", false))
}

func TestTrieAllowExactOverridesBlock(t *testing.T) {
	tr := newTrie()
	tr.insert("ads.example", 0)
	tr.allow("ads.example", false)

	require.False(t, tr.blocked("ads.example", false))
	require.False(t, tr.blocked("ads.example", true))
}

func TestTrieAllowSubtreeOverridesDescendantBlock(t *testing.T) {
	tr := newTrie()
	tr.insert("ads.example", 0)
	tr.insert("sub.ads.example", 0)
	tr.allow("ads.example", true)

	require.False(t, tr.blocked("sub.ads.example", true))
}

func TestTrieAllowUnseenDomainDoesNotBlock(t *testing.T) {
	tr := newTrie()
	tr.allow("never.inserted.example", true)

	require.False(t, tr.blocked("never.inserted.example", false))
	require.False(t, tr.blocked("never.inserted.example", true))
}

func TestTrieQueryReturnsAncestorOffsets(t *testing.T) {
	tr := newTrie()
	tr.insert("example", 0)
	tr.insert("ads.example", 1)

	matches := tr.query("tracker.ads.example")
	require.Len(t, matches, 2)

	require.Equal(t, "example", matches[0].Suffix)
	require.Equal(t, []int{0}, matches[0].Sources)
	require.Equal(t, 12, matches[0].Offset)

	require.Equal(t, "ads.example", matches[1].Suffix)
	require.Equal(t, []int{1}, matches[1].Sources)
	require.Equal(t, 8, matches[1].Offset)
}

func TestTrieQueryEmptyWhenNoMatch(t *testing.T) {
	tr := newTrie()
	tr.insert("example", 0)
	require.Empty(t, tr.query("other"))
}
