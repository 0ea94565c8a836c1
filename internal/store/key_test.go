// ABOUTME: Tests for ConversationKey derivation
// ABOUTME: Covers order independence and collision resistance for tricky identifiers

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyFor_OrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"", "x"},
		{"same", "same"},
		{"Zed", "abe"},
		{"日本", "chat"},
	}
	for _, p := range pairs {
		assert.Equal(t, KeyFor(p[0], p[1]), KeyFor(p[1], p[0]), "pair %q", p)
	}
}

func TestKeyFor_DistinctPairsDistinctKeys(t *testing.T) {
	// Pairs chosen to collide under naive concatenation schemes.
	pairs := [][2]string{
		{"a", "b"},
		{"a_b", "c"},
		{"a", "b_c"},
		{"a|1:b", "c"},
		{"a", "1:b|1:c"},
		{"a:b", "c"},
		{"a", "b:c"},
		{"ab", ""},
		{"a", "b "},
		{"", ""},
	}

	seen := make(map[ConversationKey][2]string)
	for _, p := range pairs {
		k := KeyFor(p[0], p[1])
		if prev, ok := seen[k]; ok {
			t.Fatalf("pairs %q and %q share key %q", prev, p, k)
		}
		seen[k] = p
	}
}

func TestKeyFor_Deterministic(t *testing.T) {
	assert.Equal(t, ConversationKey("5:alice|3:bob"), KeyFor("bob", "alice"))
	assert.Equal(t, "5:alice|3:bob", KeyFor("alice", "bob").String())
}
