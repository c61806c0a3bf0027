package dhtnet

import (
	"crypto/sha256"
	"math/big"
	"sort"
	"sync"

	"shardpeer/protocol"
)

// Table is a minimal in-memory Kademlia-flavored peer table: it buckets
// known contacts by XOR distance from the local id across 160 binary
// distance buckets. It holds contacts only, no key/value records —
// descriptor caching is handled by offerstream and storage, not by the
// DHT layer.
type Table struct {
	self    string
	mu      sync.RWMutex
	buckets [160][]protocol.Contact
}

// NewTable builds a table rooted at self's node id.
func NewTable(self string) *Table {
	return &Table{self: self}
}

func hash160(s string) [20]byte {
	sum := sha256.Sum256([]byte(s))
	var h [20]byte
	copy(h[:], sum[:20])
	return h
}

// Add inserts or refreshes a contact. A contact is ignored if its identity
// matches self.
func (t *Table) Add(c protocol.Contact) {
	if c.Identity == t.self {
		return
	}
	idx := t.bucketIndex(c.Identity)
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.buckets[idx]
	for i, p := range list {
		if p.Identity == c.Identity {
			list[i] = c
			return
		}
	}
	t.buckets[idx] = append(list, c)
}

// Remove drops a contact by identity, if present.
func (t *Table) Remove(identity string) {
	idx := t.bucketIndex(identity)
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.buckets[idx]
	for i, p := range list {
		if p.Identity == identity {
			t.buckets[idx] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Lookup returns the contact registered for identity, if known.
func (t *Table) Lookup(identity string) (protocol.Contact, bool) {
	idx := t.bucketIndex(identity)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.buckets[idx] {
		if p.Identity == identity {
			return p, true
		}
	}
	return protocol.Contact{}, false
}

// Nearest returns up to count contacts with XOR distance closest to
// target, sorted nearest-first.
func (t *Table) Nearest(target string, count int) []protocol.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []protocol.Contact
	for _, bucket := range t.buckets {
		out = append(out, bucket...)
	}
	sort.Slice(out, func(i, j int) bool {
		return t.distance(out[i].Identity, target).Cmp(t.distance(out[j].Identity, target)) < 0
	})
	if len(out) > count {
		out = out[:count]
	}
	return out
}

// All returns every contact currently held, in no particular order.
func (t *Table) All() []protocol.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []protocol.Contact
	for _, bucket := range t.buckets {
		out = append(out, bucket...)
	}
	return out
}

func (t *Table) bucketIndex(id string) int {
	a := hash160(t.self)
	b := hash160(id)
	var diff [20]byte
	for i := range diff {
		diff[i] = a[i] ^ b[i]
	}
	bn := new(big.Int).SetBytes(diff[:])
	if bn.Sign() == 0 {
		return 159
	}
	return 159 - bn.BitLen() + 1
}

func (t *Table) distance(a, b string) *big.Int {
	aa := hash160(a)
	bb := hash160(b)
	var diff [20]byte
	for i := range diff {
		diff[i] = aa[i] ^ bb[i]
	}
	return new(big.Int).SetBytes(diff[:])
}
