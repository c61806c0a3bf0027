// Package storage implements the per-shard metadata record (Item) and the
// on-disk shard byte store it wraps, plus the periodic sweep that retires
// items once every contract against them has ended.
package storage

import (
	"sync"
	"time"

	"shardpeer/contract"
)

// ChallengeSet is the renter's private set of audit challenges for one
// counterparty, kept out of the wire-visible contract.
type ChallengeSet [][32]byte

// Item is the in-memory record for one data_hash: the set of contracts
// negotiated against it, keyed by counterparty node id, plus the renter-side
// audit bookkeeping and a handle to the shard bytes once they arrive.
type Item struct {
	mu sync.RWMutex

	Hash string

	contracts         map[string]*contract.Contract
	publicTrees       map[string][][20]byte // renter-id -> leaf set
	privateChallenges map[string]ChallengeSet

	hasShard bool
}

// NewItem creates an empty item for hash, created on first OFFER acceptance.
func NewItem(hash string) *Item {
	return &Item{
		Hash:              hash,
		contracts:         make(map[string]*contract.Contract),
		publicTrees:       make(map[string][][20]byte),
		privateChallenges: make(map[string]ChallengeSet),
	}
}

// PutContract installs or replaces the contract held against counterparty.
func (it *Item) PutContract(counterpartyID string, c *contract.Contract) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.contracts[counterpartyID] = c
}

// Contract returns the contract held against counterparty, if any.
func (it *Item) Contract(counterpartyID string) (*contract.Contract, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	c, ok := it.contracts[counterpartyID]
	return c, ok
}

// Contracts returns a snapshot of every contract held on this item.
func (it *Item) Contracts() []*contract.Contract {
	it.mu.RLock()
	defer it.mu.RUnlock()
	out := make([]*contract.Contract, 0, len(it.contracts))
	for _, c := range it.contracts {
		out = append(out, c)
	}
	return out
}

// InstallTree records the public leaf set for renterID (CONSIGN's tree
// installation step).
func (it *Item) InstallTree(renterID string, leaves [][20]byte) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.publicTrees[renterID] = leaves
}

// Tree returns the installed leaf set for renterID.
func (it *Item) Tree(renterID string) ([][20]byte, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	leaves, ok := it.publicTrees[renterID]
	return leaves, ok
}

// SetChallenges records the renter's private challenge set for farmerID.
func (it *Item) SetChallenges(farmerID string, challenges ChallengeSet) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.privateChallenges[farmerID] = challenges
}

// Challenges returns the private challenge set for farmerID.
func (it *Item) Challenges(farmerID string) (ChallengeSet, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	c, ok := it.privateChallenges[farmerID]
	return c, ok
}

// MarkShardPresent records that shard bytes have arrived (CONSIGN's shard
// arrival step).
func (it *Item) MarkShardPresent() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.hasShard = true
}

// HasShard reports whether shard bytes are present.
func (it *Item) HasShard() bool {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.hasShard
}

// Expired reports whether every contract held on this item has ended as of
// now — the precondition for the reaper to consider the item destroyable.
func (it *Item) Expired(now time.Time) bool {
	it.mu.RLock()
	defer it.mu.RUnlock()
	if len(it.contracts) == 0 {
		return false
	}
	for _, c := range it.contracts {
		if now.Unix()*1000 < c.StoreEnd {
			return false
		}
	}
	return true
}
