// Package audit builds and verifies the Merkle-proof challenges a renter
// uses to confirm a farmer still holds a shard.
package audit

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required leaf hash construction
)

// ChallengeBytes is the size of each random audit challenge. It is a fixed
// constant equal to the default AUDIT_BYTES; the config value is not read here.
const ChallengeBytes = 32

// emptyLeafHash is RIPEMD160(SHA256("")), used to pad the leaf list to a
// power of two.
var emptyLeafHash = func() [20]byte {
	return hash160(nil)
}()

func hash160(b []byte) [20]byte {
	sha := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sha[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}

// GenerateChallenges produces n random 32-byte challenges.
func GenerateChallenges(n uint32) ([][ChallengeBytes]byte, error) {
	out := make([][ChallengeBytes]byte, n)
	for i := range out {
		if _, err := rand.Read(out[i][:]); err != nil {
			return nil, fmt.Errorf("audit: generate challenge: %w", err)
		}
	}
	return out, nil
}

// Leaf computes RIPEMD160(SHA256(RIPEMD160(SHA256(challenge || shard)))),
// the double-hashed audit leaf scheme used throughout this package.
func Leaf(challenge [ChallengeBytes]byte, shard []byte) [20]byte {
	combined := append(append([]byte{}, challenge[:]...), shard...)
	inner := hash160(combined)
	return hash160(inner[:])
}

// BuildLeaves computes one leaf per challenge against shard, padding the
// result to the next power of two with emptyLeafHash. When challenges is
// empty the result is nil (audit_count == 0 means no leaves, AUDIT not
// offered).
func BuildLeaves(challenges [][ChallengeBytes]byte, shard []byte) [][20]byte {
	if len(challenges) == 0 {
		return nil
	}
	leaves := make([][20]byte, len(challenges))
	for i, c := range challenges {
		leaves[i] = Leaf(c, shard)
	}
	return padToPowerOfTwo(leaves)
}

func padToPowerOfTwo(leaves [][20]byte) [][20]byte {
	n := 1
	for n < len(leaves) {
		n *= 2
	}
	for len(leaves) < n {
		leaves = append(leaves, emptyLeafHash)
	}
	return leaves
}

// Tree is the level-by-level set of nodes for a fixed leaf set, leaf level
// first, root level last.
type Tree [][][20]byte

// Build constructs a Merkle tree from already-hashed leaves; no further
// hashing is applied to the leaf level, since Leaf has already
// double-hashed each one.
func Build(leaves [][20]byte) (Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("audit: no leaves")
	}
	level := append([][20]byte{}, leaves...)
	tree := Tree{level}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][20]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = combine(level[i], level[i+1])
		}
		tree = append(tree, next)
		level = next
	}
	return tree, nil
}

func combine(a, b [20]byte) [20]byte {
	return hash160(append(append([]byte{}, a[:]...), b[:]...))
}

// Root returns the tree's root hash.
func (t Tree) Root() [20]byte {
	return t[len(t)-1][0]
}

// Proof returns the sibling-hash proof for the leaf at index, ordered from
// the leaf level upward.
func (t Tree) Proof(index uint32) ([][20]byte, error) {
	if int(index) >= len(t[0]) {
		return nil, fmt.Errorf("audit: index out of range")
	}
	proof := make([][20]byte, 0, len(t)-1)
	idx := int(index)
	for i := 0; i < len(t)-1; i++ {
		level := t[i]
		if idx%2 == 0 {
			proof = append(proof, level[idx+1])
		} else {
			proof = append(proof, level[idx-1])
		}
		idx /= 2
	}
	return proof, nil
}

// VerifyPath checks that proof reconstructs root for leaf at index.
func VerifyPath(root [20]byte, leaf [20]byte, proof [][20]byte, index uint32) bool {
	hash := leaf
	for _, p := range proof {
		if index%2 == 0 {
			hash = combine(hash, p)
		} else {
			hash = combine(p, hash)
		}
		index /= 2
	}
	return bytes.Equal(hash[:], root[:])
}

// Response is what a farmer returns for an AUDIT request: the stored root,
// the full leaf set used to position the proof, and the pre-hash ("pre-leaf")
// value the renter recomputes Leaf() from to confirm the farmer actually
// read fresh shard bytes rather than replaying a cached leaf.
type Response struct {
	Root    [20]byte
	Leaves  [][20]byte
	PreLeaf [20]byte
}

// Respond reads shard bytes and builds the proof response for challenge at
// leafIndex within a tree whose full leaf set is already known (so the
// farmer does not need to regenerate every leaf, only the challenged one).
func Respond(challenge [ChallengeBytes]byte, shard []byte, leaves [][20]byte, leafIndex uint32) (Response, error) {
	combined := append(append([]byte{}, challenge[:]...), shard...)
	pre := hash160(combined)
	return Response{
		Root:    mustRoot(leaves),
		Leaves:  leaves,
		PreLeaf: pre,
	}, nil
}

func mustRoot(leaves [][20]byte) [20]byte {
	tree, err := Build(leaves)
	if err != nil {
		return [20]byte{}
	}
	return tree.Root()
}

// VerifyResponse recomputes the final leaf hash from PreLeaf and confirms
// the Merkle path against the locally stored root for leafIndex.
func VerifyResponse(storedRoot [20]byte, resp Response, leafIndex uint32) bool {
	if !bytes.Equal(resp.Root[:], storedRoot[:]) {
		return false
	}
	finalLeaf := hash160(resp.PreLeaf[:])
	tree, err := Build(resp.Leaves)
	if err != nil {
		return false
	}
	proof, err := tree.Proof(leafIndex)
	if err != nil {
		return false
	}
	return VerifyPath(storedRoot, finalLeaf, proof, leafIndex)
}
