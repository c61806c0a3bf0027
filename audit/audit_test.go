package audit

import (
	"bytes"
	"testing"
)

func TestBuildLeavesPadsToPowerOfTwo(t *testing.T) {
	challenges, err := GenerateChallenges(3)
	if err != nil {
		t.Fatalf("generate challenges: %v", err)
	}
	shard := []byte("shard payload bytes")
	leaves := BuildLeaves(challenges, shard)
	if len(leaves) != 4 {
		t.Fatalf("expected padding to 4 leaves, got %d", len(leaves))
	}
	if leaves[3] != emptyLeafHash {
		t.Fatal("expected padding leaf to be the empty leaf hash")
	}
}

func TestBuildLeavesEmptyWhenNoChallenges(t *testing.T) {
	leaves := BuildLeaves(nil, []byte("shard"))
	if leaves != nil {
		t.Fatalf("expected nil leaves for zero challenges, got %v", leaves)
	}
}

func TestMerkleProofRoundTrip(t *testing.T) {
	challenges, err := GenerateChallenges(5)
	if err != nil {
		t.Fatalf("generate challenges: %v", err)
	}
	shard := []byte("the quick brown fox jumps over the lazy dog")
	leaves := BuildLeaves(challenges, shard)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	root := tree.Root()
	for i := range leaves {
		proof, err := tree.Proof(uint32(i))
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		if !VerifyPath(root, leaves[i], proof, uint32(i)) {
			t.Fatalf("expected proof %d to verify", i)
		}
	}
}

func TestMerkleProofRejectsTamperedLeaf(t *testing.T) {
	challenges, _ := GenerateChallenges(4)
	shard := []byte("shard data")
	leaves := BuildLeaves(challenges, shard)
	tree, _ := Build(leaves)
	root := tree.Root()
	proof, _ := tree.Proof(0)

	tampered := leaves[0]
	tampered[0] ^= 0xff
	if VerifyPath(root, tampered, proof, 0) {
		t.Fatal("expected tampered leaf to fail verification")
	}
}

func TestRespondVerifyResponse(t *testing.T) {
	challenges, _ := GenerateChallenges(2)
	shard := []byte("farmer-held shard bytes")
	leaves := BuildLeaves(challenges, shard)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	root := tree.Root()

	resp, err := Respond(challenges[0], shard, leaves, 0)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !VerifyResponse(root, resp, 0) {
		t.Fatal("expected response to verify against stored root")
	}

	resp.PreLeaf[0] ^= 0xff
	if VerifyResponse(root, resp, 0) {
		t.Fatal("expected tampered pre-leaf to fail verification")
	}
}

func TestLeafDeterministic(t *testing.T) {
	var challenge [ChallengeBytes]byte
	for i := range challenge {
		challenge[i] = byte(i)
	}
	shard := []byte("stable shard content")
	a := Leaf(challenge, shard)
	b := Leaf(challenge, shard)
	if !bytes.Equal(a[:], b[:]) {
		t.Fatal("expected deterministic leaf hash for identical inputs")
	}
}
