package nodeclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"shardpeer/audit"
	"shardpeer/contract"
	"shardpeer/identity"
	"shardpeer/protocol"
	"shardpeer/storage"
)

type stubSender struct {
	lastMethod string
	lastParams interface{}
	reply      func(method string, params interface{}) (json.RawMessage, error)
}

func (s *stubSender) Send(ctx context.Context, peer protocol.Contact, method string, params interface{}) (json.RawMessage, error) {
	s.lastMethod = method
	s.lastParams = params
	return s.reply(method, params)
}

func marshalT(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestAuthorizeConsignment(t *testing.T) {
	sender := &stubSender{reply: func(method string, params interface{}) (json.RawMessage, error) {
		return marshalT(t, protocol.ConsignResult{Token: "abc123"}), nil
	}}
	c := New(sender)
	tok, err := c.AuthorizeConsignment(context.Background(), protocol.Contact{Identity: "farmer"}, "hash", nil)
	if err != nil {
		t.Fatalf("authorize consignment: %v", err)
	}
	if tok != "abc123" {
		t.Fatalf("expected token abc123, got %s", tok)
	}
	if sender.lastMethod != "CONSIGN" {
		t.Fatalf("expected CONSIGN method, got %s", sender.lastMethod)
	}
}

func TestAuthorizeRetrieval(t *testing.T) {
	sender := &stubSender{reply: func(method string, params interface{}) (json.RawMessage, error) {
		return marshalT(t, protocol.RetrieveResult{Token: "dl-token"}), nil
	}}
	c := New(sender)
	tok, err := c.AuthorizeRetrieval(context.Background(), protocol.Contact{}, "hash")
	if err != nil {
		t.Fatalf("authorize retrieval: %v", err)
	}
	if tok != "dl-token" {
		t.Fatalf("expected dl-token, got %s", tok)
	}
}

func TestAuditRemoteShardsVerifiesProof(t *testing.T) {
	challenges, err := audit.GenerateChallenges(1)
	if err != nil {
		t.Fatalf("challenges: %v", err)
	}
	shard := []byte("farmer shard bytes")
	leaves := audit.BuildLeaves(challenges, shard)
	tree, err := audit.Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	root := tree.Root()
	resp, err := audit.Respond(challenges[0], shard, leaves, 0)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	sender := &stubSender{reply: func(method string, params interface{}) (json.RawMessage, error) {
		return marshalT(t, protocol.AuditResult{Proofs: []protocol.AuditProof{
			{
				DataHash: "hash-1",
				Root:     hex.EncodeToString(resp.Root[:]),
				Leaves:   hexEncodeLeaves(resp.Leaves),
				PreLeaf:  hex.EncodeToString(resp.PreLeaf[:]),
			},
		}}), nil
	}}
	c := New(sender)
	results, err := c.AuditRemoteShards(context.Background(), protocol.Contact{}, []AuditPair{
		{DataHash: "hash-1", Challenge: challenges[0], LeafIndex: 0},
	}, map[string][20]byte{"hash-1": root})
	if err != nil {
		t.Fatalf("audit remote shards: %v", err)
	}
	if len(results) != 1 || !results[0].Verified {
		t.Fatalf("expected verified proof, got %+v", results)
	}
}

type stubPublisher struct {
	published []string
}

func (p *stubPublisher) Publish(ctx context.Context, topic string, descriptor []byte) error {
	p.published = append(p.published, topic)
	return nil
}

func TestPublishShardDescriptorOpensOffers(t *testing.T) {
	renter, err := identity.Generate(nil)
	if err != nil {
		t.Fatalf("renter: %v", err)
	}
	mgr := protocol.NewManager(nil, nil)
	c := contract.New(renter.NodeID().String(), "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 4096, 1000, 2000, 4)
	c.Availability = 0.99
	c.SpeedMbps = 16

	pub := &stubPublisher{}
	self := protocol.Contact{Identity: renter.NodeID().String(), Address: "renter.local:9000"}
	stream, err := PublishShardDescriptor(context.Background(), pub, mgr, self, c, 3, time.Second)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stream == nil {
		t.Fatal("expected a non-nil offer stream")
	}
	if len(pub.published) != 1 || pub.published[0] != c.GetTopicString() {
		t.Fatalf("expected publish to topic %s, got %v", c.GetTopicString(), pub.published)
	}
	if _, ok := mgr.PendingContract(c.DataHash); !ok {
		t.Fatal("expected contract to be registered as pending")
	}
}

type stubSubscriber struct {
	ch chan []byte
}

func (s *stubSubscriber) Subscribe(ctx context.Context, topics []string) (<-chan []byte, error) {
	return s.ch, nil
}

func TestSubscribeShardDescriptorDecodes(t *testing.T) {
	renter, err := identity.Generate(nil)
	if err != nil {
		t.Fatalf("renter: %v", err)
	}
	c := contract.New(renter.NodeID().String(), "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 4096, 1000, 2000, 0)
	buf, err := json.Marshal(Descriptor{
		Contact:  protocol.Contact{Identity: renter.NodeID().String(), Address: "renter.local:9000"},
		Contract: c,
	})
	if err != nil {
		t.Fatalf("encode descriptor: %v", err)
	}

	sub := &stubSubscriber{ch: make(chan []byte, 2)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := SubscribeShardDescriptor(ctx, sub, []string{"0f0000000000"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.ch <- []byte("not json") // dropped, not surfaced
	sub.ch <- buf
	select {
	case decoded := <-out:
		if decoded.Contract.DataHash != c.DataHash {
			t.Fatalf("expected decoded data hash %s, got %s", c.DataHash, decoded.Contract.DataHash)
		}
		if decoded.Contact.Address != "renter.local:9000" {
			t.Fatalf("expected renter contact in envelope, got %+v", decoded.Contact)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a decoded descriptor")
	}
}

func TestFarmerBidStoresAcceptedContract(t *testing.T) {
	renter, err := identity.Generate(nil)
	if err != nil {
		t.Fatalf("renter: %v", err)
	}
	farmerID, err := identity.Generate(nil)
	if err != nil {
		t.Fatalf("farmer: %v", err)
	}

	hash := "cccccccccccccccccccccccccccccccccccccccc"
	published := contract.New(renter.NodeID().String(), hash, 4096, 1000, 2000, 0)
	published.PaymentSource = "14qViLJfdGaP4EeHnDyJbEGQysnCpwn1gd"

	// The stub renter countersigns whatever farmer-signed contract arrives,
	// the way handleOffer does on a live node.
	sender := &stubSender{reply: func(method string, params interface{}) (json.RawMessage, error) {
		if method != "OFFER" {
			t.Fatalf("expected OFFER, got %s", method)
		}
		offered := params.(protocol.OfferParams).Contract
		countersigned := *offered
		if err := countersigned.Sign(contract.RoleRenter, renter); err != nil {
			t.Fatalf("countersign: %v", err)
		}
		return marshalT(t, protocol.OfferResult{Contract: &countersigned}), nil
	}}

	store, err := storage.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f := NewFarmer(New(sender), farmerID, store, farmerID.Address(), nil)

	d := Descriptor{
		Contact:  protocol.Contact{Identity: renter.NodeID().String(), Address: "renter.local:9000"},
		Contract: published,
	}
	if err := f.Bid(context.Background(), d); err != nil {
		t.Fatalf("bid: %v", err)
	}

	item, err := store.Peek(hash)
	if err != nil {
		t.Fatalf("expected item to be created on offer acceptance: %v", err)
	}
	got, ok := item.Contract(renter.NodeID().String())
	if !ok {
		t.Fatal("expected accepted contract to be stored under the renter id")
	}
	if got.FarmerID != farmerID.NodeID().String() {
		t.Fatalf("expected stored contract to carry the farmer id, got %s", got.FarmerID)
	}
	complete, err := got.IsComplete()
	if err != nil || !complete {
		t.Fatalf("expected stored contract to be complete, got %v (%v)", complete, err)
	}
}

func TestFarmerBidRejectsIncompleteReply(t *testing.T) {
	renter, _ := identity.Generate(nil)
	farmerID, _ := identity.Generate(nil)
	published := contract.New(renter.NodeID().String(), "dddddddddddddddddddddddddddddddddddddddd", 4096, 1000, 2000, 0)
	published.PaymentSource = "14qViLJfdGaP4EeHnDyJbEGQysnCpwn1gd"

	// Reply without the renter countersignature.
	sender := &stubSender{reply: func(method string, params interface{}) (json.RawMessage, error) {
		return marshalT(t, protocol.OfferResult{Contract: params.(protocol.OfferParams).Contract}), nil
	}}
	store, err := storage.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f := NewFarmer(New(sender), farmerID, store, farmerID.Address(), nil)

	d := Descriptor{Contact: protocol.Contact{Identity: renter.NodeID().String()}, Contract: published}
	if err := f.Bid(context.Background(), d); err == nil {
		t.Fatal("expected bid to reject an uncountersigned reply")
	}
	if _, err := store.Peek(published.DataHash); err == nil {
		t.Fatal("expected no item for a rejected bid")
	}
}

func TestSendRenew(t *testing.T) {
	renter, _ := identity.Generate(nil)
	renewed := contract.New(renter.NodeID().String(), "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", 4096, 2000, 3000, 0)

	sender := &stubSender{reply: func(method string, params interface{}) (json.RawMessage, error) {
		return marshalT(t, protocol.RenewResult{Contract: params.(protocol.RenewParams).Contract}), nil
	}}
	c := New(sender)
	installed, err := c.SendRenew(context.Background(), protocol.Contact{Identity: "farmer"}, renewed)
	if err != nil {
		t.Fatalf("send renew: %v", err)
	}
	if sender.lastMethod != "RENEW" {
		t.Fatalf("expected RENEW method, got %s", sender.lastMethod)
	}
	if installed.DataHash != renewed.DataHash {
		t.Fatalf("expected installed contract to cover the same hash, got %s", installed.DataHash)
	}
}

func hexEncodeLeaves(leaves [][20]byte) []string {
	out := make([]string, len(leaves))
	for i, l := range leaves {
		out[i] = hex.EncodeToString(l[:])
	}
	return out
}
