package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"shardpeer/contract"
	"shardpeer/identity"
	"shardpeer/offerstream"
	"shardpeer/storage"
	"shardpeer/token"
)

type stubTunServer struct {
	free       bool
	volunteers []Contact
}

func (s *stubTunServer) HasFreeGateway() bool { return s.free }
func (s *stubTunServer) KnownVolunteers(max int) []Contact {
	if len(s.volunteers) > max {
		return s.volunteers[:max]
	}
	return s.volunteers
}
func (s *stubTunServer) OpenGateway() (string, TunnelAlias, error) {
	return "ws://gateway/tunnel", TunnelAlias{Address: "10.0.0.1", Port: 4000}, nil
}

type stubSender struct{}

func (stubSender) Send(ctx context.Context, peer Contact, method string, params interface{}) (json.RawMessage, error) {
	return nil, nil
}

type stubView struct {
	keypair   *identity.Identity
	manager   *Manager
	tun       TunnelProvider
	contact   Contact
	fetchData []byte
}

func (v *stubView) Keypair() *identity.Identity { return v.keypair }
func (v *stubView) Manager() *Manager           { return v.manager }
func (v *stubView) TunServer() TunnelProvider   { return v.tun }
func (v *stubView) Contact() Contact            { return v.contact }
func (v *stubView) Sender() Sender              { return stubSender{} }

func (v *stubView) FetchShard(ctx context.Context, address, hash, tok string) ([]byte, error) {
	return v.fetchData, nil
}

func newStubView(t *testing.T) (*stubView, *identity.Identity) {
	t.Helper()
	renter, err := identity.Generate(nil)
	if err != nil {
		t.Fatalf("renter: %v", err)
	}
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	mgr := NewManager(store, token.NewTable(time.Minute, nil))
	return &stubView{
		keypair: renter,
		manager: mgr,
		tun:     &stubTunServer{free: true},
		contact: Contact{Identity: renter.NodeID().String(), Address: "renter.local:9000"},
	}, renter
}

func marshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := NewDispatcher()
	view, _ := newStubView(t)
	_, err := d.Dispatch(context.Background(), "NOT_A_METHOD", view, Contact{}, nil)
	if err != ErrUnknownMethod {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	d := NewDispatcher()
	d.Register("OFFER", handleOffer)
}

func TestOfferCountersignsAndQueues(t *testing.T) {
	view, renter := newStubView(t)
	farmer, err := identity.Generate(nil)
	if err != nil {
		t.Fatalf("farmer: %v", err)
	}

	hash := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	pending := contract.New(renter.NodeID().String(), hash, 4096, 1000, time.Now().Add(time.Hour).UnixMilli(), 4)
	pending.PaymentSource = "14qViLJfdGaP4EeHnDyJbEGQysnCpwn1gd"
	pending.PaymentDestination = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"

	stream := offerstream.New(3, time.Now(), time.Minute)
	view.manager.OpenOffers(pending, stream)

	farmerOffer := *pending
	farmerOffer.FarmerID = farmer.NodeID().String()
	if err := farmerOffer.Sign(contract.RoleFarmer, farmer); err != nil {
		t.Fatalf("farmer sign: %v", err)
	}

	params := marshal(t, OfferParams{Contract: &farmerOffer})
	result, err := handleOffer(context.Background(), view, Contact{Identity: farmer.NodeID().String()}, params)
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	offerResult, ok := result.(OfferResult)
	if !ok {
		t.Fatalf("expected OfferResult, got %T", result)
	}
	if offerResult.Contract.RenterSignature == "" {
		t.Fatal("expected renter countersignature to be set")
	}

	select {
	case queued := <-stream.C():
		if queued.Contact.Identity != farmer.NodeID().String() {
			t.Fatalf("expected queued offer from farmer, got %s", queued.Contact.Identity)
		}
	case <-time.After(time.Second):
		t.Fatal("expected offer to be queued on the stream")
	}
}

func TestOfferRejectsUnknownHash(t *testing.T) {
	view, renter := newStubView(t)
	farmer, _ := identity.Generate(nil)
	c := contract.New(renter.NodeID().String(), "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 10, 0, 1000, 0)
	c.FarmerID = farmer.NodeID().String()
	params := marshal(t, OfferParams{Contract: c})

	_, err := handleOffer(context.Background(), view, Contact{Identity: farmer.NodeID().String()}, params)
	if err != ErrContractClosed {
		t.Fatalf("expected ErrContractClosed, got %v", err)
	}
}

func TestConsignRejectsWindowClosed(t *testing.T) {
	view, renter := newStubView(t)
	farmer, _ := identity.Generate(nil)
	hash := "cccccccccccccccccccccccccccccccccccccccc"

	it := storage.NewItem(hash)
	past := contract.New(renter.NodeID().String(), hash, 10, 0, time.Now().Add(-time.Hour).UnixMilli(), 0)
	it.PutContract(farmer.NodeID().String(), past)
	_ = view.manager.Store.Put(hash, it)

	params := marshal(t, ConsignParams{DataHash: hash})
	_, err := handleConsign(context.Background(), view, Contact{Identity: farmer.NodeID().String()}, params)
	if err != ErrWindowClosed {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
}

func TestConsignIssuesToken(t *testing.T) {
	view, renter := newStubView(t)
	farmer, _ := identity.Generate(nil)
	hash := "dddddddddddddddddddddddddddddddddddddddd"

	it := storage.NewItem(hash)
	live := contract.New(renter.NodeID().String(), hash, 10, time.Now().Add(-time.Minute).UnixMilli(), time.Now().Add(time.Hour).UnixMilli(), 0)
	it.PutContract(farmer.NodeID().String(), live)
	_ = view.manager.Store.Put(hash, it)

	params := marshal(t, ConsignParams{DataHash: hash})
	result, err := handleConsign(context.Background(), view, Contact{Identity: farmer.NodeID().String()}, params)
	if err != nil {
		t.Fatalf("consign: %v", err)
	}
	consignResult := result.(ConsignResult)
	if consignResult.Token == "" {
		t.Fatal("expected a non-empty token")
	}
}

func TestMirrorPullsAndStores(t *testing.T) {
	view, renter := newStubView(t)
	farmer, _ := identity.Generate(nil)
	shard := []byte("mirrored shard bytes")
	hash := hash160Hex(shard)
	view.fetchData = shard

	it := storage.NewItem(hash)
	c := contract.New(renter.NodeID().String(), hash, uint64(len(shard)), 0, time.Now().Add(time.Hour).UnixMilli(), 0)
	it.PutContract(farmer.NodeID().String(), c)
	_ = view.manager.Store.Put(hash, it)

	params := marshal(t, MirrorParams{
		DataHash:      hash,
		SourceContact: Contact{Identity: "source", Address: "source.local:8080"},
		SourceToken:   "source-token",
	})
	result, err := handleMirror(context.Background(), view, Contact{Identity: farmer.NodeID().String()}, params)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if !result.(MirrorResult).OK {
		t.Fatal("expected mirror to report success")
	}
	if !it.HasShard() {
		t.Fatal("expected mirrored shard bytes to be stored locally")
	}
}

func TestMirrorRejectsHashMismatch(t *testing.T) {
	view, renter := newStubView(t)
	farmer, _ := identity.Generate(nil)
	shard := []byte("mirrored shard bytes")
	hash := hash160Hex(shard)
	view.fetchData = []byte("tampered shard bytes")

	it := storage.NewItem(hash)
	c := contract.New(renter.NodeID().String(), hash, 64, 0, time.Now().Add(time.Hour).UnixMilli(), 0)
	it.PutContract(farmer.NodeID().String(), c)
	_ = view.manager.Store.Put(hash, it)

	params := marshal(t, MirrorParams{DataHash: hash, SourceToken: "source-token"})
	if _, err := handleMirror(context.Background(), view, Contact{Identity: farmer.NodeID().String()}, params); err == nil {
		t.Fatal("expected mirror to reject mismatched content hash")
	}
}

func TestTriggerRequiresWhitelist(t *testing.T) {
	view, _ := newStubView(t)
	farmer, _ := identity.Generate(nil)
	params := marshal(t, TriggerParams{Behavior: "ping"})
	_, err := handleTrigger(context.Background(), view, Contact{Identity: farmer.NodeID().String()}, params)
	if err != ErrTriggerNotAllowed {
		t.Fatalf("expected ErrTriggerNotAllowed, got %v", err)
	}

	view.manager.RegisterTrigger("ping", farmer.NodeID().String(), func(ctx context.Context, requester Contact, params []byte) (interface{}, error) {
		return "pong", nil
	})
	result, err := handleTrigger(context.Background(), view, Contact{Identity: farmer.NodeID().String()}, params)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if result.(string) != "pong" {
		t.Fatalf("expected pong, got %v", result)
	}
}

func TestOpenTunnelFailsWhenExhausted(t *testing.T) {
	view, _ := newStubView(t)
	view.tun = &stubTunServer{free: false}
	_, err := handleOpenTunnel(context.Background(), view, Contact{}, nil)
	if err != ErrTunnelsExhausted {
		t.Fatalf("expected ErrTunnelsExhausted, got %v", err)
	}
}

func TestFindTunnelReturnsContactWhenFree(t *testing.T) {
	view, _ := newStubView(t)
	result, err := handleFindTunnel(context.Background(), view, Contact{}, nil)
	if err != nil {
		t.Fatalf("find tunnel: %v", err)
	}
	ftr := result.(FindTunnelResult)
	if ftr.Contact == nil {
		t.Fatal("expected contact to be populated when a gateway is free")
	}
}
