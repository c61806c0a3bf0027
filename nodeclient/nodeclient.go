// Package nodeclient implements the outbound RPC helpers a renter or
// farmer calls against a remote peer: authorizeConsignment,
// authorizeRetrieval, auditRemoteShards, createShardMirror,
// publishShardDescriptor, subscribeShardDescriptor.
//
// Each helper packs its params exactly as the matching server-side handler
// unpacks them, reusing the param structs defined in protocol/messages.go
// so a handler and its caller can never drift out of sync.
package nodeclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"shardpeer/audit"
	"shardpeer/contract"
	"shardpeer/offerstream"
	"shardpeer/perr"
	"shardpeer/protocol"
)

// Client issues outbound RPCs against peers via a protocol.Sender — the
// concrete transport (libp2p RPC or a tunnel-relayed call) is injected,
// mirroring how protocol.Handler stays a pure function over NodeView.
type Client struct {
	sender protocol.Sender
}

// New wires a client over sender.
func New(sender protocol.Sender) *Client {
	return &Client{sender: sender}
}

func decode[T any](raw json.RawMessage, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if jsonErr := json.Unmarshal(raw, &out); jsonErr != nil {
		return out, perr.Wrap(perr.ErrInvalidMessage, "nodeclient: decode result: "+jsonErr.Error())
	}
	return out, nil
}

// AuthorizeConsignment sends CONSIGN to peer for one shard, installing tree
// as the public audit leaf set, and returns the upload token.
func (c *Client) AuthorizeConsignment(ctx context.Context, peer protocol.Contact, dataHash string, tree [][20]byte) (string, error) {
	leaves := make([]string, len(tree))
	for i, leaf := range tree {
		leaves[i] = hex.EncodeToString(leaf[:])
	}
	raw, err := c.sender.Send(ctx, peer, "CONSIGN", protocol.ConsignParams{DataHash: dataHash, AuditTree: leaves})
	result, err := decode[protocol.ConsignResult](raw, err)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

// AuthorizeRetrieval sends RETRIEVE to peer for one shard and returns the
// download token.
func (c *Client) AuthorizeRetrieval(ctx context.Context, peer protocol.Contact, dataHash string) (string, error) {
	raw, err := c.sender.Send(ctx, peer, "RETRIEVE", protocol.RetrieveParams{DataHash: dataHash})
	result, err := decode[protocol.RetrieveResult](raw, err)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

// AuditPair is one challenge the caller wants a remote farmer to prove.
type AuditPair struct {
	DataHash  string
	Challenge [audit.ChallengeBytes]byte
	LeafIndex uint32
}

// VerifiedProof is one audited shard's outcome after local Merkle
// verification against the renter's stored root.
type VerifiedProof struct {
	DataHash string
	Verified bool
}

// AuditRemoteShards sends AUDIT with pairs and verifies each returned proof
// against storedRoots (keyed by data_hash).
func (c *Client) AuditRemoteShards(ctx context.Context, peer protocol.Contact, pairs []AuditPair, storedRoots map[string][20]byte) ([]VerifiedProof, error) {
	wirePairs := make([]protocol.AuditChallengePair, len(pairs))
	for i, p := range pairs {
		wirePairs[i] = protocol.AuditChallengePair{
			DataHash:  p.DataHash,
			Challenge: hex.EncodeToString(p.Challenge[:]),
			LeafIndex: p.LeafIndex,
		}
	}
	raw, err := c.sender.Send(ctx, peer, "AUDIT", protocol.AuditParams{Pairs: wirePairs})
	result, err := decode[protocol.AuditResult](raw, err)
	if err != nil {
		return nil, err
	}

	byHash := make(map[string]protocol.AuditProof, len(result.Proofs))
	for _, p := range result.Proofs {
		byHash[p.DataHash] = p
	}

	out := make([]VerifiedProof, 0, len(pairs))
	for _, pair := range pairs {
		proof, ok := byHash[pair.DataHash]
		if !ok {
			out = append(out, VerifiedProof{DataHash: pair.DataHash, Verified: false})
			continue
		}
		root, ok := storedRoots[pair.DataHash]
		if !ok {
			out = append(out, VerifiedProof{DataHash: pair.DataHash, Verified: false})
			continue
		}
		resp, ok := decodeAuditProof(proof)
		if !ok {
			out = append(out, VerifiedProof{DataHash: pair.DataHash, Verified: false})
			continue
		}
		out = append(out, VerifiedProof{
			DataHash: pair.DataHash,
			Verified: audit.VerifyResponse(root, resp, pair.LeafIndex),
		})
	}
	return out, nil
}

func decodeAuditProof(p protocol.AuditProof) (audit.Response, bool) {
	var resp audit.Response
	rootBytes, err := hex.DecodeString(p.Root)
	if err != nil || len(rootBytes) != 20 {
		return resp, false
	}
	copy(resp.Root[:], rootBytes)

	preBytes, err := hex.DecodeString(p.PreLeaf)
	if err != nil || len(preBytes) != 20 {
		return resp, false
	}
	copy(resp.PreLeaf[:], preBytes)

	resp.Leaves = make([][20]byte, len(p.Leaves))
	for i, hexLeaf := range p.Leaves {
		b, err := hex.DecodeString(hexLeaf)
		if err != nil || len(b) != 20 {
			return resp, false
		}
		copy(resp.Leaves[i][:], b)
	}
	return resp, true
}

// CreateShardMirror sends MIRROR to peer, instructing it to pull a shard
// from sourceContact using sourceToken.
func (c *Client) CreateShardMirror(ctx context.Context, peer protocol.Contact, dataHash string, sourceContact protocol.Contact, sourceToken string) (bool, error) {
	raw, err := c.sender.Send(ctx, peer, "MIRROR", protocol.MirrorParams{
		DataHash:      dataHash,
		SourceContact: sourceContact,
		SourceToken:   sourceToken,
	})
	result, err := decode[protocol.MirrorResult](raw, err)
	if err != nil {
		return false, err
	}
	return result.OK, nil
}

// SendRenew sends RENEW to peer with a fully signed replacement contract
// covering the same data hash, returning the contract the farmer installed.
func (c *Client) SendRenew(ctx context.Context, peer protocol.Contact, renewed *contract.Contract) (*contract.Contract, error) {
	raw, err := c.sender.Send(ctx, peer, "RENEW", protocol.RenewParams{Contract: renewed})
	result, err := decode[protocol.RenewResult](raw, err)
	if err != nil {
		return nil, err
	}
	if result.Contract == nil {
		return nil, perr.Wrap(perr.ErrInvalidMessage, "nodeclient: renew reply missing contract")
	}
	return result.Contract, nil
}

// Publisher is the narrow DHT collaborator publishShardDescriptor needs:
// publish a descriptor on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, descriptor []byte) error
}

// Descriptor is the published shard descriptor: the renter's dialable
// contact plus the partially signed contract farmers bid on. The contact
// travels in the envelope because the contract itself only carries the
// renter's node id, which is not enough to open the OFFER RPC back.
type Descriptor struct {
	Contact  protocol.Contact   `json:"contact"`
	Contract *contract.Contract `json:"contract"`
}

// PublishShardDescriptor publishes c on its topic opcode under self's
// contact and opens the offer stream that will collect farmer responses.
func PublishShardDescriptor(ctx context.Context, pub Publisher, mgr *protocol.Manager, self protocol.Contact, c *contract.Contract, maxOffers int, offerTimeout time.Duration) (*offerstream.Stream, error) {
	descriptor, err := json.Marshal(Descriptor{Contact: self, Contract: c})
	if err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "nodeclient: encode descriptor: "+err.Error())
	}
	if err := pub.Publish(ctx, c.GetTopicString(), descriptor); err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "nodeclient: publish failed: "+err.Error())
	}
	stream := offerstream.New(maxOffers, time.Now(), offerTimeout)
	mgr.OpenOffers(c, stream)
	return stream, nil
}

// Subscriber is the narrow DHT collaborator subscribeShardDescriptor needs:
// a stream of raw descriptor bytes matching a set of topics.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string) (<-chan []byte, error)
}

// SubscribeShardDescriptor subscribes to topics and decodes each incoming
// descriptor envelope, dropping anything that fails to parse.
func SubscribeShardDescriptor(ctx context.Context, sub Subscriber, topics []string) (<-chan Descriptor, error) {
	raw, err := sub.Subscribe(ctx, topics)
	if err != nil {
		return nil, err
	}
	out := make(chan Descriptor)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-raw:
				if !ok {
					return
				}
				var d Descriptor
				if err := json.Unmarshal(b, &d); err != nil || d.Contract == nil {
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
