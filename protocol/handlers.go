package protocol

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // data_hash uses the same hash160 scheme as node ids

	"shardpeer/audit"
	"shardpeer/contract"
	"shardpeer/perr"
	"shardpeer/token"
)

// hash160Hex computes the hex RIPEMD160(SHA256(b)) shard content hash.
func hash160Hex(b []byte) string {
	sha := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sha[:])
	return hex.EncodeToString(r.Sum(nil))
}

func unmarshalParams[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			var zero T
			return zero, perr.Wrap(perr.ErrInvalidMessage, "protocol: bad params: "+err.Error())
		}
	}
	return p, nil
}

// handleOffer implements OFFER: a farmer proposes to fill a
// renter's pending contract.
func handleOffer(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	params, err := unmarshalParams[OfferParams](raw)
	if err != nil {
		return nil, err
	}
	if params.Contract == nil {
		return nil, perr.Wrap(perr.ErrInvalidContract, "protocol: missing contract")
	}

	pending, ok := view.Manager().PendingContract(params.Contract.DataHash)
	if !ok {
		return nil, ErrContractClosed
	}

	farmerOK, err := params.Contract.Verify(contract.RoleFarmer)
	if err != nil {
		return nil, err
	}
	if !farmerOK {
		return nil, perr.Wrap(perr.ErrSignatureInvalid, "protocol: farmer signature invalid")
	}

	countersigned := *params.Contract
	if err := countersigned.Sign(contract.RoleRenter, view.Keypair()); err != nil {
		return nil, err
	}
	complete, err := countersigned.IsComplete()
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, perr.Wrap(perr.ErrInvalidContract, "protocol: contract incomplete after countersigning")
	}

	stream, ok := view.Manager().StreamFor(pending.DataHash)
	if ok {
		stream.AddOfferToQueue(token.Contact{Identity: caller.Identity, Address: caller.Address}, &countersigned)
	}

	return OfferResult{Contract: &countersigned}, nil
}

// handleConsign implements CONSIGN: a renter hands the farmer
// an upload token once the storage window is live.
func handleConsign(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	params, err := unmarshalParams[ConsignParams](raw)
	if err != nil {
		return nil, err
	}

	item, err := view.Manager().Store.Peek(params.DataHash)
	if err != nil {
		return nil, ErrItemNotFound
	}
	c, ok := item.Contract(caller.Identity)
	if !ok {
		return nil, ErrContractUnknown
	}

	now := time.Now().UnixMilli()
	if !(c.StoreBegin <= now && now <= c.StoreEnd) {
		return nil, ErrWindowClosed
	}

	leaves := make([][20]byte, 0, len(params.AuditTree))
	for _, hexLeaf := range params.AuditTree {
		b, err := hex.DecodeString(hexLeaf)
		if err != nil || len(b) != 20 {
			return nil, perr.Wrap(perr.ErrInvalidMessage, "protocol: malformed audit tree leaf")
		}
		var leaf [20]byte
		copy(leaf[:], b)
		leaves = append(leaves, leaf)
	}
	item.InstallTree(caller.Identity, leaves)

	tok, err := randomToken()
	if err != nil {
		return nil, err
	}
	if err := view.Manager().Tokens.Accept(tok, params.DataHash, token.Contact{Identity: caller.Identity, Address: caller.Address}); err != nil {
		return nil, err
	}
	return ConsignResult{Token: tok}, nil
}

// handleRetrieve implements RETRIEVE: a renter asks to
// download a shard it already has a contract for.
func handleRetrieve(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	params, err := unmarshalParams[RetrieveParams](raw)
	if err != nil {
		return nil, err
	}
	if _, err := view.Manager().Store.Peek(params.DataHash); err != nil {
		return nil, ErrItemNotFound
	}
	tok, err := randomToken()
	if err != nil {
		return nil, err
	}
	if err := view.Manager().Tokens.Accept(tok, params.DataHash, token.Contact{Identity: caller.Identity, Address: caller.Address}); err != nil {
		return nil, err
	}
	return RetrieveResult{Token: tok}, nil
}

// handleMirror implements MIRROR: the farmer pulls a shard
// from another contact using a caller-supplied token.
func handleMirror(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	params, err := unmarshalParams[MirrorParams](raw)
	if err != nil {
		return nil, err
	}
	item, err := view.Manager().Store.Peek(params.DataHash)
	if err != nil {
		return nil, ErrItemNotFound
	}

	fetcher, ok := view.(ShardFetcher)
	if !ok {
		return nil, perr.Wrap(perr.ErrUnexpected, "protocol: node view cannot fetch remote shards")
	}
	data, err := fetcher.FetchShard(ctx, params.SourceContact.Address, params.DataHash, params.SourceToken)
	if err != nil {
		return nil, perr.Wrap(perr.ErrFailedIntegrity, "protocol: mirror fetch failed: "+err.Error())
	}

	c, ok := item.Contract(caller.Identity)
	if ok && uint64(len(data)) > c.DataSize {
		return nil, perr.Wrap(perr.ErrFailedIntegrity, "protocol: mirror size exceeded")
	}
	if hash160Hex(data) != params.DataHash {
		return nil, perr.Wrap(perr.ErrFailedIntegrity, "protocol: mirror hash mismatch")
	}

	w, err := view.Manager().Store.CreateWriteStream(params.DataHash)
	if err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "protocol: mirror storage unavailable")
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, perr.Wrap(perr.ErrFailedIntegrity, "protocol: mirror write failed")
	}
	if err := w.Close(); err != nil {
		return nil, perr.Wrap(perr.ErrFailedIntegrity, "protocol: mirror finalize failed")
	}
	return MirrorResult{OK: true}, nil
}

// ShardFetcher is implemented by a NodeView that can pull remote shard
// bytes over an authenticated GET — kept as a narrow interface so handlers
// do not depend on the HTTP client package directly.
type ShardFetcher interface {
	FetchShard(ctx context.Context, address, hash, tok string) ([]byte, error)
}

// handleAudit implements AUDIT: prove continued custody of one
// or more shards.
func handleAudit(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	params, err := unmarshalParams[AuditParams](raw)
	if err != nil {
		return nil, err
	}
	result := AuditResult{Proofs: make([]AuditProof, 0, len(params.Pairs))}
	for _, pair := range params.Pairs {
		item, err := view.Manager().Store.Peek(pair.DataHash)
		if err != nil {
			continue
		}
		_, reader, err := view.Manager().Store.Get(pair.DataHash)
		if err != nil || reader == nil {
			continue
		}
		shard, readErr := io.ReadAll(reader)
		reader.Close()
		if readErr != nil {
			continue
		}
		leaves, ok := item.Tree(caller.Identity)
		if !ok {
			continue
		}
		challengeBytes, err := hex.DecodeString(pair.Challenge)
		if err != nil || len(challengeBytes) != audit.ChallengeBytes {
			continue
		}
		var challenge [audit.ChallengeBytes]byte
		copy(challenge[:], challengeBytes)

		resp, err := audit.Respond(challenge, shard, leaves, pair.LeafIndex)
		if err != nil {
			continue
		}
		result.Proofs = append(result.Proofs, AuditProof{
			DataHash: pair.DataHash,
			Root:     hex.EncodeToString(resp.Root[:]),
			Leaves:   encodeLeaves(resp.Leaves),
			PreLeaf:  hex.EncodeToString(resp.PreLeaf[:]),
		})
		if m := view.Manager().metrics; m != nil {
			m.AuditsServed.Inc()
		}
	}
	return result, nil
}

// handleProbe implements PROBE: ping the requester back at its advertised
// address. A peer that can reach us but cannot be reached in return is
// behind NAT and should seek a tunnel, so the ping-back is the actual test.
func handleProbe(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	params, err := unmarshalParams[ProbeParams](raw)
	if err != nil {
		return nil, err
	}
	target := caller
	if params.Contact != nil {
		target = *params.Contact
	}
	if _, err := view.Sender().Send(ctx, target, "PING", PingParams{}); err != nil {
		return nil, perr.Wrap(perr.ErrInvalidOperation, "protocol: probe ping back failed")
	}
	return ProbeResult{OK: true}, nil
}

// handlePing implements PING: answer that we are alive.
func handlePing(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	return PingResult{OK: true}, nil
}

// handleFindTunnel implements FIND_TUNNEL.
func handleFindTunnel(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	const maxFindTunnelRelays = 3
	ts := view.TunServer()
	result := FindTunnelResult{Volunteers: ts.KnownVolunteers(maxFindTunnelRelays)}
	if ts.HasFreeGateway() {
		self := view.Contact()
		result.Contact = &self
	}
	return result, nil
}

// handleOpenTunnel implements OPEN_TUNNEL.
func handleOpenTunnel(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	ts := view.TunServer()
	if !ts.HasFreeGateway() {
		return nil, ErrTunnelsExhausted
	}
	wsURL, alias, err := ts.OpenGateway()
	if err != nil {
		return nil, err
	}
	return OpenTunnelResult{Tunnel: wsURL, Alias: alias}, nil
}

// handleRenew implements RENEW: replace a contract with a new
// one covering the same hash.
func handleRenew(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	params, err := unmarshalParams[RenewParams](raw)
	if err != nil {
		return nil, err
	}
	if params.Contract == nil {
		return nil, perr.Wrap(perr.ErrInvalidContract, "protocol: missing contract")
	}
	item, err := view.Manager().Store.Peek(params.Contract.DataHash)
	if err != nil {
		return nil, ErrItemNotFound
	}
	renterOK, err := params.Contract.Verify(contract.RoleRenter)
	if err != nil {
		return nil, err
	}
	farmerOK, err := params.Contract.Verify(contract.RoleFarmer)
	if err != nil {
		return nil, err
	}
	if !renterOK || !farmerOK {
		return nil, perr.Wrap(perr.ErrSignatureInvalid, "protocol: renewed contract must be fully signed")
	}
	item.PutContract(caller.Identity, params.Contract)
	return RenewResult{Contract: params.Contract}, nil
}

// handleTrigger implements TRIGGER: invoke a pre-registered,
// whitelisted behavior for a specific requester.
func handleTrigger(ctx context.Context, view NodeView, caller Contact, raw json.RawMessage) (interface{}, error) {
	params, err := unmarshalParams[TriggerParams](raw)
	if err != nil {
		return nil, err
	}
	h, ok := view.Manager().Trigger(params.Behavior, caller.Identity)
	if !ok {
		return nil, ErrTriggerNotAllowed
	}
	return h(ctx, caller, params.Params)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", perr.Wrap(perr.ErrUnexpected, "protocol: generate token: "+err.Error())
	}
	return hex.EncodeToString(buf), nil
}

func encodeLeaves(leaves [][20]byte) []string {
	out := make([]string, len(leaves))
	for i, l := range leaves {
		out[i] = hex.EncodeToString(l[:])
	}
	return out
}
