package protocol

import (
	"encoding/json"

	"shardpeer/contract"
)

// Params structs shared verbatim between each handler and the matching
// nodeclient outbound helper, so a caller and its handler can never drift
// out of sync on parameter packing.

// OfferParams is OFFER's payload: the contract as signed by the farmer.
type OfferParams struct {
	Contract *contract.Contract `json:"contract"`
}

// OfferResult is OFFER's reply: the fully countersigned contract.
type OfferResult struct {
	Contract *contract.Contract `json:"contract"`
}

// ConsignParams is CONSIGN's payload: which contract, and the audit tree
// leaves the renter built for it.
type ConsignParams struct {
	DataHash  string   `json:"data_hash"`
	AuditTree []string `json:"audit_tree"` // hex-encoded 20-byte leaves
}

// ConsignResult is CONSIGN's reply: the upload token, valid until it
// expires or is rejected.
type ConsignResult struct {
	Token string `json:"token"`
}

// RetrieveParams is RETRIEVE's payload: which shard to fetch.
type RetrieveParams struct {
	DataHash string `json:"data_hash"`
}

// RetrieveResult is RETRIEVE's reply: the download token.
type RetrieveResult struct {
	Token string `json:"token"`
}

// MirrorParams is MIRROR's payload: where to pull the shard from.
type MirrorParams struct {
	DataHash      string  `json:"data_hash"`
	SourceContact Contact `json:"source_contact"`
	SourceToken   string  `json:"source_token"`
}

// MirrorResult is MIRROR's reply: whether the copy succeeded.
type MirrorResult struct {
	OK bool `json:"ok"`
}

// AuditChallengePair is one (hash, challenge) the renter wants proven.
type AuditChallengePair struct {
	DataHash  string `json:"data_hash"`
	Challenge string `json:"challenge"` // hex-encoded 32-byte challenge
	LeafIndex uint32 `json:"leaf_index"`
}

// AuditParams is AUDIT's payload: the pairs to prove.
type AuditParams struct {
	Pairs []AuditChallengePair `json:"pairs"`
}

// AuditProof is one response entry, matching audit.Response but hex-encoded
// for the wire.
type AuditProof struct {
	DataHash string   `json:"data_hash"`
	Root     string   `json:"root"`
	Leaves   []string `json:"leaves"`
	PreLeaf  string   `json:"pre_leaf"`
}

// AuditResult is AUDIT's reply: one proof per requested pair.
type AuditResult struct {
	Proofs []AuditProof `json:"proofs"`
}

// ProbeParams is PROBE's payload: the contact the handler should try to
// ping back. When absent, the calling peer's observed contact is used.
type ProbeParams struct {
	Contact *Contact `json:"contact,omitempty"`
}

// ProbeResult is PROBE's reply: whether the ping back succeeded.
type ProbeResult struct {
	OK bool `json:"ok"`
}

// PingParams is PING's payload: empty, the call itself is the liveness
// check.
type PingParams struct{}

// PingResult is PING's reply.
type PingResult struct {
	OK bool `json:"ok"`
}

// FindTunnelParams is FIND_TUNNEL's payload: empty.
type FindTunnelParams struct{}

// FindTunnelResult is FIND_TUNNEL's reply: our own contact (if we have a
// free gateway) plus known volunteer tunnels.
type FindTunnelResult struct {
	Contact    *Contact  `json:"contact,omitempty"`
	Volunteers []Contact `json:"volunteers"`
}

// OpenTunnelParams is OPEN_TUNNEL's payload: empty.
type OpenTunnelParams struct{}

// OpenTunnelResult is OPEN_TUNNEL's reply: the ws URL and virtual alias.
type OpenTunnelResult struct {
	Tunnel string      `json:"tunnel"`
	Alias  TunnelAlias `json:"alias"`
}

// RenewParams is RENEW's payload: the replacement contract, covering the
// same data_hash, with both roles' signatures already present.
type RenewParams struct {
	Contract *contract.Contract `json:"contract"`
}

// RenewResult is RENEW's reply: the installed contract.
type RenewResult struct {
	Contract *contract.Contract `json:"contract"`
}

// TriggerParams is TRIGGER's payload: a behavior name and opaque params.
type TriggerParams struct {
	Behavior string          `json:"behavior"`
	Params   json.RawMessage `json:"params"`
}
