// Package contract implements the signed, versioned storage agreement
// between a renter and a farmer: schema validation, canonical signing
// digest, sign/verify, and the topic opcode used to route OFFER traffic.
package contract

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"shardpeer/identity"
	"shardpeer/perr"
)

// Role distinguishes which party is signing or countersigning a contract.
type Role int

const (
	RoleRenter Role = iota
	RoleFarmer
)

// CurrentVersion is the only contract schema version this peer emits or
// accepts (version integer, currently 2).
const CurrentVersion = 2

// Contract is the signed, versioned agreement between a renter and a
// farmer over one shard. All fields are
// always marshaled (no omitempty) so the canonical signing digest is
// independent of which optional fields have been filled in yet.
type Contract struct {
	Version int `json:"version"`

	RenterID string `json:"renter_id"`
	FarmerID string `json:"farmer_id"`

	RenterHDKey   string `json:"renter_hd_key"`
	FarmerHDKey   string `json:"farmer_hd_key"`
	RenterHDIndex uint32 `json:"renter_hd_index"`
	FarmerHDIndex uint32 `json:"farmer_hd_index"`

	PaymentSource        string `json:"payment_source"`
	PaymentDestination   string `json:"payment_destination"`
	PaymentDownloadPrice uint64 `json:"payment_download_price"`
	PaymentStoragePrice  uint64 `json:"payment_storage_price"`
	PaymentAmount        uint64 `json:"payment_amount"`

	DataHash string `json:"data_hash"`
	DataSize uint64 `json:"data_size"`

	StoreBegin int64 `json:"store_begin"`
	StoreEnd   int64 `json:"store_end"`

	// Availability and speed feed the topic opcode matrix alongside size
	// and duration; the renter fills them from its own delivery-quality
	// targets at contract creation time.
	Availability float64 `json:"availability"`
	SpeedMbps    float64 `json:"speed_mbps"`

	AuditCount  uint32   `json:"audit_count"`
	AuditLeaves []string `json:"audit_leaves"`

	RenterSignature string `json:"renter_signature"`
	FarmerSignature string `json:"farmer_signature"`
}

var (
	reHex40  = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
	reHex64  = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	reBase58 = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// recognizedKeys is the whitelist Clean enforces and the set of keys the
// canonical signing digest serializes (minus the two signature fields).
var recognizedKeys = map[string]bool{
	"version": true, "renter_id": true, "farmer_id": true,
	"renter_hd_key": true, "farmer_hd_key": true,
	"renter_hd_index": true, "farmer_hd_index": true,
	"payment_source": true, "payment_destination": true,
	"payment_download_price": true, "payment_storage_price": true,
	"payment_amount": true,
	"data_hash":      true, "data_size": true,
	"store_begin": true, "store_end": true,
	"availability": true, "speed_mbps": true,
	"audit_count": true, "audit_leaves": true,
	"renter_signature": true, "farmer_signature": true,
}

// New constructs a contract with required identity/shard fields, version
// pinned to CurrentVersion, and farmer-side fields left blank for OFFER to
// fill in later.
func New(renterID, dataHash string, dataSize uint64, storeBegin, storeEnd int64, auditCount uint32) *Contract {
	return &Contract{
		Version:    CurrentVersion,
		RenterID:   renterID,
		DataHash:   dataHash,
		DataSize:   dataSize,
		StoreBegin: storeBegin,
		StoreEnd:   storeEnd,
		AuditCount: auditCount,
	}
}

// Clean strips any key not in recognizedKeys by round-tripping through a
// generic map — the JSON-level equivalent of a whitelist-filtering clean(), kept
// even though Go's typed Unmarshal already drops unknown fields, so that a
// caller holding a raw map (e.g. from an RPC params blob) gets the same
// whitelist behavior before Validate/Sign.
func Clean(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if recognizedKeys[k] {
			out[k] = v
		}
	}
	return out
}

// FromJSON parses and cleans a contract from its wire representation.
func FromJSON(data []byte) (*Contract, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, perr.Wrap(perr.ErrInvalidMessage, "contract: decode: "+err.Error())
	}
	cleaned := Clean(raw)
	cleanedData, err := json.Marshal(cleaned)
	if err != nil {
		return nil, perr.Wrap(perr.ErrUnexpected, "contract: re-encode: "+err.Error())
	}
	var c Contract
	if err := json.Unmarshal(cleanedData, &c); err != nil {
		return nil, perr.Wrap(perr.ErrInvalidContract, "contract: unmarshal: "+err.Error())
	}
	return &c, nil
}

// ToJSON serializes the contract as wire JSON (key order is free on the
// wire; Go's struct-field order is used here).
func (c *Contract) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// ToBuffer and FromBuffer alias the JSON codec; a contract's buffer form
// is its JSON text as UTF-8 bytes.
func (c *Contract) ToBuffer() ([]byte, error) { return c.ToJSON() }
func FromBuffer(b []byte) (*Contract, error)  { return FromJSON(b) }

// Object returns the contract as a plain map, useful for callers that want
// to inspect or further whitelist fields before re-serializing.
func (c *Contract) Object() (map[string]interface{}, error) {
	raw, err := c.ToJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// canonicalDigest computes the signing digest: strip both
// signature fields, serialize the rest with lexicographically sorted keys,
// SHA-256 the result. Go's json.Marshal on a map[string]any already emits
// keys in sorted order, which is what makes this deterministic.
func (c *Contract) canonicalDigest() ([32]byte, error) {
	m, err := c.Object()
	if err != nil {
		return [32]byte{}, err
	}
	delete(m, "renter_signature")
	delete(m, "farmer_signature")
	raw, err := json.Marshal(m)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(raw), nil
}

// GetHash returns the canonical signing digest.
func (c *Contract) GetHash() ([32]byte, error) { return c.canonicalDigest() }

// Sign computes the canonical digest and stores a compact signature for the
// given role. It does not check that signer matches the recorded
// renter/farmer id; callers that need that guarantee should also call
// Verify afterward.
func (c *Contract) Sign(role Role, signer *identity.Identity) error {
	digest, err := c.canonicalDigest()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest[:], true)
	if err != nil {
		return perr.Wrap(perr.ErrUnexpected, "contract: sign: "+err.Error())
	}
	encoded := base64Encode(sig)
	switch role {
	case RoleRenter:
		c.RenterSignature = encoded
	case RoleFarmer:
		c.FarmerSignature = encoded
	default:
		return perr.Wrap(perr.ErrInvalidOperation, "contract: unknown role")
	}
	return nil
}

// Verify recomputes the canonical digest and confirms the stored signature
// for the given role recovers to a pubkey mapping to the claimed node id.
// The role's HD extended key and index, when present, are not consulted:
// the claimed id is not checked against an id derived from them.
func (c *Contract) Verify(role Role) (bool, error) {
	var sigB64, claimedID string
	switch role {
	case RoleRenter:
		sigB64, claimedID = c.RenterSignature, c.RenterID
	case RoleFarmer:
		sigB64, claimedID = c.FarmerSignature, c.FarmerID
	default:
		return false, perr.Wrap(perr.ErrInvalidOperation, "contract: unknown role")
	}
	if sigB64 == "" || claimedID == "" {
		return false, nil
	}
	sig, err := base64Decode(sigB64)
	if err != nil {
		return false, perr.Wrap(perr.ErrSignatureInvalid, "contract: bad signature encoding")
	}
	digest, err := c.canonicalDigest()
	if err != nil {
		return false, err
	}
	// Recover the pubkey from the compact signature and confirm it maps to
	// the claimed node id — this works whether or not an HD key is present,
	// since the HD-derived child key is still a plain secp256k1 key.
	claimedBytes, err := hexDecode(claimedID)
	if err != nil {
		return false, perr.Wrap(perr.ErrInvalidContract, "contract: bad id encoding")
	}
	var claimed identity.NodeID
	copy(claimed[:], claimedBytes)
	ok, recoveredPub, err := verifyRecoversTo(digest[:], sig, claimed)
	if err != nil || !ok {
		return false, nil
	}
	_ = recoveredPub
	return true, nil
}

// Validate checks field-format invariants. Fields that are still unset
// (the farmer-supplied half, before OFFER) are skipped rather than
// rejected, since a contract is partial until the farmer fills its side.
func (c *Contract) Validate() error {
	if c.Version != CurrentVersion {
		return perr.Wrap(perr.ErrInvalidContract, fmt.Sprintf("contract: unsupported version %d", c.Version))
	}
	if !reHex40.MatchString(c.RenterID) {
		return perr.Wrap(perr.ErrInvalidContract, "contract: renter_id must be 40 hex chars")
	}
	if c.FarmerID != "" && !reHex40.MatchString(c.FarmerID) {
		return perr.Wrap(perr.ErrInvalidContract, "contract: farmer_id must be 40 hex chars")
	}
	if c.RenterHDKey != "" && !(len(c.RenterHDKey) == 111 && reBase58.MatchString(c.RenterHDKey)) {
		return perr.Wrap(perr.ErrInvalidContract, "contract: renter_hd_key must be 111 base58 chars")
	}
	if c.FarmerHDKey != "" && !(len(c.FarmerHDKey) == 111 && reBase58.MatchString(c.FarmerHDKey)) {
		return perr.Wrap(perr.ErrInvalidContract, "contract: farmer_hd_key must be 111 base58 chars")
	}
	if c.RenterHDIndex > 1<<31-1 || c.FarmerHDIndex > 1<<31-1 {
		return perr.Wrap(perr.ErrInvalidContract, "contract: hd index out of range")
	}
	if c.PaymentSource != "" && !validBase58Address(c.PaymentSource) {
		return perr.Wrap(perr.ErrInvalidContract, "contract: payment_source malformed")
	}
	if c.PaymentDestination != "" && !validBase58Address(c.PaymentDestination) {
		return perr.Wrap(perr.ErrInvalidContract, "contract: payment_destination malformed")
	}
	if !reHex40.MatchString(c.DataHash) {
		return perr.Wrap(perr.ErrInvalidContract, "contract: data_hash must be 40 hex chars")
	}
	if c.DataSize < 1 {
		return perr.Wrap(perr.ErrInvalidContract, "contract: data_size must be >= 1")
	}
	if c.StoreBegin >= c.StoreEnd {
		return perr.Wrap(perr.ErrInvalidContract, "contract: store_begin must be < store_end")
	}
	for _, leaf := range c.AuditLeaves {
		if !reHex64.MatchString(leaf) {
			return perr.Wrap(perr.ErrInvalidContract, "contract: audit_leaves entries must be 64 hex chars")
		}
	}
	if uint32(len(c.AuditLeaves)) != 0 && c.AuditCount == 0 {
		// leaves padded to a power of two may legitimately exceed audit_count,
		// but audit_count == 0 must mean no leaves at all.
		return perr.Wrap(perr.ErrInvalidContract, "contract: audit_count zero but leaves present")
	}
	return nil
}

func validBase58Address(s string) bool {
	return len(s) >= 26 && len(s) <= 35 && reBase58.MatchString(s)
}

// IsComplete reports whether both signatures are present, verify, and every
// recognized field beyond the optional HD ones is populated.
func (c *Contract) IsComplete() (bool, error) {
	if c.RenterID == "" || c.FarmerID == "" || c.DataHash == "" ||
		c.PaymentSource == "" || c.PaymentDestination == "" ||
		c.RenterSignature == "" || c.FarmerSignature == "" {
		return false, nil
	}
	if err := c.Validate(); err != nil {
		return false, nil
	}
	renterOK, err := c.Verify(RoleRenter)
	if err != nil {
		return false, err
	}
	farmerOK, err := c.Verify(RoleFarmer)
	if err != nil {
		return false, err
	}
	return renterOK && farmerOK, nil
}

// Get returns the wire-form value of one recognized field, or false for an
// unrecognized key.
func (c *Contract) Get(key string) (interface{}, bool) {
	if !recognizedKeys[key] {
		return nil, false
	}
	m, err := c.Object()
	if err != nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Update applies Set for every entry in fields; unrecognized keys are
// silently ignored.
func (c *Contract) Update(fields map[string]interface{}) error {
	for k, v := range fields {
		if err := c.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Set whitelists a single recognized field update; unrecognized keys are
// silently ignored (only a whitelisted set of fields may be mutated).
func (c *Contract) Set(key string, value interface{}) error {
	if !recognizedKeys[key] {
		return nil
	}
	m, err := c.Object()
	if err != nil {
		return err
	}
	m[key] = value
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var updated Contract
	if err := json.Unmarshal(raw, &updated); err != nil {
		return perr.Wrap(perr.ErrInvalidContract, "contract: set: "+err.Error())
	}
	*c = updated
	return nil
}

// Diff lists the recognized keys whose values differ between a and b.
func Diff(a, b *Contract) ([]string, error) {
	ma, err := a.Object()
	if err != nil {
		return nil, err
	}
	mb, err := b.Object()
	if err != nil {
		return nil, err
	}
	var diffs []string
	for k := range recognizedKeys {
		av, _ := json.Marshal(ma[k])
		bv, _ := json.Marshal(mb[k])
		if !bytes.Equal(av, bv) {
			diffs = append(diffs, k)
		}
	}
	sort.Strings(diffs)
	return diffs, nil
}

// Compare reports whether a and b are equal on their canonical JSON form.
func Compare(a, b *Contract) (bool, error) {
	diffs, err := Diff(a, b)
	if err != nil {
		return false, err
	}
	return len(diffs) == 0, nil
}
