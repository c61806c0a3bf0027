// Package identity implements the peer's cryptographic identity: an ECDSA
// secp256k1 key pair, optional BIP-32 HD derivation, and the 20-byte
// RIPEMD160(SHA256(pubkey)) node id used throughout the contract, protocol
// and token layers.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for the node-id scheme
)

// storageDerivationPurpose and storageDerivationAccount are the two hardened
// steps of the HD path m/3000'/0' used to derive a peer's storage identity key.
const (
	storageDerivationPurpose = 3000 + hdkeychain.HardenedKeyStart
	storageDerivationAccount = 0 + hdkeychain.HardenedKeyStart
)

// NodeID is the 20-byte RIPEMD160(SHA256(pubkey)) peer identifier.
type NodeID [20]byte

func (n NodeID) String() string { return fmt.Sprintf("%x", n[:]) }

// Bytes returns a copy of the raw id bytes.
func (n NodeID) Bytes() []byte {
	out := make([]byte, len(n))
	copy(out, n[:])
	return out
}

// Identity wraps a secp256k1 private key and optional HD provenance.
type Identity struct {
	priv    *btcec.PrivateKey
	hdKey   *hdkeychain.ExtendedKey // non-nil when derived from a master seed
	hdIndex uint32
	log     *logrus.Entry
}

// New wraps an existing private key.
func New(priv *btcec.PrivateKey, log *logrus.Logger) *Identity {
	if log == nil {
		log = logrus.New()
	}
	return &Identity{priv: priv, log: log.WithField("component", "identity")}
}

// Generate produces a fresh random identity.
func Generate(log *logrus.Logger) (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return New(priv, log), nil
}

// FromSeed derives a deterministic storage identity from a master seed,
// following the HD path m/3000'/0'.
func FromSeed(seed []byte, log *logrus.Logger) (*Identity, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("identity: hd master: %w", err)
	}
	purpose, err := master.Derive(storageDerivationPurpose)
	if err != nil {
		return nil, fmt.Errorf("identity: derive purpose: %w", err)
	}
	account, err := purpose.Derive(storageDerivationAccount)
	if err != nil {
		return nil, fmt.Errorf("identity: derive account: %w", err)
	}
	priv, err := account.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("identity: ec priv: %w", err)
	}
	id := New(priv, log)
	id.hdKey = account
	id.hdIndex = storageDerivationAccount - hdkeychain.HardenedKeyStart
	return id, nil
}

// HDIndex returns the child index of an HD-derived identity (0 when the
// identity was not derived from a seed).
func (id *Identity) HDIndex() uint32 { return id.hdIndex }

// PublicKey returns the 33-byte compressed public key.
func (id *Identity) PublicKey() []byte {
	return id.priv.PubKey().SerializeCompressed()
}

// PrivateKeyBytes returns the raw 32-byte scalar, the on-disk format the
// out-of-scope key-gen collaborator writes and cmd/peerd reads/persists.
func (id *Identity) PrivateKeyBytes() []byte {
	return id.priv.Serialize()
}

// FromPrivateKeyBytes wraps a raw 32-byte scalar (the key-gen collaborator's
// on-disk format) as an Identity.
func FromPrivateKeyBytes(b []byte, log *logrus.Logger) (*Identity, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("identity: key file must be 32 bytes, got %d", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return New(priv, log), nil
}

// NodeID computes RIPEMD160(SHA256(pubkey)).
func (id *Identity) NodeID() NodeID {
	return PubKeyToNodeID(id.PublicKey())
}

// Address returns the base58check rendering of the node id, the
// payment-address form of this identity.
func (id *Identity) Address() string {
	return base58.CheckEncode(id.NodeID().Bytes(), 0x00)
}

// PubKeyToNodeID applies the node-id scheme to an arbitrary compressed pubkey.
func PubKeyToNodeID(pub []byte) NodeID {
	sha := sha256.Sum256(pub)
	r := ripemd160.New()
	r.Write(sha[:])
	var out NodeID
	copy(out[:], r.Sum(nil))
	return out
}

// HDExtendedPublicKey returns the base58 extended public key string when
// this identity carries HD provenance, or "" otherwise.
func (id *Identity) HDExtendedPublicKey() string {
	if id.hdKey == nil {
		return ""
	}
	pub, err := id.hdKey.Neuter()
	if err != nil {
		return ""
	}
	return pub.String()
}

// Sign produces either a 65-byte recoverable compact signature (Bitcoin
// signed-message construction) or a DER-encoded ECDSA signature over
// SHA-256(msg).
func (id *Identity) Sign(msg []byte, compact bool) ([]byte, error) {
	if compact {
		digest := compactMessageDigest(msg)
		return ecdsa.SignCompact(id.priv, digest, true), nil
	}
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(id.priv, digest[:])
	return sig.Serialize(), nil
}

// Verify checks msg/sig against pubkey using the matching construction.
// For compact signatures the supplied pubkey is cross-checked against the
// one recovered from the signature; for DER signatures it verifies directly.
func Verify(msg, sig, pubkey []byte, compact bool) (bool, error) {
	if compact {
		digest := compactMessageDigest(msg)
		recovered, _, err := ecdsa.RecoverCompact(sig, digest)
		if err != nil {
			return false, nil
		}
		return bytes.Equal(recovered.SerializeCompressed(), pubkey), nil
	}
	parsed, err := btcec.ParsePubKey(pubkey)
	if err != nil {
		return false, fmt.Errorf("identity: parse pubkey: %w", err)
	}
	parsedSig, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, nil
	}
	digest := sha256.Sum256(msg)
	return parsedSig.Verify(digest[:], parsed), nil
}

// RecoverCompact recovers the compressed pubkey that produced a compact
// signature over msg, without requiring the verifier to already know it.
func RecoverCompact(msg, sig []byte) ([]byte, error) {
	digest := compactMessageDigest(msg)
	recovered, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return nil, fmt.Errorf("identity: recover pubkey: %w", err)
	}
	return recovered.SerializeCompressed(), nil
}

// compactMessageDigest implements the Bitcoin signed-message construction:
// double-SHA256 of a magic-prefixed, length-prefixed message.
func compactMessageDigest(msg []byte) []byte {
	const magic = "Bitcoin Signed Message:\n"
	buf := new(bytes.Buffer)
	writeVarString(buf, magic)
	writeVarString(buf, string(msg))
	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second[:]
}

func writeVarString(buf *bytes.Buffer, s string) {
	writeVarInt(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeVarInt(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(0xfe)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	}
}
