package contract

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"

	"shardpeer/identity"
)

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

// verifyRecoversTo recovers the pubkey behind a compact signature and
// confirms it maps to the expected node id.
func verifyRecoversTo(digest, sig []byte, expected identity.NodeID) (bool, []byte, error) {
	pub, err := identity.RecoverCompact(digest, sig)
	if err != nil {
		return false, nil, nil
	}
	got := identity.PubKeyToNodeID(pub)
	return bytes.Equal(got[:], expected[:]), pub, nil
}
