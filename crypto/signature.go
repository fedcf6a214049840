package crypto

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier checks a signature over a digest for the given public key. It is a
// pure function; implementations must not keep state between calls.
type Verifier interface {
	Verify(pubkey, digest, signature []byte) bool
}

// Secp256k1Verifier verifies [R || S] or [R || S || V] secp256k1 signatures.
// High-S (malleable) signatures are rejected.
type Secp256k1Verifier struct{}

// Verify implements Verifier.
func (Secp256k1Verifier) Verify(pubkey, digest, signature []byte) bool {
	if len(digest) != 32 {
		return false
	}
	switch len(signature) {
	case 64:
	case 65:
		signature = signature[:64]
	default:
		return false
	}
	if len(pubkey) != 33 && len(pubkey) != 65 {
		return false
	}
	return crypto.VerifySignature(pubkey, digest, signature)
}

// RelayDigest binds a relayed message to the nonce it was signed for.
func RelayDigest(message []byte, nonce uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256(message, n[:])
}

// SignRelay signs message for the given nonce and returns the 64-byte
// signature accepted by Secp256k1Verifier.
func SignRelay(key *PrivateKey, message []byte, nonce uint64) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	sig, err := crypto.Sign(RelayDigest(message, nonce), key.PrivateKey)
	if err != nil {
		return nil, err
	}
	return sig[:64], nil
}
