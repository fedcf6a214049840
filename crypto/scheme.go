package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
	ErrPrefixMismatch   = errors.New("crypto: address prefix mismatch")
)

// AddressScheme maps public keys to account identifiers and renders them for
// humans. The derivation is the Ethereum one (last 20 bytes of the keccak256
// of the uncompressed key); the prefix only affects presentation.
type AddressScheme struct {
	Prefix AddressPrefix
}

// NewAddressScheme returns a scheme for prefix, falling back to DefaultPrefix.
func NewAddressScheme(prefix string) AddressScheme {
	trimmed := strings.ToLower(strings.TrimSpace(prefix))
	if trimmed == "" {
		return AddressScheme{Prefix: DefaultPrefix}
	}
	return AddressScheme{Prefix: AddressPrefix(trimmed)}
}

// Derive returns the identifier controlled by pubkey. Both compressed (33
// bytes) and uncompressed (65 bytes) secp256k1 encodings are accepted.
func (s AddressScheme) Derive(pubkey []byte) (common.Address, error) {
	switch len(pubkey) {
	case 33:
		key, err := crypto.DecompressPubkey(pubkey)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return crypto.PubkeyToAddress(*key), nil
	case 65:
		key, err := crypto.UnmarshalPubkey(pubkey)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return crypto.PubkeyToAddress(*key), nil
	default:
		return common.Address{}, fmt.Errorf("%w: unexpected length %d", ErrInvalidPublicKey, len(pubkey))
	}
}

// Format renders addr as bech32 under the scheme prefix.
func (s AddressScheme) Format(addr common.Address) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return NewAddress(prefix, addr.Bytes()).String()
}

// Parse accepts a bech32 address under the scheme prefix or a 0x-prefixed hex
// address.
func (s AddressScheme) Parse(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, errors.New("crypto: address required")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return common.Address{}, fmt.Errorf("crypto: invalid hex address %q", trimmed)
		}
		return common.HexToAddress(trimmed), nil
	}
	decoded, err := DecodeAddress(trimmed)
	if err != nil {
		return common.Address{}, err
	}
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if decoded.Prefix() != prefix {
		return common.Address{}, fmt.Errorf("%w: got %q want %q", ErrPrefixMismatch, decoded.Prefix(), prefix)
	}
	return decoded.Common(), nil
}
