// Package wallet validates and normalizes the externally connected pro
// wallet address.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/pearfect/engine/internal/model"
)

// ErrInvalidAddress is returned for anything that is not a 20-byte hex
// address with a 0x prefix.
var ErrInvalidAddress = errors.New("wallet: invalid address")

// Checksum returns the EIP-55 mixed-case form of addr. Input case is
// ignored.
func Checksum(addr string) (string, error) {
	if len(addr) != 42 || !strings.HasPrefix(strings.ToLower(addr[:2]), "0x") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	lower := strings.ToLower(addr[2:])
	if _, err := hex.DecodeString(lower); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out), nil
}

// IsChecksummed reports whether addr is already in EIP-55 form.
func IsChecksummed(addr string) bool {
	c, err := Checksum(addr)
	return err == nil && c == addr
}

// Normalize validates a wallet link. A connected link must carry a valid
// address, which is rewritten to checksum form; a disconnected link
// drops any address.
func Normalize(link model.WalletLink) (model.WalletLink, error) {
	if !link.Connected {
		return model.WalletLink{Connected: false}, nil
	}
	if link.Address == nil {
		return model.WalletLink{}, fmt.Errorf("%w: connected wallet without address", ErrInvalidAddress)
	}
	c, err := Checksum(*link.Address)
	if err != nil {
		return model.WalletLink{}, err
	}
	return model.WalletLink{Connected: true, Address: &c}, nil
}
