package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SubaccountNameLen is the number of bytes reserved for the name inside a
// 32-byte subaccount identifier.
const SubaccountNameLen = 12

// DefaultSubaccountName is used when no name is configured.
const DefaultSubaccountName = "default"

// Subaccount addresses a sub-ledger under one signing identity. Its wire form
// is bytes32: the 20-byte owner followed by the name right-padded with zeros.
type Subaccount struct {
	Owner common.Address
	Name  string
}

// NewSubaccount validates name and builds a Subaccount.
func NewSubaccount(owner common.Address, name string) (Subaccount, error) {
	if name == "" {
		name = DefaultSubaccountName
	}
	if len(name) > SubaccountNameLen {
		return Subaccount{}, fmt.Errorf("subaccount name %q longer than %d bytes", name, SubaccountNameLen)
	}
	return Subaccount{Owner: owner, Name: name}, nil
}

// Bytes32 returns the wire identifier.
func (s Subaccount) Bytes32() [32]byte {
	var out [32]byte
	copy(out[:20], s.Owner.Bytes())
	copy(out[20:], []byte(s.Name))
	return out
}

// Hex returns the 0x-prefixed identifier used in stream requests.
func (s Subaccount) Hex() string {
	b := s.Bytes32()
	return "0x" + hex.EncodeToString(b[:])
}

func (s Subaccount) String() string { return s.Hex() }

// ParseSubaccount decodes a 0x-prefixed bytes32 identifier.
func ParseSubaccount(raw string) (Subaccount, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return Subaccount{}, fmt.Errorf("parse subaccount: %w", err)
	}
	if len(b) != 32 {
		return Subaccount{}, fmt.Errorf("parse subaccount: want 32 bytes, got %d", len(b))
	}
	name := strings.TrimRight(string(b[20:]), "\x00")
	return Subaccount{Owner: common.BytesToAddress(b[:20]), Name: name}, nil
}
