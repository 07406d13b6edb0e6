// Package ledger implements the on-ledger accounting core for the work ledger:
// network configuration, node registration, task attestation, and reward
// claims over three fixed-layout record kinds addressed by derived addresses.
package ledger

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// AddressSize is the length of every ledger address and identity.
const AddressSize = 32

const (
	// MaxSeeds bounds the number of seeds accepted by the derivation functions,
	// the bump seed included.
	MaxSeeds = 16
	// MaxSeedLen bounds the length of a single seed.
	MaxSeedLen = 32

	derivationMarker = "ProgramDerivedAddress"
)

// Seed labels for the three record kinds.
var (
	ConfigLabel = []byte("config")
	NodeLabel   = []byte("node")
	TaskLabel   = []byte("task")
)

var (
	// ErrInvalidSeeds is returned when seeds exceed the limits or hash to an
	// address that an external key could control.
	ErrInvalidSeeds = errors.New("seeds do not produce a valid program address")
	// ErrNoViableBump is returned when no bump in 255..0 yields a valid address.
	ErrNoViableBump = errors.New("unable to find a viable bump seed")
)

// Address identifies a record, an identity, or the program itself.
type Address [AddressSize]byte

// String returns the base58 form of the address.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero reports whether every byte of the address is zero.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress decodes a base58 address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	raw := base58.Decode(s)
	if len(raw) != AddressSize {
		return addr, fmt.Errorf("invalid address %q: decoded %d bytes, want %d", s, len(raw), AddressSize)
	}
	copy(addr[:], raw)
	return addr, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// CreateProgramAddress hashes the seeds together with the program id. The
// result is rejected when it is a valid secp256k1 x-coordinate, since such an
// address could be signed for by whoever holds the matching private key.
func CreateProgramAddress(seeds [][]byte, programID Address) (Address, error) {
	var addr Address
	if len(seeds) > MaxSeeds {
		return addr, ErrInvalidSeeds
	}

	var buf bytes.Buffer
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return addr, ErrInvalidSeeds
		}
		buf.Write(seed)
	}
	buf.Write(programID[:])
	buf.WriteString(derivationMarker)

	hash := chainhash.HashH(buf.Bytes())
	if isOnCurve(hash[:]) {
		return addr, ErrInvalidSeeds
	}

	copy(addr[:], hash[:])
	return addr, nil
}

// FindProgramAddress searches bumps from 255 down to 0 and returns the first
// address that CreateProgramAddress accepts, along with that bump.
func FindProgramAddress(seeds [][]byte, programID Address) (Address, uint8, error) {
	if len(seeds)+1 > MaxSeeds {
		return Address{}, 0, ErrInvalidSeeds
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return Address{}, 0, ErrInvalidSeeds
		}
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		if addr, err := CreateProgramAddress(withBump, programID); err == nil {
			return addr, uint8(bump), nil
		}
	}
	return Address{}, 0, ErrNoViableBump
}

// isOnCurve treats the hash as a compressed public key with even y.
func isOnCurve(x []byte) bool {
	compressed := make([]byte, 0, 33)
	compressed = append(compressed, 0x02)
	compressed = append(compressed, x...)
	_, err := btcec.ParsePubKey(compressed)
	return err == nil
}

// ConfigSeeds returns the seeds of the singleton config record.
func ConfigSeeds() [][]byte {
	return [][]byte{ConfigLabel}
}

// NodeSeeds returns the seeds of the node record owned by identity.
func NodeSeeds(identity Address) [][]byte {
	return [][]byte{NodeLabel, identity[:]}
}

// TaskSeeds returns the seeds of the task record for (identity, taskHash).
func TaskSeeds(identity Address, taskHash [32]byte) [][]byte {
	return [][]byte{TaskLabel, identity[:], taskHash[:]}
}

// ConfigAddress derives the config record address.
func ConfigAddress(programID Address) (Address, uint8, error) {
	return FindProgramAddress(ConfigSeeds(), programID)
}

// NodeAddress derives the node record address for identity.
func NodeAddress(programID, identity Address) (Address, uint8, error) {
	return FindProgramAddress(NodeSeeds(identity), programID)
}

// TaskAddress derives the task record address for (identity, taskHash).
func TaskAddress(programID, identity Address, taskHash [32]byte) (Address, uint8, error) {
	return FindProgramAddress(TaskSeeds(identity, taskHash), programID)
}

// MarshalText encodes the address as base58.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a base58 address.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
