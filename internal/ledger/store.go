package ledger

import (
	"context"
	"time"
)

// AccountRef is a record reference supplied by the host with an instruction.
// IsSigner has already been verified by the host; the core only reads it.
type AccountRef struct {
	Address    Address `json:"address"`
	IsSigner   bool    `json:"signer"`
	IsWritable bool    `json:"writable"`
}

// Signer returns a reference that carries a verified signature.
func Signer(addr Address) AccountRef {
	return AccountRef{Address: addr, IsSigner: true, IsWritable: true}
}

// Writable returns a reference without a signature.
func Writable(addr Address) AccountRef {
	return AccountRef{Address: addr, IsWritable: true}
}

// ReadOnly returns a reference without a signature or write intent.
func ReadOnly(addr Address) AccountRef {
	return AccountRef{Address: addr}
}

// Record is raw storage at an address: owner tag, funded balance, and data.
type Record struct {
	Address Address
	Owner   Address
	Label   string
	Balance uint64
	Data    []byte
}

// HasData reports whether the record exists and holds any bytes.
func (r *Record) HasData() bool {
	return r != nil && len(r.Data) > 0
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	return &c
}

// CreateRequest allocates zero-filled storage at a derived address. Seeds
// include the bump and must reproduce Address under Owner.
type CreateRequest struct {
	Address Address
	Size    int
	Payer   Address
	Balance uint64
	Owner   Address
	Seeds   [][]byte
}

// Label returns the namespace label of the request, its first seed.
func (r CreateRequest) Label() string {
	if len(r.Seeds) == 0 {
		return ""
	}
	return string(r.Seeds[0])
}

// Verify checks the request against the derivation function.
func (r CreateRequest) Verify() error {
	if r.Size <= 0 {
		return newError(CodeInvalidArgument, "allocation size %d", r.Size)
	}
	derived, err := CreateProgramAddress(r.Seeds, r.Owner)
	if err != nil {
		return newError(CodeInvalidArgument, "create %s: %v", r.Address, err)
	}
	if derived != r.Address {
		return newError(CodeInvalidArgument, "create seeds derive %s, not %s", derived, r.Address)
	}
	return nil
}

// Reader looks up records outside of a transaction.
type Reader interface {
	// Get returns the record at addr, or nil when nothing is stored there.
	Get(ctx context.Context, addr Address) (*Record, error)
}

// Tx is one isolated read-modify-write unit. Creates and puts are staged and
// only become visible when the function passed to Store.Update returns nil.
type Tx interface {
	Get(ctx context.Context, addr Address) (*Record, error)
	Create(ctx context.Context, req CreateRequest) error
	Put(ctx context.Context, addr Address, data []byte) error
}

// Store applies transactions atomically: all staged writes or none.
type Store interface {
	Reader
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// Clock stamps audit records.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

// Now implements Clock
func (f ClockFunc) Now() int64 { return f() }

// WallClock reads unix seconds from the system clock.
var WallClock Clock = ClockFunc(func() int64 { return time.Now().Unix() })

// Rent is the funding policy for retaining a record indefinitely.
type Rent interface {
	MinimumBalance(size int) uint64
}

// RentSchedule charges storage per byte-year over an exemption window, with a
// fixed per-record overhead.
type RentSchedule struct {
	UnitsPerByteYear uint64
	ExemptionYears   uint64
	OverheadBytes    uint64
}

// DefaultRent is the schedule used when none is configured.
var DefaultRent = RentSchedule{
	UnitsPerByteYear: 3480,
	ExemptionYears:   2,
	OverheadBytes:    128,
}

// MinimumBalance implements Rent
func (r RentSchedule) MinimumBalance(size int) uint64 {
	return (r.OverheadBytes + uint64(size)) * r.UnitsPerByteYear * r.ExemptionYears
}
