package ledger

import (
	"context"
	"math/bits"
)

func requireSigner(ref AccountRef, role string) error {
	if !ref.IsSigner {
		return newError(CodeMissingAuthorization, "%s %s did not sign", role, ref.Address)
	}
	return nil
}

func (p *Processor) requireOwned(rec *Record, role string) error {
	if rec == nil {
		return newError(CodeIncorrectOwner, "%s record does not exist", role)
	}
	if rec.Owner != p.programID {
		return newError(CodeIncorrectOwner, "%s record %s is owned by %s", role, rec.Address, rec.Owner)
	}
	return nil
}

// requireDerived recomputes the address for seeds and compares it, and the
// stored bump when one is given, with what the caller supplied.
func (p *Processor) requireDerived(supplied Address, seeds [][]byte, storedBump *uint8, role string) (uint8, error) {
	expected, bump, err := FindProgramAddress(seeds, p.programID)
	if err != nil {
		return 0, newError(CodeInvalidArgument, "%s address: %v", role, err)
	}
	if expected != supplied {
		return 0, newError(CodeInvalidArgument, "%s address %s does not match derived %s", role, supplied, expected)
	}
	if storedBump != nil && *storedBump != bump {
		return 0, newError(CodeInvalidArgument, "%s bump %d does not match derived %d", role, *storedBump, bump)
	}
	return bump, nil
}

func withBump(seeds [][]byte, bump uint8) [][]byte {
	out := make([][]byte, 0, len(seeds)+1)
	out = append(out, seeds...)
	return append(out, []byte{bump})
}

// loadConfig and loadNode check ownership before decoding, so a foreign
// record reports IncorrectOwner whatever its bytes hold.
func (p *Processor) loadConfig(ctx context.Context, tx Tx, addr Address) (*Record, *NetworkConfig, error) {
	rec, err := tx.Get(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, newError(CodeInvalidRecordData, "config record %s does not exist", addr)
	}
	if err := p.requireOwned(rec, "config"); err != nil {
		return nil, nil, err
	}
	cfg, err := UnmarshalNetworkConfig(rec.Data)
	if err != nil {
		return nil, nil, err
	}
	return rec, cfg, nil
}

func (p *Processor) loadNode(ctx context.Context, tx Tx, addr Address) (*Record, *NodeAccount, error) {
	rec, err := tx.Get(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, newError(CodeInvalidRecordData, "node record %s does not exist", addr)
	}
	if err := p.requireOwned(rec, "node"); err != nil {
		return nil, nil, err
	}
	node, err := UnmarshalNodeAccount(rec.Data)
	if err != nil {
		return nil, nil, err
	}
	return rec, node, nil
}

func checkedAdd(a, b uint64, field string) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, newError(CodeArithmeticOverflow, "%s: %d + %d", field, a, b)
	}
	return sum, nil
}

func checkedSub(a, b uint64, field string) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, newError(CodeArithmeticUnderflow, "%s: %d - %d", field, a, b)
	}
	return diff, nil
}
