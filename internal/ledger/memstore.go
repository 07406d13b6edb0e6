package ledger

import (
	"context"
	"sync"
)

// MemStore is an in-memory arena of records keyed by address. Update holds a
// single mutex for the whole transaction, so calls are serialized.
type MemStore struct {
	mu      sync.Mutex
	records map[Address]*Record
}

// NewMemStore creates an empty arena.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[Address]*Record)}
}

// Get implements Reader
func (s *MemStore) Get(_ context.Context, addr Address) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[addr].Clone(), nil
}

// Insert places a record directly, bypassing derivation checks. It stands in
// for storage that some other program or the host created.
func (s *MemStore) Insert(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Address] = rec.Clone()
}

// Snapshot returns a deep copy of every record.
func (s *MemStore) Snapshot() map[Address]*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Address]*Record, len(s.records))
	for addr, rec := range s.records {
		out[addr] = rec.Clone()
	}
	return out
}

// Len returns the number of stored records.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Update implements Store
func (s *MemStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, staged: make(map[Address]*Record)}
	if err := fn(tx); err != nil {
		return err
	}

	for addr, rec := range tx.staged {
		s.records[addr] = rec
	}
	return nil
}

type memTx struct {
	store  *MemStore
	staged map[Address]*Record
}

func (t *memTx) lookup(addr Address) *Record {
	if rec, ok := t.staged[addr]; ok {
		return rec
	}
	return t.store.records[addr]
}

func (t *memTx) Get(_ context.Context, addr Address) (*Record, error) {
	return t.lookup(addr).Clone(), nil
}

func (t *memTx) Create(_ context.Context, req CreateRequest) error {
	if err := req.Verify(); err != nil {
		return err
	}
	existing := t.lookup(req.Address)
	if existing.HasData() {
		return newError(CodeAlreadyInitialized, "record %s already allocated", req.Address)
	}

	balance := req.Balance
	if existing != nil {
		balance += existing.Balance
	}
	t.staged[req.Address] = &Record{
		Address: req.Address,
		Owner:   req.Owner,
		Label:   req.Label(),
		Balance: balance,
		Data:    make([]byte, req.Size),
	}
	return nil
}

func (t *memTx) Put(_ context.Context, addr Address, data []byte) error {
	existing := t.lookup(addr)
	if !existing.HasData() {
		return newError(CodeInvalidArgument, "write to unallocated record %s", addr)
	}
	if len(data) != len(existing.Data) {
		return newError(CodeInvalidRecordData, "write of %d bytes to %d-byte record %s", len(data), len(existing.Data), addr)
	}
	next := existing.Clone()
	next.Data = append(next.Data[:0], data...)
	t.staged[addr] = next
	return nil
}
