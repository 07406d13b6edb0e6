package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/bardlex/workledger/internal/ledger"
	wlerrors "github.com/bardlex/workledger/pkg/errors"
)

const (
	selectForUpdate = `SELECT address, owner, label, balance, data FROM ledger_records WHERE address = $1 FOR UPDATE`

	// An existing row is only taken over while it holds no data, so two
	// concurrent creates at one address cannot both succeed.
	upsertCreated = `
		INSERT INTO ledger_records (address, owner, label, balance, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE
		SET owner = EXCLUDED.owner,
		    label = EXCLUDED.label,
		    balance = ledger_records.balance + EXCLUDED.balance,
		    data = EXCLUDED.data,
		    updated_at = now()
		WHERE octet_length(ledger_records.data) = 0`

	updateData = `UPDATE ledger_records SET data = $2, updated_at = now() WHERE address = $1`
)

// Store implements ledger.Store on PostgreSQL. Each Update is one database
// transaction; rows it reads are locked until commit.
type Store struct {
	db      *sql.DB
	records *RecordRepository
}

// NewStore creates a store over the client's pool
func NewStore(c *Client) *Store {
	return &Store{db: c.db, records: NewRecordRepository(c.db)}
}

// Get implements ledger.Reader
func (s *Store) Get(ctx context.Context, addr ledger.Address) (*ledger.Record, error) {
	rec, err := s.records.Get(ctx, addr)
	if err != nil {
		return nil, classify(err, "get_record")
	}
	return rec, nil
}

// Update implements ledger.Store
func (s *Store) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err, "begin")
	}

	tx := &pgTx{
		tx:     sqlTx,
		loaded: make(map[ledger.Address]*ledger.Record),
		staged: make(map[ledger.Address]*stagedRecord),
	}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		if _, ok := ledger.CodeOf(err); ok {
			return err
		}
		return classify(err, "update")
	}

	if err := tx.flush(ctx); err != nil {
		_ = sqlTx.Rollback()
		if _, ok := ledger.CodeOf(err); ok {
			return err
		}
		return classify(err, "flush")
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(err, "commit")
	}
	return nil
}

// classify wraps a driver error, marking serialization failures and
// deadlocks retryable
func classify(err error, operation string) error {
	se := wlerrors.Wrap(err, wlerrors.ErrorTypeDatabase, operation, "ledger store")
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		se.WithContext("sqlstate", string(pqErr.Code))
		if pqErr.Code.Class() == "40" {
			se.Retryable = true
		}
	}
	return se
}

type stagedRecord struct {
	rec     *ledger.Record
	created bool
	funding uint64
}

type pgTx struct {
	tx     *sql.Tx
	loaded map[ledger.Address]*ledger.Record
	staged map[ledger.Address]*stagedRecord
}

func (t *pgTx) lookup(ctx context.Context, addr ledger.Address) (*ledger.Record, error) {
	if s, ok := t.staged[addr]; ok {
		return s.rec, nil
	}
	if rec, ok := t.loaded[addr]; ok {
		return rec, nil
	}
	rec, err := scanRecord(t.tx.QueryRowContext(ctx, selectForUpdate, addr[:]))
	if err != nil {
		return nil, fmt.Errorf("lock record %s: %w", addr, err)
	}
	t.loaded[addr] = rec
	return rec, nil
}

func (t *pgTx) Get(ctx context.Context, addr ledger.Address) (*ledger.Record, error) {
	rec, err := t.lookup(ctx, addr)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (t *pgTx) Create(ctx context.Context, req ledger.CreateRequest) error {
	if err := req.Verify(); err != nil {
		return err
	}
	existing, err := t.lookup(ctx, req.Address)
	if err != nil {
		return err
	}
	if existing.HasData() {
		return &ledger.Error{Code: ledger.CodeAlreadyInitialized, Msg: fmt.Sprintf("record %s already allocated", req.Address)}
	}

	balance := req.Balance
	if existing != nil {
		balance += existing.Balance
	}
	t.staged[req.Address] = &stagedRecord{
		rec: &ledger.Record{
			Address: req.Address,
			Owner:   req.Owner,
			Label:   req.Label(),
			Balance: balance,
			Data:    make([]byte, req.Size),
		},
		created: true,
		funding: req.Balance,
	}
	return nil
}

func (t *pgTx) Put(ctx context.Context, addr ledger.Address, data []byte) error {
	existing, err := t.lookup(ctx, addr)
	if err != nil {
		return err
	}
	if !existing.HasData() {
		return &ledger.Error{Code: ledger.CodeInvalidArgument, Msg: fmt.Sprintf("write to unallocated record %s", addr)}
	}
	if len(data) != len(existing.Data) {
		return &ledger.Error{Code: ledger.CodeInvalidRecordData, Msg: fmt.Sprintf("write of %d bytes to %d-byte record %s", len(data), len(existing.Data), addr)}
	}

	if s, ok := t.staged[addr]; ok {
		s.rec.Data = append(s.rec.Data[:0], data...)
		return nil
	}
	next := existing.Clone()
	next.Data = append(next.Data[:0], data...)
	t.staged[addr] = &stagedRecord{rec: next}
	return nil
}

// flush writes staged records in address order so concurrent transactions
// touching the same rows take locks in the same order
func (t *pgTx) flush(ctx context.Context) error {
	addrs := make([]ledger.Address, 0, len(t.staged))
	for addr := range t.staged {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })

	for _, addr := range addrs {
		s := t.staged[addr]
		if !s.created {
			if _, err := t.tx.ExecContext(ctx, updateData, addr[:], s.rec.Data); err != nil {
				return fmt.Errorf("write record %s: %w", addr, err)
			}
			continue
		}

		funding, err := toBalance(s.funding)
		if err != nil {
			return err
		}
		res, err := t.tx.ExecContext(ctx, upsertCreated, addr[:], s.rec.Owner[:], s.rec.Label, funding, s.rec.Data)
		if err != nil {
			return fmt.Errorf("create record %s: %w", addr, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("create record %s: %w", addr, err)
		}
		if n == 0 {
			return &ledger.Error{Code: ledger.CodeAlreadyInitialized, Msg: fmt.Sprintf("record %s allocated concurrently", addr)}
		}
	}
	return nil
}
