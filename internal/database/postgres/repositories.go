package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bardlex/workledger/internal/ledger"
)

// RecordRepository reads ledger records outside of a transaction
type RecordRepository struct {
	db *sql.DB
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Get returns the record at addr, or nil when nothing is stored there
func (r *RecordRepository) Get(ctx context.Context, addr ledger.Address) (*ledger.Record, error) {
	query := `SELECT address, owner, label, balance, data FROM ledger_records WHERE address = $1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, addr[:]))
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", addr, err)
	}
	return rec, nil
}

// CountByLabel returns how many records owner holds per label
func (r *RecordRepository) CountByLabel(ctx context.Context, owner ledger.Address) (map[string]int64, error) {
	query := `
		SELECT label, count(*)
		FROM ledger_records
		WHERE owner = $1 AND octet_length(data) > 0
		GROUP BY label`

	rows, err := r.db.QueryContext(ctx, query, owner[:])
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var label string
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[label] = n
	}
	return counts, rows.Err()
}

// Fund adds amount to the balance at addr, creating an empty record when
// none exists. It stands in for a host transfer ahead of a create.
func (r *RecordRepository) Fund(ctx context.Context, addr ledger.Address, amount uint64) error {
	balance, err := toBalance(amount)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ledger_records (address, owner, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE
		SET balance = ledger_records.balance + EXCLUDED.balance, updated_at = now()`

	var zero ledger.Address
	if _, err := r.db.ExecContext(ctx, query, addr[:], zero[:], balance); err != nil {
		return fmt.Errorf("failed to fund %s: %w", addr, err)
	}
	return nil
}

// TaskRepository answers audit queries over task records
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// ListByNode returns the task records identity submitted under programID,
// oldest first
func (r *TaskRepository) ListByNode(ctx context.Context, programID, identity ledger.Address, limit, offset int) ([]*TaskEntry, error) {
	query := `
		SELECT address, data, created_at
		FROM ledger_records
		WHERE label = 'task' AND owner = $1 AND substring(data FROM 1 FOR 32) = $2
		ORDER BY created_at, address
		LIMIT $3 OFFSET $4`

	rows, err := r.db.QueryContext(ctx, query, programID[:], identity[:], limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*TaskEntry
	for rows.Next() {
		var addr, data []byte
		entry := &TaskEntry{}
		if err := rows.Scan(&addr, &data, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if len(addr) != ledger.AddressSize {
			return nil, fmt.Errorf("malformed task address of %d bytes", len(addr))
		}
		entry.Address = ledger.Address(addr)
		if entry.Task, err = ledger.UnmarshalTaskRecord(data); err != nil {
			return nil, fmt.Errorf("task %s: %w", entry.Address, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SumRewardsByNode totals the reward units of every task identity submitted
func (r *TaskRepository) SumRewardsByNode(ctx context.Context, programID, identity ledger.Address) (uint64, int64, error) {
	tasks, err := r.ListByNode(ctx, programID, identity, 1<<31-1, 0)
	if err != nil {
		return 0, 0, err
	}
	var sum uint64
	for _, entry := range tasks {
		sum += entry.Task.RewardUnits
	}
	return sum, int64(len(tasks)), nil
}
