package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bardlex/workledger/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_records (
	address    BYTEA PRIMARY KEY CHECK (octet_length(address) = 32),
	owner      BYTEA NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	data       BYTEA NOT NULL DEFAULT ''::bytea,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ledger_records_task_node
	ON ledger_records (owner, substring(data FROM 1 FOR 32))
	WHERE label = 'task';
`

// RecordRow is one row of ledger_records
type RecordRow struct {
	Address   []byte    `db:"address"`
	Owner     []byte    `db:"owner"`
	Label     string    `db:"label"`
	Balance   int64     `db:"balance"`
	Data      []byte    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Record converts the row into a ledger record
func (r *RecordRow) Record() (*ledger.Record, error) {
	if len(r.Address) != ledger.AddressSize || len(r.Owner) != ledger.AddressSize {
		return nil, fmt.Errorf("malformed row: address %d bytes, owner %d bytes", len(r.Address), len(r.Owner))
	}
	if r.Balance < 0 {
		return nil, fmt.Errorf("malformed row: negative balance %d", r.Balance)
	}
	return &ledger.Record{
		Address: ledger.Address(r.Address),
		Owner:   ledger.Address(r.Owner),
		Label:   r.Label,
		Balance: uint64(r.Balance),
		Data:    r.Data,
	}, nil
}

// TaskEntry is a decoded task record with its storage metadata
type TaskEntry struct {
	Address   ledger.Address     `json:"address"`
	Task      *ledger.TaskRecord `json:"task"`
	CreatedAt time.Time          `json:"created_at"`
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord returns nil without error when the row does not exist
func scanRecord(row scanner) (*ledger.Record, error) {
	var r RecordRow
	err := row.Scan(&r.Address, &r.Owner, &r.Label, &r.Balance, &r.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.Record()
}

func toBalance(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("balance %d exceeds column range", v)
	}
	return int64(v), nil
}
