package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/workledger/internal/ledger"
)

// Envelope carries one instruction to ledgerd. Payload is base64 in JSON.
type Envelope struct {
	ID          string              `json:"id"`
	Accounts    []ledger.AccountRef `json:"accounts"`
	Payload     []byte              `json:"payload"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

// NewEnvelope encodes ix with a fresh envelope id
func NewEnvelope(accounts []ledger.AccountRef, ix ledger.Instruction) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		Accounts:    accounts,
		Payload:     ix.Marshal(),
		SubmittedAt: time.Now().UTC(),
	}
}

// Validate checks the envelope shape. Instruction semantics are left to the
// processor.
func (e *Envelope) Validate() error {
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("invalid envelope id %q: %w", e.ID, err)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has an empty payload", e.ID)
	}
	if len(e.Accounts) == 0 {
		return fmt.Errorf("envelope %s lists no accounts", e.ID)
	}
	return nil
}

// Key returns the partition key: the first signer, so instructions of one
// signer stay ordered
func (e *Envelope) Key() string {
	for _, acc := range e.Accounts {
		if acc.IsSigner {
			return acc.Address.String()
		}
	}
	return e.ID
}

// Result statuses
const (
	StatusApplied   = "applied"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
	StatusThrottled = "throttled"
	StatusDuplicate = "duplicate"
)

// Result reports the outcome of one envelope
type Result struct {
	ID          string    `json:"id"`
	Instruction string    `json:"instruction,omitempty"`
	Status      string    `json:"status"`
	Code        uint32    `json:"code,omitempty"`
	CodeName    string    `json:"code_name,omitempty"`
	Message     string    `json:"message,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
	LatencyMs   float64   `json:"latency_ms"`
}

// NewResult classifies err into a result for envelope id
func NewResult(id, instruction string, err error, latency time.Duration) *Result {
	r := &Result{
		ID:          id,
		Instruction: instruction,
		Status:      StatusApplied,
		ProcessedAt: time.Now().UTC(),
		LatencyMs:   float64(latency) / float64(time.Millisecond),
	}
	if err == nil {
		return r
	}
	r.Message = err.Error()
	if code, ok := ledger.CodeOf(err); ok {
		r.Status = StatusRejected
		r.Code = uint32(code)
		r.CodeName = code.String()
	} else {
		r.Status = StatusFailed
	}
	return r
}
