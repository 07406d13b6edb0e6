package ledger

import (
	"context"
	"io"
	"log/slog"
)

// Processor validates instructions and applies their state transitions.
type Processor struct {
	programID Address
	store     Store
	clock     Clock
	rent      Rent
	logger    *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithRent overrides the funding policy.
func WithRent(r Rent) Option {
	return func(p *Processor) { p.rent = r }
}

// WithLogger sets the logger used for transitions and rejections.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a processor for programID over store.
func NewProcessor(programID Address, store Store, clock Clock, opts ...Option) *Processor {
	p := &Processor{
		programID: programID,
		store:     store,
		clock:     clock,
		rent:      DefaultRent,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = WallClock
	}
	return p
}

// ProgramID returns the owner tag stamped on every record the processor creates.
func (p *Processor) ProgramID() Address {
	return p.programID
}

// Receipt describes the committed effect of one instruction.
type Receipt struct {
	Instruction Instruction
	Created     []Address
	Updated     []Address

	Config *NetworkConfig
	Node   *NodeAccount
	Task   *TaskRecord
}

func (r *Receipt) created(addr Address) { r.Created = append(r.Created, addr) }
func (r *Receipt) updated(addr Address) { r.Updated = append(r.Updated, addr) }

// Process decodes payload and executes it against accounts.
func (p *Processor) Process(ctx context.Context, accounts []AccountRef, payload []byte) (*Receipt, error) {
	ix, err := DecodeInstruction(payload)
	if err != nil {
		p.logger.Debug("instruction rejected", "stage", "decode", "error", err)
		return nil, err
	}
	return p.Execute(ctx, accounts, ix)
}

// Execute runs an already decoded instruction. Either every write it stages is
// committed or none is.
func (p *Processor) Execute(ctx context.Context, accounts []AccountRef, ix Instruction) (*Receipt, error) {
	if len(accounts) < ix.AccountCount() {
		err := newError(CodeNotEnoughAccounts, "%s needs %d records, got %d", ix.Name(), ix.AccountCount(), len(accounts))
		p.logger.Debug("instruction rejected", "instruction", ix.Name(), "error", err)
		return nil, err
	}

	var receipt *Receipt
	err := p.store.Update(ctx, func(tx Tx) error {
		receipt = &Receipt{Instruction: ix}
		switch ix := ix.(type) {
		case InitNetwork:
			return p.initNetwork(ctx, tx, accounts, ix, receipt)
		case RegisterNode:
			return p.registerNode(ctx, tx, accounts, receipt)
		case SubmitTask:
			return p.submitTask(ctx, tx, accounts, ix, receipt)
		case ClaimReward:
			return p.claimReward(ctx, tx, accounts, ix, receipt)
		default:
			return newError(CodeMalformedPayload, "unsupported instruction %T", ix)
		}
	})
	if err != nil {
		if code, ok := CodeOf(err); ok {
			p.logger.Debug("instruction rejected", "instruction", ix.Name(), "code", code.String(), "error", err)
		} else {
			p.logger.Error("instruction failed", "instruction", ix.Name(), "error", err)
		}
		return nil, err
	}

	p.logger.Info("instruction applied",
		"instruction", ix.Name(),
		"created", len(receipt.Created),
		"updated", len(receipt.Updated),
	)
	return receipt, nil
}
