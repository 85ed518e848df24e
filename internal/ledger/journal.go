package ledger

import (
	"context"
	"sync"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

// Operation names the kind of state change a block records.
type Operation string

const (
	OpTransfer     Operation = "transfer"
	OpBurn         Operation = "burn"
	OpApprove      Operation = "approve"
	OpTransferFrom Operation = "transfer_from"
	OpMint         Operation = "mint"
)

// Block is the durable record of one state-changing ledger call.
type Block struct {
	Index         uint64        `json:"index"`
	Operation     Operation     `json:"operation"`
	From          *Account      `json:"from,omitempty"`
	To            *Account      `json:"to,omitempty"`
	Spender       *Account      `json:"spender,omitempty"`
	Amount        tokens.Amount `json:"amount"`
	Fee           tokens.Amount `json:"fee"`
	ExpiresAt     *uint64       `json:"expires_at,omitempty"`
	Memo          []byte        `json:"memo,omitempty"`
	CreatedAtTime *uint64       `json:"created_at_time,omitempty"`
	Timestamp     uint64        `json:"timestamp"`
	TxHash        string        `json:"tx_hash,omitempty"`
}

// minted is the supply the block adds.
func (b Block) minted() tokens.Amount {
	if b.Operation == OpMint {
		return b.Amount
	}
	return tokens.Zero()
}

// burned is the supply the block removes: the fee, plus the amount for burns.
func (b Block) burned() tokens.Amount {
	if b.Operation == OpBurn {
		total, err := b.Amount.Add(b.Fee)
		if err == nil {
			return total
		}
	}
	return b.Fee
}

// Journal is the append-only block log. Indices start at 0 and are never
// reused.
type Journal interface {
	// Append assigns the next index to b and stores it.
	Append(ctx context.Context, b Block) (uint64, error)
	Block(ctx context.Context, index uint64) (Block, error)
	Blocks(ctx context.Context, start, length uint64) ([]Block, error)
	Length(ctx context.Context) (uint64, error)
	// Supply is everything minted minus everything burned.
	Supply(ctx context.Context) (tokens.Amount, error)
	// FindDuplicate looks for a block with the same hash created at or after since.
	FindDuplicate(ctx context.Context, txHash string, since uint64) (uint64, bool, error)
}

type memoryJournal struct {
	mu     sync.RWMutex
	blocks []Block
	minted tokens.Amount
	burned tokens.Amount
	hashes map[string]uint64
}

// NewMemoryJournal builds an in-memory journal.
func NewMemoryJournal() Journal {
	return &memoryJournal{hashes: make(map[string]uint64)}
}

func (j *memoryJournal) Append(_ context.Context, b Block) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	minted, err := j.minted.Add(b.minted())
	if err != nil {
		return 0, err
	}
	burned, err := j.burned.Add(b.burned())
	if err != nil {
		return 0, err
	}
	b.Index = uint64(len(j.blocks))
	j.blocks = append(j.blocks, b)
	j.minted, j.burned = minted, burned
	if b.TxHash != "" {
		j.hashes[b.TxHash] = b.Index
	}
	return b.Index, nil
}

func (j *memoryJournal) Block(_ context.Context, index uint64) (Block, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if index >= uint64(len(j.blocks)) {
		return Block{}, ErrBlockNotFound
	}
	return j.blocks[index], nil
}

func (j *memoryJournal) Blocks(_ context.Context, start, length uint64) ([]Block, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	total := uint64(len(j.blocks))
	if start >= total {
		return []Block{}, nil
	}
	end := start + length
	if end > total || end < start {
		end = total
	}
	out := make([]Block, end-start)
	copy(out, j.blocks[start:end])
	return out, nil
}

func (j *memoryJournal) Length(_ context.Context) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.blocks)), nil
}

func (j *memoryJournal) Supply(_ context.Context) (tokens.Amount, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.minted.Sub(j.burned)
}

func (j *memoryJournal) FindDuplicate(_ context.Context, txHash string, since uint64) (uint64, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	index, ok := j.hashes[txHash]
	if !ok || j.blocks[index].Timestamp < since {
		return 0, false, nil
	}
	return index, true, nil
}
