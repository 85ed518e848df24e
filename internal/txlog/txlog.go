package txlog

import (
	"context"
	"errors"
	"time"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

// DefaultLimit is the number of records a history query returns.
const DefaultLimit = 100

// Kind is the operation a record describes.
type Kind string

const (
	KindSend     Kind = "Send"
	KindReceive  Kind = "Receive"
	KindDeposit  Kind = "Deposit"
	KindWithdraw Kind = "Withdraw"
	KindMint     Kind = "Mint"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusFailed    Status = "Failed"
)

var (
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidTransition is returned when a record is not Pending or the
	// target status is not final.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Record is one operation attempt. Only Status and BlockIndex ever change,
// and only once, from Pending.
type Record struct {
	ID            uint64         `json:"id"`
	Owner         string         `json:"owner"`
	Kind          Kind           `json:"tx_type"`
	Token         string         `json:"token"`
	Amount        *tokens.Amount `json:"amount,omitempty"`
	VirtualAmount *tokens.Amount `json:"virtual_amount,omitempty"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Status        Status         `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	BlockIndex    *uint64        `json:"block_index,omitempty"`
}

// Log is an append-only sequence of records with ascending ids.
type Log interface {
	// Append assigns the next id and, when unset, the timestamp.
	Append(ctx context.Context, r Record) (Record, error)
	// SetStatus moves a Pending record to Confirmed or Failed.
	SetStatus(ctx context.Context, id uint64, status Status, blockIndex *uint64) (Record, error)
	Get(ctx context.Context, id uint64) (Record, error)
	// Recent returns up to limit records newest first. An empty owner matches
	// every record.
	Recent(ctx context.Context, owner string, limit int) ([]Record, error)
	// Depositors lists owners with at least one confirmed deposit.
	Depositors(ctx context.Context) ([]string, error)
}

func checkTransition(current, next Status) error {
	if current != StatusPending {
		return ErrInvalidTransition
	}
	if next != StatusConfirmed && next != StatusFailed {
		return ErrInvalidTransition
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultLimit {
		return DefaultLimit
	}
	return limit
}
