package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

const (
	// DefaultFee is the fixed transfer fee, 0.00000010 ckTestBTC.
	DefaultFee = 10
	// DefaultDecimals is the number of fractional digits of one token.
	DefaultDecimals = 8
	// DefaultTxWindow bounds how long a created_at_time stays acceptable.
	DefaultTxWindow = 24 * time.Hour
	// DefaultPermittedDrift tolerates clock skew between caller and ledger.
	DefaultPermittedDrift = time.Minute
)

// ErrBlockNotFound is returned when a block index has not been assigned yet.
var ErrBlockNotFound = errors.New("block not found")

// TransferArgs mirrors icrc1_transfer.
type TransferArgs struct {
	FromSubaccount Subaccount     `json:"from_subaccount,omitempty"`
	To             Account        `json:"to"`
	Amount         tokens.Amount  `json:"amount"`
	Fee            *tokens.Amount `json:"fee,omitempty"`
	Memo           []byte         `json:"memo,omitempty"`
	CreatedAtTime  *uint64        `json:"created_at_time,omitempty"`
}

// ApproveArgs mirrors icrc2_approve.
type ApproveArgs struct {
	FromSubaccount    Subaccount     `json:"from_subaccount,omitempty"`
	Spender           Account        `json:"spender"`
	Amount            tokens.Amount  `json:"amount"`
	ExpectedAllowance *tokens.Amount `json:"expected_allowance,omitempty"`
	ExpiresAt         *uint64        `json:"expires_at,omitempty"`
	Fee               *tokens.Amount `json:"fee,omitempty"`
	Memo              []byte         `json:"memo,omitempty"`
	CreatedAtTime     *uint64        `json:"created_at_time,omitempty"`
}

// AllowanceArgs mirrors icrc2_allowance.
type AllowanceArgs struct {
	Account Account `json:"account"`
	Spender Account `json:"spender"`
}

// TransferFromArgs mirrors icrc2_transfer_from.
type TransferFromArgs struct {
	SpenderSubaccount Subaccount     `json:"spender_subaccount,omitempty"`
	From              Account        `json:"from"`
	To                Account        `json:"to"`
	Amount            tokens.Amount  `json:"amount"`
	Fee               *tokens.Amount `json:"fee,omitempty"`
	Memo              []byte         `json:"memo,omitempty"`
	CreatedAtTime     *uint64        `json:"created_at_time,omitempty"`
}

// MintArgs credits new tokens to an account.
type MintArgs struct {
	To            Account       `json:"to"`
	Amount        tokens.Amount `json:"amount"`
	Memo          []byte        `json:"memo,omitempty"`
	CreatedAtTime *uint64       `json:"created_at_time,omitempty"`
}

// Allowance is a spending grant from an owner to a spender.
type Allowance struct {
	Allowance tokens.Amount `json:"allowance"`
	ExpiresAt *uint64       `json:"expires_at,omitempty"`
}

// MetadataEntry is one icrc1_metadata pair. Value is a string or a number.
type MetadataEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Standard is one icrc1_supported_standards record.
type Standard struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TokenLedger is the surface the custodial wallet consumes. It is satisfied
// by the in-process *Ledger and by the HTTP *Client.
type TokenLedger interface {
	BalanceOf(ctx context.Context, account Account) (tokens.Amount, error)
	Transfer(ctx context.Context, caller Principal, args TransferArgs) (uint64, error)
	Approve(ctx context.Context, caller Principal, args ApproveArgs) (uint64, error)
	Allowance(ctx context.Context, args AllowanceArgs) (Allowance, error)
	TransferFrom(ctx context.Context, caller Principal, args TransferFromArgs) (uint64, error)
	Mint(ctx context.Context, caller Principal, args MintArgs) (uint64, error)
	Fee(ctx context.Context) (tokens.Amount, error)
}

// Nanos converts a wall-clock time into ledger time.
func Nanos(t time.Time) uint64 {
	return uint64(t.UnixNano())
}
