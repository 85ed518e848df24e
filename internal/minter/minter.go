package minter

import (
	"context"
	"fmt"
	"strings"

	"github.com/congo-pay/testbtc_custody/internal/ledger"
)

const (
	// MinWithdrawalAmount is the smallest retrieve_btc request in satoshis.
	MinWithdrawalAmount = 1000
	// NetworkFee is the estimated bitcoin network fee.
	NetworkFee = 5000
	// MinterFee is charged by the minter on top of the network fee.
	MinterFee = 100
)

// Status is the lifecycle of a withdrawal on the settlement network.
type Status string

const (
	StatusUnknown      Status = "Unknown"
	StatusPending      Status = "Pending"
	StatusSigning      Status = "Signing"
	StatusSending      Status = "Sending"
	StatusSubmitted    Status = "Submitted"
	StatusAmountTooLow Status = "AmountTooLow"
	StatusConfirmed    Status = "Confirmed"
)

// RetrieveStatus is the answer to a withdrawal status query. TxID is set once
// the transaction is being sent.
type RetrieveStatus struct {
	Status Status `json:"status"`
	TxID   string `json:"txid,omitempty"`
}

// WithdrawalFee is the fee estimate for retrieve_btc.
type WithdrawalFee struct {
	BitcoinFee uint64 `json:"bitcoin_fee"`
	MinterFee  uint64 `json:"minter_fee"`
}

// Reason names a minter rejection.
type Reason string

const (
	ReasonMalformedAddress       Reason = "MalformedAddress"
	ReasonAlreadyProcessing      Reason = "AlreadyProcessing"
	ReasonAmountTooLow           Reason = "AmountTooLow"
	ReasonInsufficientFunds      Reason = "InsufficientFunds"
	ReasonTemporarilyUnavailable Reason = "TemporarilyUnavailable"
	ReasonGenericError           Reason = "GenericError"
)

// Error is a structured retrieve_btc rejection.
type Error struct {
	Reason    Reason `json:"reason"`
	Message   string `json:"message,omitempty"`
	MinAmount uint64 `json:"min_amount,omitempty"`
	Balance   uint64 `json:"balance,omitempty"`
	ErrorCode uint64 `json:"error_code,omitempty"`
}

var (
	ErrMalformedAddress = &Error{Reason: ReasonMalformedAddress}
	ErrAmountTooLow     = &Error{Reason: ReasonAmountTooLow}
)

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonMalformedAddress:
		return fmt.Sprintf("MalformedAddress(%q)", e.Message)
	case ReasonAmountTooLow:
		return fmt.Sprintf("AmountTooLow(%d)", e.MinAmount)
	case ReasonInsufficientFunds:
		return fmt.Sprintf("InsufficientFunds { balance: %d }", e.Balance)
	case ReasonTemporarilyUnavailable:
		return fmt.Sprintf("TemporarilyUnavailable(%q)", e.Message)
	case ReasonGenericError:
		return fmt.Sprintf("GenericError { error_code: %d, error_message: %q }", e.ErrorCode, e.Message)
	default:
		return string(e.Reason)
	}
}

// Is matches on reason only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// Minter bridges the token to the bitcoin test network.
type Minter interface {
	DepositAddress(ctx context.Context, owner ledger.Principal, subaccount ledger.Subaccount) (string, error)
	RetrieveBTC(ctx context.Context, address string, amount uint64) (uint64, error)
	RetrieveStatus(ctx context.Context, blockIndex uint64) (RetrieveStatus, error)
	EstimateWithdrawalFee(ctx context.Context, amount *uint64) (WithdrawalFee, error)
}

// ValidateAddress accepts bech32 (tb1), P2SH (2) and P2PKH (m, n) testnet
// addresses.
func ValidateAddress(address string) error {
	for _, prefix := range []string{"tb1", "2", "m", "n"} {
		if strings.HasPrefix(address, prefix) {
			return nil
		}
	}
	return &Error{Reason: ReasonMalformedAddress, Message: "Invalid TestBTC address format"}
}
