package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

// Reason names a ledger rejection. The set is closed.
type Reason string

const (
	ReasonBadFee                 Reason = "BadFee"
	ReasonBadBurn                Reason = "BadBurn"
	ReasonInsufficientFunds      Reason = "InsufficientFunds"
	ReasonInsufficientAllowance  Reason = "InsufficientAllowance"
	ReasonAllowanceChanged       Reason = "AllowanceChanged"
	ReasonExpired                Reason = "Expired"
	ReasonTooOld                 Reason = "TooOld"
	ReasonCreatedInFuture        Reason = "CreatedInFuture"
	ReasonDuplicate              Reason = "Duplicate"
	ReasonTemporarilyUnavailable Reason = "TemporarilyUnavailable"
	ReasonGenericError           Reason = "GenericError"
)

// Error is the structured rejection returned by every ledger operation. Only
// the payload fields belonging to Reason are meaningful.
type Error struct {
	Reason           Reason
	ExpectedFee      tokens.Amount
	MinBurnAmount    tokens.Amount
	Balance          tokens.Amount
	Allowance        tokens.Amount
	CurrentAllowance tokens.Amount
	LedgerTime       uint64
	DuplicateOf      uint64
	ErrorCode        uint64
	Message          string
}

var (
	ErrBadFee                 = &Error{Reason: ReasonBadFee}
	ErrBadBurn                = &Error{Reason: ReasonBadBurn}
	ErrInsufficientFunds      = &Error{Reason: ReasonInsufficientFunds}
	ErrInsufficientAllowance  = &Error{Reason: ReasonInsufficientAllowance}
	ErrAllowanceChanged       = &Error{Reason: ReasonAllowanceChanged}
	ErrExpired                = &Error{Reason: ReasonExpired}
	ErrTooOld                 = &Error{Reason: ReasonTooOld}
	ErrCreatedInFuture        = &Error{Reason: ReasonCreatedInFuture}
	ErrDuplicate              = &Error{Reason: ReasonDuplicate}
	ErrTemporarilyUnavailable = &Error{Reason: ReasonTemporarilyUnavailable}
	ErrGeneric                = &Error{Reason: ReasonGenericError}
)

func BadFee(expected tokens.Amount) *Error {
	return &Error{Reason: ReasonBadFee, ExpectedFee: expected}
}

func InsufficientFunds(balance tokens.Amount) *Error {
	return &Error{Reason: ReasonInsufficientFunds, Balance: balance}
}

func InsufficientAllowance(allowance tokens.Amount) *Error {
	return &Error{Reason: ReasonInsufficientAllowance, Allowance: allowance}
}

func AllowanceChanged(current tokens.Amount) *Error {
	return &Error{Reason: ReasonAllowanceChanged, CurrentAllowance: current}
}

func Expired(ledgerTime uint64) *Error {
	return &Error{Reason: ReasonExpired, LedgerTime: ledgerTime}
}

func TooOld() *Error { return &Error{Reason: ReasonTooOld} }

func CreatedInFuture(ledgerTime uint64) *Error {
	return &Error{Reason: ReasonCreatedInFuture, LedgerTime: ledgerTime}
}

func Duplicate(of uint64) *Error {
	return &Error{Reason: ReasonDuplicate, DuplicateOf: of}
}

func TemporarilyUnavailable() *Error { return &Error{Reason: ReasonTemporarilyUnavailable} }

func GenericError(code uint64, message string) *Error {
	return &Error{Reason: ReasonGenericError, ErrorCode: code, Message: message}
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonBadFee:
		return fmt.Sprintf("BadFee { expected_fee: %s }", e.ExpectedFee)
	case ReasonBadBurn:
		return fmt.Sprintf("BadBurn { min_burn_amount: %s }", e.MinBurnAmount)
	case ReasonInsufficientFunds:
		return fmt.Sprintf("InsufficientFunds { balance: %s }", e.Balance)
	case ReasonInsufficientAllowance:
		return fmt.Sprintf("InsufficientAllowance { allowance: %s }", e.Allowance)
	case ReasonAllowanceChanged:
		return fmt.Sprintf("AllowanceChanged { current_allowance: %s }", e.CurrentAllowance)
	case ReasonExpired:
		return fmt.Sprintf("Expired { ledger_time: %d }", e.LedgerTime)
	case ReasonCreatedInFuture:
		return fmt.Sprintf("CreatedInFuture { ledger_time: %d }", e.LedgerTime)
	case ReasonDuplicate:
		return fmt.Sprintf("Duplicate { duplicate_of: %d }", e.DuplicateOf)
	case ReasonGenericError:
		return fmt.Sprintf("GenericError { error_code: %d, message: %q }", e.ErrorCode, e.Message)
	default:
		return string(e.Reason)
	}
}

// Is matches any *Error with the same reason, so callers can test against the
// package sentinels with errors.Is regardless of payload.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// payload returns the variant body keyed by the token-standard field names.
func (e *Error) payload() map[string]any {
	switch e.Reason {
	case ReasonBadFee:
		return map[string]any{"expected_fee": e.ExpectedFee}
	case ReasonBadBurn:
		return map[string]any{"min_burn_amount": e.MinBurnAmount}
	case ReasonInsufficientFunds:
		return map[string]any{"balance": e.Balance}
	case ReasonInsufficientAllowance:
		return map[string]any{"allowance": e.Allowance}
	case ReasonAllowanceChanged:
		return map[string]any{"current_allowance": e.CurrentAllowance}
	case ReasonExpired, ReasonCreatedInFuture:
		return map[string]any{"ledger_time": e.LedgerTime}
	case ReasonDuplicate:
		return map[string]any{"duplicate_of": e.DuplicateOf}
	case ReasonGenericError:
		return map[string]any{"error_code": e.ErrorCode, "message": e.Message}
	default:
		return nil
	}
}

// MarshalJSON encodes the error as a single-key variant, e.g.
// {"InsufficientFunds":{"balance":"999"}}.
func (e *Error) MarshalJSON() ([]byte, error) {
	body := e.payload()
	if body == nil {
		return json.Marshal(map[string]any{string(e.Reason): nil})
	}
	return json.Marshal(map[string]any{string(e.Reason): body})
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var variant map[string]json.RawMessage
	if err := json.Unmarshal(data, &variant); err != nil {
		return err
	}
	if len(variant) != 1 {
		return fmt.Errorf("ledger error must have exactly one variant, got %d", len(variant))
	}
	for reason, raw := range variant {
		var body struct {
			ExpectedFee      tokens.Amount `json:"expected_fee"`
			MinBurnAmount    tokens.Amount `json:"min_burn_amount"`
			Balance          tokens.Amount `json:"balance"`
			Allowance        tokens.Amount `json:"allowance"`
			CurrentAllowance tokens.Amount `json:"current_allowance"`
			LedgerTime       uint64        `json:"ledger_time"`
			DuplicateOf      uint64        `json:"duplicate_of"`
			ErrorCode        uint64        `json:"error_code"`
			Message          string        `json:"message"`
		}
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("decode %s payload: %w", reason, err)
			}
		}
		*e = Error{
			Reason:           Reason(reason),
			ExpectedFee:      body.ExpectedFee,
			MinBurnAmount:    body.MinBurnAmount,
			Balance:          body.Balance,
			Allowance:        body.Allowance,
			CurrentAllowance: body.CurrentAllowance,
			LedgerTime:       body.LedgerTime,
			DuplicateOf:      body.DuplicateOf,
			ErrorCode:        body.ErrorCode,
			Message:          body.Message,
		}
	}
	return nil
}
