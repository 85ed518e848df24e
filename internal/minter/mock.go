package minter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/congo-pay/testbtc_custody/internal/ledger"
)

// Mock is a deterministic in-process minter for local and test environments.
type Mock struct {
	mu          sync.Mutex
	blockIndex  uint64
	withdrawals map[uint64]RetrieveStatus
}

// NewMock builds an empty mock minter.
func NewMock() *Mock {
	return &Mock{withdrawals: make(map[uint64]RetrieveStatus)}
}

// DepositAddress derives "tb1q" followed by 32 hex characters of
// sha256(owner || subaccount).
func (m *Mock) DepositAddress(_ context.Context, owner ledger.Principal, subaccount ledger.Subaccount) (string, error) {
	h := sha256.New()
	h.Write([]byte(owner))
	if len(subaccount) > 0 {
		h.Write(subaccount)
	}
	sum := h.Sum(nil)
	return "tb1q" + hex.EncodeToString(sum[:20])[:32], nil
}

// RetrieveBTC validates the request and queues a Pending withdrawal.
func (m *Mock) RetrieveBTC(_ context.Context, address string, amount uint64) (uint64, error) {
	if err := ValidateAddress(address); err != nil {
		return 0, err
	}
	if amount < MinWithdrawalAmount {
		return 0, &Error{Reason: ReasonAmountTooLow, MinAmount: MinWithdrawalAmount}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockIndex++
	m.withdrawals[m.blockIndex] = RetrieveStatus{Status: StatusPending}
	return m.blockIndex, nil
}

// RetrieveStatus reports Unknown for indices it never issued.
func (m *Mock) RetrieveStatus(_ context.Context, blockIndex uint64) (RetrieveStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.withdrawals[blockIndex]
	if !ok {
		return RetrieveStatus{Status: StatusUnknown}, nil
	}
	return status, nil
}

// EstimateWithdrawalFee returns the fixed fee schedule.
func (m *Mock) EstimateWithdrawalFee(context.Context, *uint64) (WithdrawalFee, error) {
	return WithdrawalFee{BitcoinFee: NetworkFee, MinterFee: MinterFee}, nil
}

// SetStatus moves a queued withdrawal along. Statuses past Signing get a
// synthetic txid derived from the block index.
func (m *Mock) SetStatus(blockIndex uint64, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := RetrieveStatus{Status: status}
	switch status {
	case StatusSending, StatusSubmitted, StatusConfirmed:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], blockIndex)
		sum := sha256.Sum256(buf[:])
		out.TxID = hex.EncodeToString(sum[:])
	}
	m.withdrawals[blockIndex] = out
}
