package custody

import (
	"context"

	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/tokens"
	"github.com/congo-pay/testbtc_custody/internal/txlog"
)

// ICPToken names ICP in transaction records.
const ICPToken = "ICP"

const (
	// mockICPBalance is ten ICP in e8s, reported when no ICP ledger is set.
	mockICPBalance = 1_000_000_000
	// mockICPBlockIndex is returned by mocked ICP transfers.
	mockICPBlockIndex = 1
)

// icpMocked reports whether ICP calls are answered locally. A configured
// ICP ledger is always used.
func (s *Service) icpMocked() (bool, error) {
	if s.icp != nil {
		return false, nil
	}
	if FaucetEnabled(s.cfg.Environment) {
		return true, nil
	}
	return false, ErrICPUnavailable
}

// ICPBalance returns the caller's ICP balance.
func (s *Service) ICPBalance(ctx context.Context, caller ledger.Principal) (tokens.Amount, error) {
	mocked, err := s.icpMocked()
	if err != nil {
		return tokens.Amount{}, err
	}
	if mocked {
		return tokens.New(mockICPBalance), nil
	}
	return s.icp.BalanceOf(ctx, ledger.NewAccount(caller))
}

// TransferICP moves ICP from the caller's default account to the recipient's
// and records the outcome in the wallet log.
func (s *Service) TransferICP(ctx context.Context, caller, to ledger.Principal, amount tokens.Amount) (index uint64, err error) {
	defer s.observe("icp_transfer", s.clock(), &err)

	if err := checkRecipient(to); err != nil {
		return 0, err
	}
	if amount.IsZero() {
		return 0, ErrInvalidAmount
	}
	mocked, err := s.icpMocked()
	if err != nil {
		return 0, err
	}

	send := txlog.Record{
		Owner:  string(caller),
		Kind:   txlog.KindSend,
		Token:  ICPToken,
		Amount: &amount,
		From:   string(caller),
		To:     string(to),
	}
	if mocked {
		index = mockICPBlockIndex
		s.recordOutcome(ctx, s.walletLog, send, &index, nil)
		return index, nil
	}

	index, err = s.icp.Transfer(ctx, caller, ledger.TransferArgs{
		To:            ledger.NewAccount(to),
		Amount:        amount,
		Memo:          newMemo(),
		CreatedAtTime: s.now(),
	})
	if err != nil {
		s.recordOutcome(ctx, s.walletLog, send, nil, err)
		return 0, err
	}
	s.recordOutcome(ctx, s.walletLog, send, &index, nil)
	return index, nil
}

// ICPAddress is the caller's principal, which is its ICP account.
func (s *Service) ICPAddress(caller ledger.Principal) string {
	return string(caller)
}
