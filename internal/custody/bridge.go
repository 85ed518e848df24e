package custody

import (
	"context"
	"fmt"
	"strings"

	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/minter"
	"github.com/congo-pay/testbtc_custody/internal/notification"
	"github.com/congo-pay/testbtc_custody/internal/tokens"
	"github.com/congo-pay/testbtc_custody/internal/txlog"
)

// faucetEnvironments are the only environments where Faucet mints.
var faucetEnvironments = map[string]struct{}{
	"local":       {},
	"development": {},
	"dev":         {},
	"test":        {},
}

// FaucetEnabled reports whether the environment allows faucet mints.
func FaucetEnabled(env string) bool {
	_, ok := faucetEnvironments[strings.ToLower(strings.TrimSpace(env))]
	return ok
}

// Faucet mints the configured amount to the caller's personal account.
func (s *Service) Faucet(ctx context.Context, caller ledger.Principal) (msg string, err error) {
	defer s.observe("faucet", s.clock(), &err)

	if !FaucetEnabled(s.cfg.Environment) {
		return "", ErrFaucetDisabled
	}
	amount := s.cfg.FaucetAmount
	rec := txlog.Record{
		Owner:  string(caller),
		Kind:   txlog.KindMint,
		Token:  s.cfg.Token,
		Amount: &amount,
		From:   "faucet",
		To:     string(caller),
	}
	index, err := s.ledger.Mint(ctx, s.cfg.Wallet, ledger.MintArgs{
		To:            ledger.NewAccount(caller),
		Amount:        amount,
		Memo:          newMemo(),
		CreatedAtTime: s.now(),
	})
	if err != nil {
		s.recordOutcome(ctx, s.walletLog, rec, nil, err)
		return "", err
	}
	s.recordOutcome(ctx, s.walletLog, rec, &index, nil)
	return fmt.Sprintf("Successfully minted %s %s to %s", amount.Decimal(s.cfg.Decimals), s.cfg.Token, caller), nil
}

// DepositAddress returns the settlement-network address that credits caller.
func (s *Service) DepositAddress(ctx context.Context, caller ledger.Principal) (string, error) {
	return s.minter.DepositAddress(ctx, caller, nil)
}

// WithdrawTestBTC asks the minter to pay amount to address. The record stays
// Pending until WithdrawalStatus observes a final minter status.
func (s *Service) WithdrawTestBTC(ctx context.Context, caller ledger.Principal, address string, amount tokens.Amount) (index uint64, err error) {
	defer s.observe("btc_withdraw", s.clock(), &err)

	if err := minter.ValidateAddress(address); err != nil {
		return 0, err
	}
	sats, ok := amount.Uint64()
	if !ok || sats == 0 {
		return 0, ErrInvalidAmount
	}

	rec := txlog.Record{
		Owner:  string(caller),
		Kind:   txlog.KindWithdraw,
		Token:  s.cfg.Token,
		Amount: &amount,
		From:   string(caller),
		To:     address,
	}
	index, err = s.minter.RetrieveBTC(ctx, address, sats)
	if err != nil {
		rec.Status = txlog.StatusFailed
		s.appendRecord(ctx, s.walletLog, rec)
		return 0, err
	}
	rec.Status = txlog.StatusPending
	rec.BlockIndex = &index
	s.appendRecord(ctx, s.walletLog, rec)

	s.notify(ctx, notification.KindBTCWithdrawal, caller, index,
		fmt.Sprintf("Withdrawal of %s %s to %s initiated", amount.Decimal(s.cfg.Decimals), s.cfg.Token, address))
	return index, nil
}

// WithdrawalStatus queries the minter and settles the caller's matching
// Pending record once the withdrawal is final.
func (s *Service) WithdrawalStatus(ctx context.Context, caller ledger.Principal, blockIndex uint64) (minter.RetrieveStatus, error) {
	status, err := s.minter.RetrieveStatus(ctx, blockIndex)
	if err != nil {
		return minter.RetrieveStatus{}, err
	}

	var final txlog.Status
	switch status.Status {
	case minter.StatusConfirmed:
		final = txlog.StatusConfirmed
	case minter.StatusAmountTooLow:
		final = txlog.StatusFailed
	default:
		return status, nil
	}

	recent, err := s.walletLog.Recent(ctx, string(caller), txlog.DefaultLimit)
	if err != nil {
		return status, nil
	}
	for _, r := range recent {
		if r.Kind != txlog.KindWithdraw || r.Status != txlog.StatusPending || r.BlockIndex == nil || *r.BlockIndex != blockIndex {
			continue
		}
		if _, err := s.walletLog.SetStatus(ctx, r.ID, final, nil); err != nil {
			s.logger.Error("settle btc withdrawal", "id", r.ID, "error", err)
			break
		}
		if final == txlog.StatusConfirmed {
			s.notify(ctx, notification.KindBTCWithdrawal, caller, blockIndex,
				fmt.Sprintf("Withdrawal confirmed in %s", status.TxID))
		}
		break
	}
	return status, nil
}

// WithdrawalFee returns the minter's current fee estimate.
func (s *Service) WithdrawalFee(ctx context.Context) (minter.WithdrawalFee, error) {
	return s.minter.EstimateWithdrawalFee(ctx, nil)
}

// History returns the caller's personal transactions, newest first.
func (s *Service) History(ctx context.Context, caller ledger.Principal) ([]txlog.Record, error) {
	return s.walletLog.Recent(ctx, string(caller), txlog.DefaultLimit)
}

// CustodialHistory returns the caller's custody transactions, newest first.
func (s *Service) CustodialHistory(ctx context.Context, caller ledger.Principal) ([]txlog.Record, error) {
	return s.custodyLog.Recent(ctx, string(caller), txlog.DefaultLimit)
}

// Transaction returns one of the caller's personal transactions. Records of
// other principals read as not found.
func (s *Service) Transaction(ctx context.Context, caller ledger.Principal, id uint64) (txlog.Record, error) {
	r, err := s.walletLog.Get(ctx, id)
	if err != nil {
		return txlog.Record{}, err
	}
	if r.Owner != string(caller) {
		return txlog.Record{}, txlog.ErrNotFound
	}
	return r, nil
}
