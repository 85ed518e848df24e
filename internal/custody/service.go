package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/testbtc_custody/internal/balances"
	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/logging"
	"github.com/congo-pay/testbtc_custody/internal/metrics"
	"github.com/congo-pay/testbtc_custody/internal/minter"
	"github.com/congo-pay/testbtc_custody/internal/notification"
	"github.com/congo-pay/testbtc_custody/internal/reconcile"
	"github.com/congo-pay/testbtc_custody/internal/tokens"
	"github.com/congo-pay/testbtc_custody/internal/txlog"
)

var (
	// ErrSelfTransfer rejects a virtual transfer whose recipient is the caller.
	ErrSelfTransfer = errors.New("cannot transfer to yourself")
	// ErrInvalidAmount rejects zero amounts and amounts the collaborator
	// cannot represent.
	ErrInvalidAmount = errors.New("amount must be greater than zero")
	// ErrInvalidRecipient rejects an empty or malformed recipient.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrICPUnavailable is returned by ICP calls when no ICP ledger is
	// configured outside local environments.
	ErrICPUnavailable = errors.New("icp ledger not configured")
	// ErrFaucetDisabled is returned by Faucet outside local environments.
	ErrFaucetDisabled = errors.New("faucet only available in local development")
)

// Config describes the wallet.
type Config struct {
	// Wallet owns the operating account and every custody subaccount.
	Wallet      ledger.Principal
	Environment string
	Token       string
	Decimals    uint8
	// FaucetAmount is minted per faucet call, in smallest units.
	FaucetAmount tokens.Amount
}

// DefaultFaucetAmount is one ckTestBTC.
const DefaultFaucetAmount = 100_000_000

// ReserveReporter reports custody solvency.
type ReserveReporter interface {
	Status(ctx context.Context) (reconcile.Status, error)
}

// Deps are the collaborators of the service. ICP, Notifier, Logger and
// Metrics may be nil.
type Deps struct {
	Ledger     ledger.TokenLedger
	ICP        ledger.TokenLedger
	Virtual    balances.Store
	WalletLog  txlog.Log
	CustodyLog txlog.Log
	Minter     minter.Minter
	Reserves   ReserveReporter
	Notifier   notification.Notifier
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Service keeps virtual balances on top of the token ledger.
//
// mu guards every virtual balance check together with the write that depends
// on it, and the hold table. It is never held across a ledger or minter call:
// a withdrawal places a hold before settling and commits after, so a
// concurrent withdrawal or virtual transfer sees the held amount as spent.
type Service struct {
	cfg        Config
	ledger     ledger.TokenLedger
	icp        ledger.TokenLedger
	virtual    balances.Store
	walletLog  txlog.Log
	custodyLog txlog.Log
	minter     minter.Minter
	reserves   ReserveReporter
	notifier   notification.Notifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      func() time.Time

	mu    sync.Mutex
	holds map[ledger.Principal]tokens.Amount
}

// NewService constructs a custody service.
func NewService(cfg Config, d Deps) *Service {
	if cfg.Token == "" {
		cfg.Token = "ckTestBTC"
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = ledger.DefaultDecimals
	}
	if cfg.FaucetAmount.IsZero() {
		cfg.FaucetAmount = tokens.New(DefaultFaucetAmount)
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return &Service{
		cfg:        cfg,
		ledger:     d.Ledger,
		icp:        d.ICP,
		virtual:    d.Virtual,
		walletLog:  d.WalletLog,
		custodyLog: d.CustodyLog,
		minter:     d.Minter,
		reserves:   d.Reserves,
		notifier:   d.Notifier,
		logger:     d.Logger,
		metrics:    d.Metrics,
		clock:      time.Now,
		holds:      make(map[ledger.Principal]tokens.Amount),
	}
}

// DepositReceipt is returned by a successful deposit to custody.
type DepositReceipt struct {
	BlockIndex       uint64        `json:"block_index"`
	Amount           tokens.Amount `json:"amount"`
	CustodialBalance tokens.Amount `json:"custodial_balance"`
	PersonalBalance  tokens.Amount `json:"personal_balance"`
}

// WalletStatus is a best-effort view of the caller's funds. A balance that
// could not be read is reported as zero and named in Degraded.
type WalletStatus struct {
	CustodialBalance tokens.Amount `json:"custodial_balance"`
	PersonalBalance  tokens.Amount `json:"personal_balance"`
	Total            tokens.Amount `json:"total"`
	CanDeposit       bool          `json:"can_deposit"`
	VirtualBalance   tokens.Amount `json:"virtual_balance"`
	Degraded         []string      `json:"degraded,omitempty"`
}

// CustodyAccount returns the ledger account holding caller's collateral.
func (s *Service) CustodyAccount(caller ledger.Principal) ledger.Account {
	return ledger.CustodyAccount(s.cfg.Wallet, caller)
}

// OperatingAccount is the wallet account withdrawals are paid from.
func (s *Service) OperatingAccount() ledger.Account {
	return ledger.NewAccount(s.cfg.Wallet)
}

// Balance returns the caller's personal ledger balance.
func (s *Service) Balance(ctx context.Context, caller ledger.Principal) (tokens.Amount, error) {
	return s.ledger.BalanceOf(ctx, ledger.NewAccount(caller))
}

// VirtualBalance returns the caller's custodial balance, holds included.
func (s *Service) VirtualBalance(ctx context.Context, caller ledger.Principal) (tokens.Amount, error) {
	return s.virtual.Get(ctx, string(caller))
}

// Transfer moves tokens between personal ledger accounts.
func (s *Service) Transfer(ctx context.Context, caller, to ledger.Principal, amount tokens.Amount) (index uint64, err error) {
	defer s.observe("transfer", s.clock(), &err)

	if err := checkRecipient(to); err != nil {
		return 0, err
	}
	if amount.IsZero() {
		return 0, ErrInvalidAmount
	}
	fee, err := s.ledger.Fee(ctx)
	if err != nil {
		return 0, err
	}

	send := txlog.Record{
		Owner:  string(caller),
		Kind:   txlog.KindSend,
		Token:  s.cfg.Token,
		Amount: &amount,
		From:   string(caller),
		To:     string(to),
	}
	index, err = s.ledger.Transfer(ctx, caller, ledger.TransferArgs{
		To:            ledger.NewAccount(to),
		Amount:        amount,
		Fee:           &fee,
		Memo:          newMemo(),
		CreatedAtTime: s.now(),
	})
	if err != nil {
		s.recordOutcome(ctx, s.walletLog, send, nil, err)
		return 0, err
	}
	s.recordOutcome(ctx, s.walletLog, send, &index, nil)

	s.appendConfirmed(ctx, s.walletLog, txlog.Record{
		Owner:      string(to),
		Kind:       txlog.KindReceive,
		Token:      s.cfg.Token,
		Amount:     &amount,
		From:       string(caller),
		To:         string(to),
		BlockIndex: &index,
	})
	return index, nil
}

// DepositToCustody moves amount from the caller's personal account into the
// caller's custody subaccount and credits the virtual balance.
func (s *Service) DepositToCustody(ctx context.Context, caller ledger.Principal, amount tokens.Amount) (receipt DepositReceipt, err error) {
	defer s.observe("deposit", s.clock(), &err)

	if amount.IsZero() {
		return DepositReceipt{}, ErrInvalidAmount
	}
	fee, err := s.ledger.Fee(ctx)
	if err != nil {
		return DepositReceipt{}, err
	}
	personal := ledger.NewAccount(caller)
	custody := s.CustodyAccount(caller)

	// Advisory: the ledger performs the authoritative check.
	balance, err := s.ledger.BalanceOf(ctx, personal)
	if err != nil {
		return DepositReceipt{}, err
	}
	required, err := amount.Add(fee)
	if err != nil {
		return DepositReceipt{}, ErrInvalidAmount
	}
	if balance.Lt(required) {
		return DepositReceipt{}, ledger.InsufficientFunds(balance)
	}

	rec := txlog.Record{
		Owner:         string(caller),
		Kind:          txlog.KindDeposit,
		Token:         s.cfg.Token,
		Amount:        &amount,
		VirtualAmount: &amount,
		From:          personal.String(),
		To:            custody.String(),
	}
	index, err := s.ledger.Transfer(ctx, caller, ledger.TransferArgs{
		To:            custody,
		Amount:        amount,
		Fee:           &fee,
		Memo:          newMemo(),
		CreatedAtTime: s.now(),
	})
	if err != nil {
		s.recordOutcome(ctx, s.custodyLog, rec, nil, err)
		return DepositReceipt{}, err
	}

	s.mu.Lock()
	err = s.virtual.Apply(ctx, balances.Credit(string(caller), amount))
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("deposit settled but virtual credit failed",
			"caller", caller, "block_index", index, "amount", amount.String(), "error", err)
		s.recordOutcome(ctx, s.custodyLog, rec, &index, err)
		return DepositReceipt{}, fmt.Errorf("credit custody balance after block %d: %w", index, err)
	}
	s.recordOutcome(ctx, s.custodyLog, rec, &index, nil)

	receipt = DepositReceipt{BlockIndex: index, Amount: amount}
	receipt.CustodialBalance, _ = s.readBalance(ctx, custody)
	receipt.PersonalBalance, _ = s.readBalance(ctx, personal)

	s.notify(ctx, notification.KindDeposit, caller, index,
		fmt.Sprintf("Deposited %s %s to custody", amount.Decimal(s.cfg.Decimals), s.cfg.Token))
	return receipt, nil
}

// WithdrawFunds pays amount from the operating account to the caller's
// personal account and debits the virtual balance once the ledger confirms.
// The custody record is written after the ledger call returns.
func (s *Service) WithdrawFunds(ctx context.Context, caller ledger.Principal, amount tokens.Amount) (index uint64, err error) {
	defer s.observe("withdraw", s.clock(), &err)

	if amount.IsZero() {
		return 0, ErrInvalidAmount
	}
	fee, err := s.ledger.Fee(ctx)
	if err != nil {
		return 0, err
	}

	if err := s.placeHold(ctx, caller, amount); err != nil {
		return 0, err
	}

	personal := ledger.NewAccount(caller)
	rec := txlog.Record{
		Owner:         string(caller),
		Kind:          txlog.KindWithdraw,
		Token:         s.cfg.Token,
		Amount:        &amount,
		VirtualAmount: &amount,
		From:          s.OperatingAccount().String(),
		To:            personal.String(),
	}
	index, err = s.ledger.Transfer(ctx, s.cfg.Wallet, ledger.TransferArgs{
		To:            personal,
		Amount:        amount,
		Fee:           &fee,
		Memo:          newMemo(),
		CreatedAtTime: s.now(),
	})
	if err != nil {
		s.releaseHold(caller, amount)
		s.recordOutcome(ctx, s.custodyLog, rec, nil, err)
		return 0, err
	}

	if err := s.commitWithdrawal(ctx, caller, amount); err != nil {
		s.logger.Error("withdrawal settled but virtual debit failed",
			"caller", caller, "block_index", index, "amount", amount.String(), "error", err)
		s.recordOutcome(ctx, s.custodyLog, rec, &index, err)
		return 0, fmt.Errorf("debit custody balance after block %d: %w", index, err)
	}
	s.recordOutcome(ctx, s.custodyLog, rec, &index, nil)

	s.notify(ctx, notification.KindWithdrawal, caller, index,
		fmt.Sprintf("Withdrew %s %s from custody", amount.Decimal(s.cfg.Decimals), s.cfg.Token))
	return index, nil
}

// VirtualTransfer moves custodial balance between principals without
// touching the ledger. It returns the id of the sender's record.
func (s *Service) VirtualTransfer(ctx context.Context, caller, to ledger.Principal, amount tokens.Amount) (id uint64, err error) {
	defer s.observe("virtual_transfer", s.clock(), &err)

	if caller == to {
		return 0, ErrSelfTransfer
	}
	if err := checkRecipient(to); err != nil {
		return 0, err
	}
	if amount.IsZero() {
		return 0, ErrInvalidAmount
	}

	s.mu.Lock()
	available, err := s.available(ctx, caller)
	if err == nil && available.Lt(amount) {
		err = ledger.InsufficientFunds(available)
	}
	if err == nil {
		err = s.virtual.Apply(ctx,
			balances.Debit(string(caller), amount),
			balances.Credit(string(to), amount),
		)
	}
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	send := s.appendConfirmed(ctx, s.custodyLog, txlog.Record{
		Owner:         string(caller),
		Kind:          txlog.KindSend,
		Token:         s.cfg.Token,
		VirtualAmount: &amount,
		From:          string(caller),
		To:            string(to),
	})
	s.appendConfirmed(ctx, s.custodyLog, txlog.Record{
		Owner:         string(to),
		Kind:          txlog.KindReceive,
		Token:         s.cfg.Token,
		VirtualAmount: &amount,
		From:          string(caller),
		To:            string(to),
	})

	s.notify(ctx, notification.KindVirtualTransfer, to, send.ID,
		fmt.Sprintf("You received %s %s from %s", amount.Decimal(s.cfg.Decimals), s.cfg.Token, caller))
	return send.ID, nil
}

// WalletStatus never fails: unreadable balances are zero and listed in
// Degraded so clients can tell an outage from an empty account.
func (s *Service) WalletStatus(ctx context.Context, caller ledger.Principal) WalletStatus {
	var status WalletStatus
	var err error
	if status.CustodialBalance, err = s.readBalance(ctx, s.CustodyAccount(caller)); err != nil {
		status.Degraded = append(status.Degraded, "custodial_balance")
	}
	if status.PersonalBalance, err = s.readBalance(ctx, ledger.NewAccount(caller)); err != nil {
		status.Degraded = append(status.Degraded, "personal_balance")
	}
	if status.VirtualBalance, err = s.virtual.Get(ctx, string(caller)); err != nil {
		s.logger.Warn("virtual balance unavailable", "caller", caller, "error", err)
		status.VirtualBalance = tokens.Zero()
		status.Degraded = append(status.Degraded, "virtual_balance")
	}
	if status.Total, err = status.CustodialBalance.Add(status.PersonalBalance); err != nil {
		status.Total = tokens.Zero()
		status.Degraded = append(status.Degraded, "total")
	}
	status.CanDeposit = !status.PersonalBalance.IsZero()
	return status
}

// ReserveStatus reports solvency of the whole custody.
func (s *Service) ReserveStatus(ctx context.Context) (reconcile.Status, error) {
	return s.reserves.Status(ctx)
}

func (s *Service) placeHold(ctx context.Context, caller ledger.Principal, amount tokens.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	available, err := s.available(ctx, caller)
	if err != nil {
		return err
	}
	if available.Lt(amount) {
		return ledger.InsufficientFunds(available)
	}
	held := s.holds[caller]
	if held, err = held.Add(amount); err != nil {
		return err
	}
	s.holds[caller] = held
	s.trackHolds()
	return nil
}

func (s *Service) releaseHold(caller ledger.Principal, amount tokens.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(caller, amount)
}

// release must be called with mu held.
func (s *Service) release(caller ledger.Principal, amount tokens.Amount) {
	held, err := s.holds[caller].Sub(amount)
	if err != nil || held.IsZero() {
		delete(s.holds, caller)
	} else {
		s.holds[caller] = held
	}
	s.trackHolds()
}

// commitWithdrawal re-validates the virtual balance after settlement and
// debits it, releasing the hold either way.
func (s *Service) commitWithdrawal(ctx context.Context, caller ledger.Principal, amount tokens.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.release(caller, amount)

	current, err := s.virtual.Get(ctx, string(caller))
	if err != nil {
		return err
	}
	if current.Lt(amount) {
		return ledger.InsufficientFunds(current)
	}
	return s.virtual.Apply(ctx, balances.Debit(string(caller), amount))
}

// available must be called with mu held.
func (s *Service) available(ctx context.Context, caller ledger.Principal) (tokens.Amount, error) {
	current, err := s.virtual.Get(ctx, string(caller))
	if err != nil {
		return tokens.Amount{}, err
	}
	free, err := current.Sub(s.holds[caller])
	if err != nil {
		return tokens.Zero(), nil
	}
	return free, nil
}

func (s *Service) trackHolds() {
	if s.metrics != nil {
		s.metrics.CustodyHolds.Set(float64(len(s.holds)))
	}
}

func (s *Service) readBalance(ctx context.Context, account ledger.Account) (tokens.Amount, error) {
	bal, err := s.ledger.BalanceOf(ctx, account)
	if err != nil {
		s.logger.Warn("ledger balance unavailable", "account", account.String(), "error", err)
		return tokens.Zero(), err
	}
	return bal, nil
}

// recordOutcome appends r once its ledger call has returned, so record ids
// follow completion order. A record that cannot be written is logged; the
// operation result stands.
func (s *Service) recordOutcome(ctx context.Context, log txlog.Log, r txlog.Record, blockIndex *uint64, cause error) txlog.Record {
	r.Status = txlog.StatusConfirmed
	if cause != nil {
		r.Status = txlog.StatusFailed
	}
	r.BlockIndex = blockIndex
	return s.appendRecord(ctx, log, r)
}

func (s *Service) appendConfirmed(ctx context.Context, log txlog.Log, r txlog.Record) txlog.Record {
	r.Status = txlog.StatusConfirmed
	return s.appendRecord(ctx, log, r)
}

func (s *Service) appendRecord(ctx context.Context, log txlog.Log, r txlog.Record) txlog.Record {
	out, err := log.Append(context.WithoutCancel(ctx), r)
	if err != nil {
		s.logger.Error("append transaction record", "kind", r.Kind, "owner", r.Owner, "error", err)
	}
	return out
}

func (s *Service) notify(ctx context.Context, kind string, to ledger.Principal, ref uint64, body string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notification.Message{
		Kind:        kind,
		Destination: string(to),
		Body:        body,
		Reference:   fmt.Sprint(ref),
	})
	if err != nil {
		s.logger.Warn("notification failed", "kind", kind, "destination", to, "error", err)
	}
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.CustodyOps.WithLabelValues(op, metrics.Outcome(*errp)).Inc()
	s.metrics.CustodyLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Service) now() *uint64 {
	t := ledger.Nanos(s.clock())
	return &t
}

func checkRecipient(to ledger.Principal) error {
	if err := ledger.NewAccount(to).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	return nil
}

// newMemo tags outgoing ledger calls with a random 16-byte id.
func newMemo() []byte {
	id := uuid.New()
	return id[:]
}
