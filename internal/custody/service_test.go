package custody

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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

const (
	wallet  ledger.Principal = "custody-wallet"
	issuer  ledger.Principal = "minter-principal"
	alice   ledger.Principal = "alice"
	bob     ledger.Principal = "bob"
	testEnv                  = "test"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return nil
}

type harness struct {
	ledger     *ledger.Ledger
	virtual    balances.Store
	walletLog  txlog.Log
	custodyLog txlog.Log
	minter     *minter.Mock
	notifier   *recordingNotifier
	service    *Service
}

func newHarness(t *testing.T, wrap func(*ledger.Ledger) ledger.TokenLedger) *harness {
	t.Helper()
	cfg := ledger.DefaultConfig()
	cfg.MintAuthorities = []ledger.Principal{issuer, wallet}
	h := &harness{
		ledger:     ledger.NewInMemory(cfg),
		virtual:    balances.NewMemory(),
		walletLog:  txlog.NewMemory(),
		custodyLog: txlog.NewMemory(),
		minter:     minter.NewMock(),
		notifier:   &recordingNotifier{},
	}
	var tl ledger.TokenLedger = h.ledger
	if wrap != nil {
		tl = wrap(h.ledger)
	}
	m := metrics.New("test")
	monitor := reconcile.NewMonitor(wallet, tl, h.virtual, h.custodyLog, nil, logging.Discard(), m)
	h.service = NewService(Config{Wallet: wallet, Environment: testEnv}, Deps{
		Ledger:     tl,
		Virtual:    h.virtual,
		WalletLog:  h.walletLog,
		CustodyLog: h.custodyLog,
		Minter:     h.minter,
		Reserves:   monitor,
		Notifier:   h.notifier,
		Logger:     logging.Discard(),
		Metrics:    m,
	})
	return h
}

func (h *harness) mint(t *testing.T, to ledger.Account, amount uint64) {
	t.Helper()
	if _, err := h.ledger.Mint(context.Background(), issuer, ledger.MintArgs{To: to, Amount: tokens.New(amount)}); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (h *harness) balance(t *testing.T, a ledger.Account) string {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), a)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.String()
}

func (h *harness) virtualOf(t *testing.T, p ledger.Principal) string {
	t.Helper()
	b, err := h.service.VirtualBalance(context.Background(), p)
	if err != nil {
		t.Fatalf("virtual balance: %v", err)
	}
	return b.String()
}

func (h *harness) deposit(t *testing.T, p ledger.Principal, amount uint64) DepositReceipt {
	t.Helper()
	receipt, err := h.service.DepositToCustody(context.Background(), p, tokens.New(amount))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return receipt
}

func TestDepositScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.mint(t, ledger.NewAccount(alice), 100_000_000)

	receipt := h.deposit(t, alice, 1_000)
	if receipt.CustodialBalance.String() != "1000" {
		t.Fatalf("expected custodial balance 1000, got %s", receipt.CustodialBalance)
	}
	if receipt.PersonalBalance.String() != "99998990" {
		t.Fatalf("expected personal balance 99998990, got %s", receipt.PersonalBalance)
	}
	if got := h.virtualOf(t, alice); got != "1000" {
		t.Fatalf("expected virtual 1000, got %s", got)
	}

	h.mint(t, ledger.NewAccount(bob), 999)
	_, err := h.service.DepositToCustody(ctx, bob, tokens.New(1_001))
	var ledgerErr *ledger.Error
	if !errors.As(err, &ledgerErr) || ledgerErr.Reason != ledger.ReasonInsufficientFunds || ledgerErr.Balance.String() != "999" {
		t.Fatalf("expected InsufficientFunds{999}, got %v", err)
	}
	if got := h.virtualOf(t, bob); got != "0" {
		t.Fatalf("virtual balance changed on failed deposit: %s", got)
	}

	history, _ := h.service.CustodialHistory(ctx, alice)
	if len(history) != 1 || history[0].Status != txlog.StatusConfirmed || history[0].BlockIndex == nil {
		t.Fatalf("unexpected custody history %+v", history)
	}
}

func TestDepositLedgerRejectionRecordsFailure(t *testing.T) {
	h := newHarness(t, func(l *ledger.Ledger) ledger.TokenLedger {
		return &rejectingLedger{Ledger: l, err: ledger.TemporarilyUnavailable()}
	})
	h.mint(t, ledger.NewAccount(alice), 10_000)

	_, err := h.service.DepositToCustody(context.Background(), alice, tokens.New(500))
	if !errors.Is(err, ledger.ErrTemporarilyUnavailable) {
		t.Fatalf("expected ledger error unchanged, got %v", err)
	}
	history, _ := h.service.CustodialHistory(context.Background(), alice)
	if len(history) != 1 || history[0].Status != txlog.StatusFailed {
		t.Fatalf("expected one failed record, got %+v", history)
	}
	if got := h.virtualOf(t, alice); got != "0" {
		t.Fatalf("virtual balance credited on failure: %s", got)
	}
}

func TestWithdrawFunds(t *testing.T) {
	h := newHarness(t, nil)
	h.mint(t, ledger.NewAccount(alice), 10_000)
	h.mint(t, h.service.OperatingAccount(), 5_000)
	h.deposit(t, alice, 1_000)

	index, err := h.service.WithdrawFunds(context.Background(), alice, tokens.New(400))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := h.virtualOf(t, alice); got != "600" {
		t.Fatalf("expected virtual 600, got %s", got)
	}
	// 10000 - 1010 deposit + 400 withdrawal
	if got := h.balance(t, ledger.NewAccount(alice)); got != "9390" {
		t.Fatalf("expected personal 9390, got %s", got)
	}
	if got := h.balance(t, h.service.OperatingAccount()); got != "4590" {
		t.Fatalf("expected operating 4590, got %s", got)
	}

	history, _ := h.service.CustodialHistory(context.Background(), alice)
	if history[0].Kind != txlog.KindWithdraw || history[0].Status != txlog.StatusConfirmed || *history[0].BlockIndex != index {
		t.Fatalf("unexpected newest record %+v", history[0])
	}
}

func TestWithdrawFailureLeavesVirtualUntouched(t *testing.T) {
	h := newHarness(t, nil)
	h.mint(t, ledger.NewAccount(alice), 10_000)
	h.deposit(t, alice, 1_000)

	// Operating account is empty, so the ledger rejects the payout.
	_, err := h.service.WithdrawFunds(context.Background(), alice, tokens.New(500))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ledger InsufficientFunds, got %v", err)
	}
	if got := h.virtualOf(t, alice); got != "1000" {
		t.Fatalf("virtual balance changed: %s", got)
	}
	history, _ := h.service.CustodialHistory(context.Background(), alice)
	if history[0].Status != txlog.StatusFailed {
		t.Fatalf("expected failed record, got %+v", history[0])
	}

	// The hold is gone: the full balance can move again.
	if _, err := h.service.VirtualTransfer(context.Background(), alice, bob, tokens.New(1_000)); err != nil {
		t.Fatalf("transfer after failed withdrawal: %v", err)
	}
}

func TestWithdrawRejectsAboveVirtualBalance(t *testing.T) {
	h := newHarness(t, nil)
	h.mint(t, ledger.NewAccount(alice), 10_000)
	h.mint(t, h.service.OperatingAccount(), 10_000)
	h.deposit(t, alice, 100)

	_, err := h.service.WithdrawFunds(context.Background(), alice, tokens.New(101))
	var ledgerErr *ledger.Error
	if !errors.As(err, &ledgerErr) || ledgerErr.Reason != ledger.ReasonInsufficientFunds || ledgerErr.Balance.String() != "100" {
		t.Fatalf("expected InsufficientFunds{100}, got %v", err)
	}
}

// gatedLedger blocks wallet payouts until released.
type gatedLedger struct {
	*ledger.Ledger
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) Transfer(ctx context.Context, caller ledger.Principal, args ledger.TransferArgs) (uint64, error) {
	if caller == wallet {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Ledger.Transfer(ctx, caller, args)
}

func TestConcurrentWithdrawalsCannotOverdraw(t *testing.T) {
	gate := &gatedLedger{entered: make(chan struct{}, 2), release: make(chan struct{})}
	h := newHarness(t, func(l *ledger.Ledger) ledger.TokenLedger {
		gate.Ledger = l
		return gate
	})
	h.mint(t, ledger.NewAccount(alice), 1_000)
	h.mint(t, h.service.OperatingAccount(), 1_000)
	h.deposit(t, alice, 100)

	first := make(chan error, 1)
	go func() {
		_, err := h.service.WithdrawFunds(context.Background(), alice, tokens.New(100))
		first <- err
	}()

	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatalf("first withdrawal never reached the ledger")
	}

	// First withdrawal is suspended inside the ledger call.
	_, err := h.service.WithdrawFunds(context.Background(), alice, tokens.New(100))
	var ledgerErr *ledger.Error
	if !errors.As(err, &ledgerErr) || ledgerErr.Reason != ledger.ReasonInsufficientFunds || !ledgerErr.Balance.IsZero() {
		t.Fatalf("expected second withdrawal to fail with InsufficientFunds{0}, got %v", err)
	}
	if _, err := h.service.VirtualTransfer(context.Background(), alice, bob, tokens.New(1)); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected held funds to be unavailable for transfer, got %v", err)
	}

	close(gate.release)
	if err := <-first; err != nil {
		t.Fatalf("first withdrawal: %v", err)
	}
	if got := h.virtualOf(t, alice); got != "0" {
		t.Fatalf("expected virtual 0, got %s", got)
	}
	if got := h.balance(t, ledger.NewAccount(alice)); got != "990" {
		t.Fatalf("expected one payout only, personal %s", got)
	}
}

func TestHistoryFollowsCompletionOrder(t *testing.T) {
	gate := &gatedLedger{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, func(l *ledger.Ledger) ledger.TokenLedger {
		gate.Ledger = l
		return gate
	})
	ctx := context.Background()
	h.mint(t, ledger.NewAccount(alice), 1_000)
	h.mint(t, h.service.OperatingAccount(), 1_000)
	h.deposit(t, alice, 200)

	done := make(chan error, 1)
	go func() {
		_, err := h.service.WithdrawFunds(ctx, alice, tokens.New(100))
		done <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatalf("withdrawal never reached the ledger")
	}

	if _, err := h.service.VirtualTransfer(ctx, alice, bob, tokens.New(50)); err != nil {
		t.Fatalf("virtual transfer: %v", err)
	}
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("withdrawal: %v", err)
	}

	history, err := h.service.CustodialHistory(ctx, alice)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	kinds := make([]txlog.Kind, 0, len(history))
	for _, r := range history {
		kinds = append(kinds, r.Kind)
	}
	if len(kinds) != 3 || kinds[0] != txlog.KindWithdraw || kinds[1] != txlog.KindSend || kinds[2] != txlog.KindDeposit {
		t.Fatalf("expected withdraw, send, deposit newest first, got %v", kinds)
	}
}

func TestVirtualTransfer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.mint(t, ledger.NewAccount(alice), 10_000)
	h.deposit(t, alice, 1_000)

	id, err := h.service.VirtualTransfer(ctx, alice, bob, tokens.New(250))
	if err != nil {
		t.Fatalf("virtual transfer: %v", err)
	}
	if h.virtualOf(t, alice) != "750" || h.virtualOf(t, bob) != "250" {
		t.Fatalf("unexpected balances alice=%s bob=%s", h.virtualOf(t, alice), h.virtualOf(t, bob))
	}
	total, _ := balances.Sum(ctx, h.virtual)
	if total.String() != "1000" {
		t.Fatalf("virtual total not conserved: %s", total)
	}

	send, err := h.custodyLog.Get(ctx, id)
	if err != nil || send.Kind != txlog.KindSend || send.Owner != string(alice) || send.BlockIndex != nil || send.Status != txlog.StatusConfirmed {
		t.Fatalf("unexpected send record %+v (%v)", send, err)
	}
	received, _ := h.service.CustodialHistory(ctx, bob)
	if len(received) != 1 || received[0].Kind != txlog.KindReceive {
		t.Fatalf("unexpected recipient history %+v", received)
	}

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	last := h.notifier.sent[len(h.notifier.sent)-1]
	if last.Kind != notification.KindVirtualTransfer || last.Destination != string(bob) {
		t.Fatalf("unexpected notification %+v", last)
	}

	if _, err := h.service.VirtualTransfer(ctx, bob, alice, tokens.New(251)); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
}

func TestVirtualTransferRejectsSelf(t *testing.T) {
	h := newHarness(t, nil)
	h.mint(t, ledger.NewAccount(alice), 10_000)
	h.deposit(t, alice, 1_000)

	for _, amount := range []uint64{0, 1, 1_000, 1_000_000} {
		if _, err := h.service.VirtualTransfer(context.Background(), alice, alice, tokens.New(amount)); !errors.Is(err, ErrSelfTransfer) {
			t.Fatalf("amount %d: expected ErrSelfTransfer, got %v", amount, err)
		}
	}
	if got := h.virtualOf(t, alice); got != "1000" {
		t.Fatalf("balance changed: %s", got)
	}
}

type rejectingLedger struct {
	*ledger.Ledger
	err error
}

func (r *rejectingLedger) Transfer(context.Context, ledger.Principal, ledger.TransferArgs) (uint64, error) {
	return 0, r.err
}

type unreadableLedger struct {
	*ledger.Ledger
	bad ledger.Account
}

func (u *unreadableLedger) BalanceOf(ctx context.Context, a ledger.Account) (tokens.Amount, error) {
	if a.Equal(u.bad) {
		return tokens.Amount{}, errors.New("replica unavailable")
	}
	return u.Ledger.BalanceOf(ctx, a)
}

func TestWalletStatusDegradesExplicitly(t *testing.T) {
	h := newHarness(t, func(l *ledger.Ledger) ledger.TokenLedger {
		return &unreadableLedger{Ledger: l, bad: ledger.CustodyAccount(wallet, alice)}
	})
	h.mint(t, ledger.NewAccount(alice), 500)

	status := h.service.WalletStatus(context.Background(), alice)
	if !status.CustodialBalance.IsZero() || status.PersonalBalance.String() != "500" || status.Total.String() != "500" {
		t.Fatalf("unexpected status %+v", status)
	}
	if !status.CanDeposit {
		t.Fatalf("expected can_deposit")
	}
	if len(status.Degraded) != 1 || status.Degraded[0] != "custodial_balance" {
		t.Fatalf("expected custodial_balance to be degraded, got %v", status.Degraded)
	}

	empty := h.service.WalletStatus(context.Background(), bob)
	if empty.CanDeposit || len(empty.Degraded) != 0 {
		t.Fatalf("unexpected status for empty account %+v", empty)
	}
}

func TestReserveStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.mint(t, ledger.NewAccount(alice), 10_000)
	h.deposit(t, alice, 1_000)

	status, err := h.service.ReserveStatus(context.Background())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if status.TotalVirtual.String() != "1000" || status.Actual.String() != "1000" || !status.IsSolvent {
		t.Fatalf("unexpected reserve %+v", status)
	}
}

func TestFaucet(t *testing.T) {
	h := newHarness(t, nil)
	msg, err := h.service.Faucet(context.Background(), alice)
	if err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if msg != "Successfully minted 1 ckTestBTC to alice" {
		t.Fatalf("unexpected message %q", msg)
	}
	if got := h.balance(t, ledger.NewAccount(alice)); got != "100000000" {
		t.Fatalf("expected 100000000, got %s", got)
	}
	history, _ := h.service.History(context.Background(), alice)
	if len(history) != 1 || history[0].Kind != txlog.KindMint || history[0].From != "faucet" || history[0].Status != txlog.StatusConfirmed {
		t.Fatalf("unexpected history %+v", history)
	}

	prod := NewService(Config{Wallet: wallet, Environment: "production"}, Deps{Ledger: h.ledger, WalletLog: txlog.NewMemory()})
	if _, err := prod.Faucet(context.Background(), alice); !errors.Is(err, ErrFaucetDisabled) {
		t.Fatalf("expected faucet to be disabled, got %v", err)
	}
}

func TestHistoryNewestFirstCapped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.mint(t, ledger.NewAccount(alice), 1_000_000)

	for i := 0; i < 120; i++ {
		if _, err := h.service.Transfer(ctx, alice, bob, tokens.New(1)); err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}
	history, err := h.service.History(ctx, alice)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != txlog.DefaultLimit {
		t.Fatalf("expected %d records, got %d", txlog.DefaultLimit, len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i-1].ID <= history[i].ID {
			t.Fatalf("history not newest first at %d: %d then %d", i, history[i-1].ID, history[i].ID)
		}
		if *history[i-1].BlockIndex <= *history[i].BlockIndex {
			t.Fatalf("block order does not follow completion order at %d", i)
		}
	}
}

func TestBTCWithdrawalLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.service.WithdrawTestBTC(ctx, alice, "bc1qnotatestnetaddress000000", tokens.New(5_000)); !errors.Is(err, minter.ErrMalformedAddress) {
		t.Fatalf("expected malformed address, got %v", err)
	}

	_, err := h.service.WithdrawTestBTC(ctx, alice, "tb1qexampleaddress0000000000", tokens.New(10))
	if !errors.Is(err, minter.ErrAmountTooLow) {
		t.Fatalf("expected AmountTooLow, got %v", err)
	}

	index, err := h.service.WithdrawTestBTC(ctx, alice, "tb1qexampleaddress0000000000", tokens.New(5_000))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if index != 1 {
		t.Fatalf("expected first minter block index 1, got %d", index)
	}

	history, _ := h.service.History(ctx, alice)
	if len(history) != 2 || history[0].Status != txlog.StatusPending || history[1].Status != txlog.StatusFailed {
		t.Fatalf("unexpected history %+v", history)
	}

	status, _ := h.service.WithdrawalStatus(ctx, alice, index)
	if status.Status != minter.StatusPending {
		t.Fatalf("expected pending, got %s", status.Status)
	}
	h.minter.SetStatus(index, minter.StatusConfirmed)
	status, _ = h.service.WithdrawalStatus(ctx, alice, index)
	if status.Status != minter.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", status.Status)
	}
	history, _ = h.service.History(ctx, alice)
	if history[0].Status != txlog.StatusConfirmed {
		t.Fatalf("expected withdrawal record to be confirmed, got %s", history[0].Status)
	}

	address, _ := h.service.DepositAddress(ctx, alice)
	again, _ := h.service.DepositAddress(ctx, alice)
	if address == "" || address != again {
		t.Fatalf("deposit address not stable: %q vs %q", address, again)
	}
}

func TestTransactionHidesOtherOwners(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.mint(t, ledger.NewAccount(alice), 1_000)

	if _, err := h.service.Transfer(ctx, alice, bob, tokens.New(100)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := h.service.Transaction(ctx, alice, 1); err != nil {
		t.Fatalf("own record: %v", err)
	}
	if _, err := h.service.Transaction(ctx, bob, 1); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected not found for foreign record, got %v", err)
	}
}
