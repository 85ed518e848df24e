package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/congo-pay/testbtc_custody/internal/balances"
	"github.com/congo-pay/testbtc_custody/internal/logging"
	"github.com/congo-pay/testbtc_custody/internal/metrics"
	"github.com/congo-pay/testbtc_custody/internal/tokens"
)

const (
	// maxMemoLength bounds the opaque memo attached to a block.
	maxMemoLength = 32
	// maxBlocksPerRequest caps a single Blocks read.
	maxBlocksPerRequest = 2000
	// errCodeUnauthorizedMint is the GenericError code for a mint by a
	// principal outside the allowlist.
	errCodeUnauthorizedMint = 1
)

// ErrInvalidArgument wraps request shape problems that are not part of the
// token-standard error union (bad subaccount length, oversized memo).
var ErrInvalidArgument = errors.New("invalid argument")

// Config describes the token and its protocol parameters.
type Config struct {
	Name            string
	Symbol          string
	Decimals        uint8
	Fee             tokens.Amount
	MintAuthorities []Principal
	// MintingAccount, when set, turns transfers to it into burns.
	MintingAccount *Account
	TxWindow       time.Duration
	PermittedDrift time.Duration
	Clock          func() time.Time
}

// DefaultConfig returns the ckTestBTC parameters.
func DefaultConfig() Config {
	return Config{
		Name:           "ckTestBTC",
		Symbol:         "ckTestBTC",
		Decimals:       DefaultDecimals,
		Fee:            tokens.New(DefaultFee),
		TxWindow:       DefaultTxWindow,
		PermittedDrift: DefaultPermittedDrift,
		Clock:          time.Now,
	}
}

// Ledger implements ICRC-1/ICRC-2 style transfers over a balance store, an
// allowance store and a journal. Every mutating call holds mu from its first
// balance read until its block is appended, so no other call can observe or
// change the accounts in between.
type Ledger struct {
	mu         sync.Mutex
	cfg        Config
	minters    map[Principal]struct{}
	balances   balances.Store
	allowances AllowanceStore
	journal    Journal
	// atomic, when set, replaces the step-by-step commit.
	atomic     committer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New builds a ledger. logger and m may be nil.
func New(cfg Config, store balances.Store, allowances AllowanceStore, journal Journal, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}
	minters := make(map[Principal]struct{}, len(cfg.MintAuthorities))
	for _, p := range cfg.MintAuthorities {
		minters[p] = struct{}{}
	}
	return &Ledger{
		cfg:        cfg,
		minters:    minters,
		balances:   store,
		allowances: allowances,
		journal:    journal,
		logger:     logger,
		metrics:    m,
	}
}

// NewInMemory builds a ledger over in-memory stores. Useful for tests and
// local development.
func NewInMemory(cfg Config) *Ledger {
	return New(cfg, balances.NewMemory(), NewMemoryAllowances(), NewMemoryJournal(), nil, nil)
}

func (l *Ledger) now() uint64 { return Nanos(l.cfg.Clock()) }

// BalanceOf returns the balance of account, zero when it has never been used.
func (l *Ledger) BalanceOf(ctx context.Context, account Account) (tokens.Amount, error) {
	if err := validate(nil, account); err != nil {
		return tokens.Zero(), err
	}
	return l.balances.Get(ctx, account.Key())
}

// Fee returns the fixed transfer fee.
func (l *Ledger) Fee(context.Context) (tokens.Amount, error) {
	return l.cfg.Fee, nil
}

// Transfer moves amount from the caller's account to args.To and burns the fee.
func (l *Ledger) Transfer(ctx context.Context, caller Principal, args TransferArgs) (index uint64, err error) {
	defer l.observe(OpTransfer, &err)

	from := WithSubaccount(caller, args.FromSubaccount)
	to := args.To.normalize()
	if err := validate(args.Memo, from, to); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if l.isMintingAccount(to) {
		return l.burn(ctx, caller, from, args, now)
	}
	if err := l.checkFee(args.Fee); err != nil {
		return 0, err
	}
	hash, err := l.checkReplay(ctx, OpTransfer, caller, args, args.CreatedAtTime, now)
	if err != nil {
		return 0, err
	}

	balance, err := l.balances.Get(ctx, from.Key())
	if err != nil {
		return 0, err
	}
	required, err := args.Amount.Add(l.cfg.Fee)
	if err != nil || balance.Lt(required) {
		return 0, InsufficientFunds(balance)
	}

	changes := []balances.Change{
		balances.Debit(from.Key(), required),
		balances.Credit(to.Key(), args.Amount),
	}
	return l.commit(ctx, changes, nil, Block{
		Operation:     OpTransfer,
		From:          &from,
		To:            &to,
		Amount:        args.Amount,
		Fee:           l.cfg.Fee,
		Memo:          args.Memo,
		CreatedAtTime: args.CreatedAtTime,
		Timestamp:     now,
		TxHash:        hash,
	})
}

// burn handles a transfer addressed to the minting account. Burns carry no fee
// and must destroy at least one fee's worth of tokens.
func (l *Ledger) burn(ctx context.Context, caller Principal, from Account, args TransferArgs, now uint64) (uint64, error) {
	if args.Fee != nil && !args.Fee.IsZero() {
		return 0, BadFee(tokens.Zero())
	}
	if args.Amount.Lt(l.cfg.Fee) {
		return 0, &Error{Reason: ReasonBadBurn, MinBurnAmount: l.cfg.Fee}
	}
	hash, err := l.checkReplay(ctx, OpBurn, caller, args, args.CreatedAtTime, now)
	if err != nil {
		return 0, err
	}
	balance, err := l.balances.Get(ctx, from.Key())
	if err != nil {
		return 0, err
	}
	if balance.Lt(args.Amount) {
		return 0, InsufficientFunds(balance)
	}
	return l.commit(ctx, []balances.Change{balances.Debit(from.Key(), args.Amount)}, nil, Block{
		Operation:     OpBurn,
		From:          &from,
		Amount:        args.Amount,
		Memo:          args.Memo,
		CreatedAtTime: args.CreatedAtTime,
		Timestamp:     now,
		TxHash:        hash,
	})
}

// Approve overwrites the allowance the caller grants to args.Spender and
// charges the fee.
func (l *Ledger) Approve(ctx context.Context, caller Principal, args ApproveArgs) (index uint64, err error) {
	defer l.observe(OpApprove, &err)

	owner := WithSubaccount(caller, args.FromSubaccount)
	spender := args.Spender.normalize()
	if err := validate(args.Memo, owner, spender); err != nil {
		return 0, err
	}
	if owner.Equal(spender) {
		return 0, fmt.Errorf("%w: self approval is not allowed", ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if err := l.checkFee(args.Fee); err != nil {
		return 0, err
	}
	if args.ExpiresAt != nil && *args.ExpiresAt <= now {
		return 0, Expired(now)
	}
	hash, err := l.checkReplay(ctx, OpApprove, caller, args, args.CreatedAtTime, now)
	if err != nil {
		return 0, err
	}

	current, stored, err := l.effectiveAllowance(ctx, owner, spender, now)
	if err != nil {
		return 0, err
	}
	if args.ExpectedAllowance != nil && !args.ExpectedAllowance.Eq(current.Allowance) {
		return 0, AllowanceChanged(current.Allowance)
	}

	balance, err := l.balances.Get(ctx, owner.Key())
	if err != nil {
		return 0, err
	}
	if balance.Lt(l.cfg.Fee) {
		return 0, InsufficientFunds(balance)
	}

	grant := &allowanceWrite{
		owner:   owner,
		spender: spender,
		next:    Allowance{Allowance: args.Amount, ExpiresAt: args.ExpiresAt},
		prev:    stored,
	}
	return l.commit(ctx, []balances.Change{balances.Debit(owner.Key(), l.cfg.Fee)}, grant, Block{
		Operation:     OpApprove,
		From:          &owner,
		Spender:       &spender,
		Amount:        args.Amount,
		Fee:           l.cfg.Fee,
		ExpiresAt:     args.ExpiresAt,
		Memo:          args.Memo,
		CreatedAtTime: args.CreatedAtTime,
		Timestamp:     now,
		TxHash:        hash,
	})
}

// Allowance returns the grant from args.Account to args.Spender. Expired
// grants read as zero.
func (l *Ledger) Allowance(ctx context.Context, args AllowanceArgs) (Allowance, error) {
	owner, spender := args.Account.normalize(), args.Spender.normalize()
	if err := validate(nil, owner, spender); err != nil {
		return Allowance{}, err
	}
	current, _, err := l.effectiveAllowance(ctx, owner, spender, l.now())
	return current, err
}

// TransferFrom moves amount from args.From to args.To on behalf of the caller
// and consumes amount+fee of the caller's allowance.
func (l *Ledger) TransferFrom(ctx context.Context, caller Principal, args TransferFromArgs) (index uint64, err error) {
	defer l.observe(OpTransferFrom, &err)

	spender := WithSubaccount(caller, args.SpenderSubaccount)
	from := args.From.normalize()
	to := args.To.normalize()
	if err := validate(args.Memo, spender, from, to); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if err := l.checkFee(args.Fee); err != nil {
		return 0, err
	}
	hash, err := l.checkReplay(ctx, OpTransferFrom, caller, args, args.CreatedAtTime, now)
	if err != nil {
		return 0, err
	}

	required, err := args.Amount.Add(l.cfg.Fee)
	if err != nil {
		return 0, fmt.Errorf("%w: amount overflows", ErrInvalidArgument)
	}
	current, stored, err := l.effectiveAllowance(ctx, from, spender, now)
	if err != nil {
		return 0, err
	}
	if current.Allowance.Lt(required) {
		return 0, InsufficientAllowance(current.Allowance)
	}

	balance, err := l.balances.Get(ctx, from.Key())
	if err != nil {
		return 0, err
	}
	if balance.Lt(required) {
		return 0, InsufficientFunds(balance)
	}

	remaining, err := current.Allowance.Sub(required)
	if err != nil {
		return 0, err
	}
	grant := &allowanceWrite{
		owner:   from,
		spender: spender,
		next:    Allowance{Allowance: remaining, ExpiresAt: stored.ExpiresAt},
		prev:    stored,
	}
	changes := []balances.Change{
		balances.Debit(from.Key(), required),
		balances.Credit(to.Key(), args.Amount),
	}
	return l.commit(ctx, changes, grant, Block{
		Operation:     OpTransferFrom,
		From:          &from,
		To:            &to,
		Spender:       &spender,
		Amount:        args.Amount,
		Fee:           l.cfg.Fee,
		Memo:          args.Memo,
		CreatedAtTime: args.CreatedAtTime,
		Timestamp:     now,
		TxHash:        hash,
	})
}

// Mint credits new tokens to args.To. Only principals in the mint allowlist
// may call it and it is fee exempt.
func (l *Ledger) Mint(ctx context.Context, caller Principal, args MintArgs) (index uint64, err error) {
	defer l.observe(OpMint, &err)

	if _, ok := l.minters[caller]; !ok {
		return 0, GenericError(errCodeUnauthorizedMint, fmt.Sprintf("Only authorized minters can mint tokens. Caller: %s", caller))
	}
	to := args.To.normalize()
	if err := validate(args.Memo, to); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	hash, err := l.checkReplay(ctx, OpMint, caller, args, args.CreatedAtTime, now)
	if err != nil {
		return 0, err
	}
	return l.commit(ctx, []balances.Change{balances.Credit(to.Key(), args.Amount)}, nil, Block{
		Operation:     OpMint,
		To:            &to,
		Amount:        args.Amount,
		Memo:          args.Memo,
		CreatedAtTime: args.CreatedAtTime,
		Timestamp:     now,
		TxHash:        hash,
	})
}

// Block returns a single block.
func (l *Ledger) Block(ctx context.Context, index uint64) (Block, error) {
	return l.journal.Block(ctx, index)
}

// Blocks returns up to length blocks from start.
func (l *Ledger) Blocks(ctx context.Context, start, length uint64) ([]Block, error) {
	if length > maxBlocksPerRequest {
		length = maxBlocksPerRequest
	}
	return l.journal.Blocks(ctx, start, length)
}

// TotalSupply is everything minted minus everything burned, fees included.
func (l *Ledger) TotalSupply(ctx context.Context) (tokens.Amount, error) {
	return l.journal.Supply(ctx)
}

func (l *Ledger) Name() string    { return l.cfg.Name }
func (l *Ledger) Symbol() string  { return l.cfg.Symbol }
func (l *Ledger) Decimals() uint8 { return l.cfg.Decimals }

// MintingAccount returns the burn address, if configured.
func (l *Ledger) MintingAccount() *Account {
	if l.cfg.MintingAccount == nil {
		return nil
	}
	acct := l.cfg.MintingAccount.normalize()
	return &acct
}

// Metadata lists the icrc1 metadata pairs.
func (l *Ledger) Metadata() []MetadataEntry {
	return []MetadataEntry{
		{Key: "icrc1:name", Value: l.cfg.Name},
		{Key: "icrc1:symbol", Value: l.cfg.Symbol},
		{Key: "icrc1:decimals", Value: l.cfg.Decimals},
		{Key: "icrc1:fee", Value: l.cfg.Fee},
	}
}

// SupportedStandards lists the token standards the ledger speaks.
func SupportedStandards() []Standard {
	return []Standard{
		{Name: "ICRC-1", URL: "https://github.com/dfinity/ICRC-1"},
		{Name: "ICRC-2", URL: "https://github.com/dfinity/ICRC-1/tree/main/standards/ICRC-2"},
	}
}

type allowanceWrite struct {
	owner, spender Account
	next, prev     Allowance
}

// committer writes every effect of one call in a single atomic step.
type committer interface {
	commit(ctx context.Context, changes []balances.Change, grant *allowanceWrite, b Block) (uint64, error)
}

// commit applies the balance changes, writes the allowance and appends the
// block. Backends without a shared transaction go through commitInSteps.
func (l *Ledger) commit(ctx context.Context, changes []balances.Change, grant *allowanceWrite, b Block) (uint64, error) {
	var (
		index uint64
		err   error
	)
	if l.atomic != nil {
		index, err = l.atomic.commit(ctx, changes, grant, b)
	} else {
		index, err = l.commitInSteps(ctx, changes, grant, b)
	}
	if err != nil {
		var short *balances.InsufficientBalanceError
		if errors.As(err, &short) {
			return 0, InsufficientFunds(short.Balance)
		}
		return 0, err
	}

	if l.metrics != nil {
		l.metrics.LedgerBlockHeight.Set(float64(index))
		if burned, _ := b.burned().Decimal(0).Float64(); burned > 0 {
			l.metrics.LedgerFeesBurned.Add(burned)
		}
	}
	return index, nil
}

// commitInSteps writes the three stores one after another under mu. A failure
// after the balances moved reverses what was already written.
func (l *Ledger) commitInSteps(ctx context.Context, changes []balances.Change, grant *allowanceWrite, b Block) (uint64, error) {
	if err := l.balances.Apply(ctx, changes...); err != nil {
		return 0, fmt.Errorf("apply balances: %w", err)
	}

	if grant != nil {
		if err := l.allowances.Put(ctx, grant.owner, grant.spender, grant.next); err != nil {
			l.revert(ctx, changes, nil, err)
			return 0, fmt.Errorf("store allowance: %w", err)
		}
	}

	index, err := l.journal.Append(ctx, b)
	if err != nil {
		l.revert(ctx, changes, grant, err)
		return 0, fmt.Errorf("append block: %w", err)
	}
	return index, nil
}

func (l *Ledger) revert(ctx context.Context, changes []balances.Change, grant *allowanceWrite, cause error) {
	ctx = context.WithoutCancel(ctx)
	if grant != nil {
		if err := l.allowances.Put(ctx, grant.owner, grant.spender, grant.prev); err != nil {
			l.logger.Error("ledger allowance rollback failed", slog.Any("cause", cause), slog.Any("error", err))
		}
	}
	undo := make([]balances.Change, 0, len(changes))
	for i := len(changes) - 1; i >= 0; i-- {
		ch := changes[i]
		ch.Debit = !ch.Debit
		undo = append(undo, ch)
	}
	if err := l.balances.Apply(ctx, undo...); err != nil {
		l.logger.Error("ledger balance rollback failed", slog.Any("cause", cause), slog.Any("error", err))
	}
}

func (l *Ledger) checkFee(fee *tokens.Amount) error {
	if fee != nil && !fee.Eq(l.cfg.Fee) {
		return BadFee(l.cfg.Fee)
	}
	return nil
}

// checkReplay validates created_at_time against the transaction window and
// rejects a request identical to one already in the window. Requests without
// created_at_time are never deduplicated. It returns the request hash to store
// on the block.
func (l *Ledger) checkReplay(ctx context.Context, op Operation, caller Principal, args any, createdAt *uint64, now uint64) (string, error) {
	if createdAt == nil {
		return "", nil
	}
	drift := uint64(l.cfg.PermittedDrift)
	window := uint64(l.cfg.TxWindow)
	if *createdAt > now+drift {
		return "", CreatedInFuture(now)
	}
	if *createdAt+window+drift < now {
		return "", TooOld()
	}

	hash, err := requestHash(op, caller, args)
	if err != nil {
		return "", err
	}
	var since uint64
	if now > window+drift {
		since = now - window - drift
	}
	index, found, err := l.journal.FindDuplicate(ctx, hash, since)
	if err != nil {
		return "", err
	}
	if found {
		return "", Duplicate(index)
	}
	return hash, nil
}

func (l *Ledger) effectiveAllowance(ctx context.Context, owner, spender Account, now uint64) (current, stored Allowance, err error) {
	stored, ok, err := l.allowances.Get(ctx, owner, spender)
	if err != nil || !ok {
		return Allowance{}, Allowance{}, err
	}
	if stored.ExpiresAt != nil && *stored.ExpiresAt <= now {
		return Allowance{}, stored, nil
	}
	return stored, stored, nil
}

func (l *Ledger) isMintingAccount(a Account) bool {
	return l.cfg.MintingAccount != nil && l.cfg.MintingAccount.Equal(a)
}

func (l *Ledger) observe(op Operation, errp *error) {
	if l.metrics == nil {
		return
	}
	outcome := metrics.Outcome(*errp)
	var ledgerErr *Error
	if errors.As(*errp, &ledgerErr) {
		outcome = string(ledgerErr.Reason)
	}
	l.metrics.LedgerOps.WithLabelValues(string(op), outcome).Inc()
}

func validate(memo []byte, accounts ...Account) error {
	if len(memo) > maxMemoLength {
		return fmt.Errorf("%w: memo longer than %d bytes", ErrInvalidArgument, maxMemoLength)
	}
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	return nil
}

func requestHash(op Operation, caller Principal, args any) (string, error) {
	payload, err := json.Marshal(struct {
		Operation Operation `json:"op"`
		Caller    Principal `json:"caller"`
		Args      any       `json:"args"`
	}{op, caller, args})
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
