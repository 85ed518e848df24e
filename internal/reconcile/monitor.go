package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/testbtc_custody/internal/balances"
	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/logging"
	"github.com/congo-pay/testbtc_custody/internal/metrics"
	"github.com/congo-pay/testbtc_custody/internal/notification"
	"github.com/congo-pay/testbtc_custody/internal/tokens"
	"github.com/congo-pay/testbtc_custody/internal/txlog"
)

// Status compares the custodial liabilities with the funds the wallet holds
// on the ledger.
type Status struct {
	TotalVirtual tokens.Amount   `json:"total_virtual"`
	Actual       tokens.Amount   `json:"actual"`
	Ratio        decimal.Decimal `json:"ratio"`
	IsSolvent    bool            `json:"is_solvent"`
	CheckedAt    time.Time       `json:"checked_at"`
}

// Monitor computes reserve status. It only reads, so it never blocks wallet
// operations; results are eventually consistent with in-flight settlements.
type Monitor struct {
	wallet     ledger.Principal
	ledger     ledger.TokenLedger
	virtual    balances.Store
	depositors txlog.Log
	notifier   notification.Notifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      func() time.Time
}

// NewMonitor builds a monitor for the custody run by wallet. notifier,
// logger and m may be nil.
func NewMonitor(wallet ledger.Principal, tl ledger.TokenLedger, virtual balances.Store, depositors txlog.Log, notifier notification.Notifier, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Monitor{
		wallet:     wallet,
		ledger:     tl,
		virtual:    virtual,
		depositors: depositors,
		notifier:   notifier,
		logger:     logger,
		metrics:    m,
		clock:      time.Now,
	}
}

// Accounts lists every ledger account backing custodial balances: the
// operating account followed by the custody subaccount of each depositor.
func (m *Monitor) Accounts(ctx context.Context) ([]ledger.Account, error) {
	owners, err := m.depositors.Depositors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list depositors: %w", err)
	}
	out := make([]ledger.Account, 0, len(owners)+1)
	out = append(out, ledger.NewAccount(m.wallet))
	for _, owner := range owners {
		out = append(out, ledger.CustodyAccount(m.wallet, ledger.Principal(owner)))
	}
	return out, nil
}

// Status sums the virtual balances and the ledger balances of every custody
// account.
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	virtual, err := balances.Sum(ctx, m.virtual)
	if err != nil {
		return Status{}, fmt.Errorf("sum virtual balances: %w", err)
	}

	accounts, err := m.Accounts(ctx)
	if err != nil {
		return Status{}, err
	}
	actual := tokens.Zero()
	for _, acct := range accounts {
		bal, err := m.ledger.BalanceOf(ctx, acct)
		if err != nil {
			return Status{}, fmt.Errorf("balance of %s: %w", acct, err)
		}
		if actual, err = actual.Add(bal); err != nil {
			return Status{}, err
		}
	}

	return Status{
		TotalVirtual: virtual,
		Actual:       actual,
		Ratio:        tokens.Ratio(actual, virtual),
		IsSolvent:    actual.Cmp(virtual) >= 0,
		CheckedAt:    m.clock().UTC(),
	}, nil
}

// Check computes the status once and publishes it to the gauges.
func (m *Monitor) Check(ctx context.Context) (Status, error) {
	status, err := m.Status(ctx)
	if m.metrics != nil {
		m.metrics.ReserveChecks.WithLabelValues(metrics.Outcome(err)).Inc()
	}
	if err != nil {
		m.logger.Error("reserve check failed", "error", err)
		return Status{}, err
	}

	if m.metrics != nil {
		virtual, _ := status.TotalVirtual.Decimal(0).Float64()
		actual, _ := status.Actual.Decimal(0).Float64()
		ratio, _ := status.Ratio.Float64()
		m.metrics.ReserveVirtual.Set(virtual)
		m.metrics.ReserveActual.Set(actual)
		m.metrics.ReserveRatio.Set(ratio)
		solvent := 0.0
		if status.IsSolvent {
			solvent = 1
		}
		m.metrics.ReserveSolvent.Set(solvent)
	}

	if !status.IsSolvent {
		m.logger.Warn("custody reserve insolvent",
			"total_virtual", status.TotalVirtual.String(),
			"actual", status.Actual.String(),
			"ratio", status.Ratio.String(),
		)
		if m.notifier != nil {
			_ = m.notifier.Send(ctx, notification.Message{
				Kind:        notification.KindInsolvency,
				Destination: string(m.wallet),
				Body:        fmt.Sprintf("reserve ratio %s: actual %s below virtual %s", status.Ratio, status.Actual, status.TotalVirtual),
			})
		}
	}
	return status, nil
}
