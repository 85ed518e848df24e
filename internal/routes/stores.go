package routes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/congo-pay/testbtc_custody/internal/balances"
	"github.com/congo-pay/testbtc_custody/internal/config"
	"github.com/congo-pay/testbtc_custody/internal/custody"
	"github.com/congo-pay/testbtc_custody/internal/identity"
	"github.com/congo-pay/testbtc_custody/internal/ledger"
	"github.com/congo-pay/testbtc_custody/internal/metrics"
	"github.com/congo-pay/testbtc_custody/internal/notification"
	"github.com/congo-pay/testbtc_custody/internal/tokens"
	"github.com/congo-pay/testbtc_custody/internal/txlog"
)

// Balance keyspaces and transaction log namespaces.
const (
	ledgerKeyspace   = "ledger"
	custodyKeyspace  = "custody"
	walletNamespace  = "wallet"
	custodyNamespace = "custody"
)

func balanceStore(d Deps, keyspace string) (balances.Store, error) {
	backend := d.Cfg.BalanceBackend
	if backend == "" && d.DB != nil {
		backend = config.BalancesPostgres
	}
	switch backend {
	case "", config.BalancesMemory:
		return balances.NewMemory(), nil
	case config.BalancesRedis:
		if d.Cache == nil {
			return nil, fmt.Errorf("balance backend redis needs a redis connection")
		}
		return balances.NewRedisStore(d.Cache, keyspace), nil
	case config.BalancesPostgres:
		if d.DB == nil {
			return nil, fmt.Errorf("balance backend postgres needs a database connection")
		}
		return balances.NewPostgresStore(d.DB, keyspace), nil
	default:
		return nil, fmt.Errorf("unknown balance backend %q", backend)
	}
}

func transactionLog(d Deps, namespace string) txlog.Log {
	if d.DB != nil {
		return txlog.NewPostgresLog(d.DB, namespace)
	}
	return txlog.NewMemory()
}

func identityRepository(d Deps) identity.Repository {
	if d.DB != nil {
		return identity.NewPostgresRepository(d.DB)
	}
	return identity.NewMemoryRepository()
}

// ledgerConfig derives token parameters from configuration. Where the faucet
// is enabled the custody wallet may mint so it works against an embedded
// ledger.
func ledgerConfig(cfg config.Config) ledger.Config {
	lc := ledger.DefaultConfig()
	lc.Fee = tokens.New(cfg.TransferFee)
	authorities := append([]string{}, cfg.MintAuthorities...)
	if custody.FaucetEnabled(cfg.AppEnv) {
		authorities = append(authorities, cfg.WalletPrincipal)
	}
	seen := map[ledger.Principal]bool{}
	for _, p := range authorities {
		if p == "" || seen[ledger.Principal(p)] {
			continue
		}
		seen[ledger.Principal(p)] = true
		lc.MintAuthorities = append(lc.MintAuthorities, ledger.Principal(p))
	}
	return lc
}

// embeddedLedger builds the in-process ledger over the configured stores.
// With balances in Postgres every call commits in one transaction.
func embeddedLedger(d Deps, m *metrics.Metrics) (*ledger.Ledger, error) {
	store, err := balanceStore(d, ledgerKeyspace)
	if err != nil {
		return nil, err
	}
	if _, ok := store.(*balances.PostgresStore); ok {
		return ledger.NewPostgres(ledgerConfig(d.Cfg), d.DB, ledgerKeyspace, d.Logger, m), nil
	}
	var (
		allowances ledger.AllowanceStore = ledger.NewMemoryAllowances()
		journal    ledger.Journal        = ledger.NewMemoryJournal()
	)
	if d.DB != nil {
		allowances = ledger.NewPostgresAllowances(d.DB)
		journal = ledger.NewPostgresJournal(d.DB)
	}
	return ledger.New(ledgerConfig(d.Cfg), store, allowances, journal, d.Logger, m), nil
}

// tokenLedger returns a client for the standalone ledger service when one is
// configured and an embedded ledger otherwise.
func tokenLedger(d Deps, m *metrics.Metrics) (ledger.TokenLedger, error) {
	if d.Cfg.LedgerURL != "" {
		d.Logger.Info("using remote ledger", slog.String("url", d.Cfg.LedgerURL))
		return ledger.NewClient(d.Cfg.LedgerURL, d.Cfg.LedgerServiceToken, d.Cfg.LedgerTimeout), nil
	}
	return embeddedLedger(d, m)
}

// icpLedger returns a client for the ICP ledger, or nil when none is
// configured.
func icpLedger(d Deps) ledger.TokenLedger {
	if d.Cfg.ICPLedgerURL == "" {
		return nil
	}
	d.Logger.Info("using icp ledger", slog.String("url", d.Cfg.ICPLedgerURL))
	return ledger.NewClient(d.Cfg.ICPLedgerURL, d.Cfg.ICPLedgerServiceToken, d.Cfg.LedgerTimeout)
}

// newNotifier selects the configured event sink.
func newNotifier(ctx context.Context, cfg config.Config, logger *slog.Logger) (notification.Notifier, error) {
	switch cfg.EventsBackend {
	case config.EventsKafka:
		return notification.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case config.EventsNATS:
		n, err := notification.DialNATS(ctx, cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return n, nil
	default:
		return notification.NewLoggerNotifier(logger), nil
	}
}
