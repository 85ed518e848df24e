package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	// KindVirtualTransfer is sent to the recipient of a custody transfer.
	KindVirtualTransfer = "virtual_transfer"
	// KindDeposit is sent when a deposit to custody settles on the ledger.
	KindDeposit = "custody_deposit"
	// KindWithdrawal is sent when a custody withdrawal settles on the ledger.
	KindWithdrawal = "custody_withdrawal"
	// KindBTCWithdrawal is sent when a withdrawal is handed to the minter.
	KindBTCWithdrawal = "btc_withdrawal"
	// KindInsolvency is raised by the reconciliation monitor.
	KindInsolvency = "reserve_insolvent"
)

// Message describes a notification payload.
type Message struct {
	Kind        string    `json:"kind"`
	Destination string    `json:"destination"`
	Body        string    `json:"body"`
	Reference   string    `json:"reference,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"destination", message.Destination,
		"body", message.Body,
		"reference", message.Reference,
	)
	return nil
}

func stamp(m Message) Message {
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	return m
}
