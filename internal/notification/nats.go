package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding custody notifications.
	StreamName = "CUSTODY_NOTIFICATIONS"
	// SubjectPrefix is followed by the message kind.
	SubjectPrefix = "custody.notifications"
)

type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSNotifier publishes notifications to JetStream under
// custody.notifications.{kind}.
type NATSNotifier struct {
	js   streamPublisher
	conn *nats.Conn
}

// DialNATS connects to url, ensures the notification stream exists and
// returns a notifier bound to it.
func DialNATS(ctx context.Context, url string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("testbtc-custody"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSNotifier{js: js, conn: nc}, nil
}

// EnsureStream creates or updates the notification stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create notification stream: %w", err)
	}
	return nil
}

func (n *NATSNotifier) Send(ctx context.Context, message Message) error {
	data, err := json.Marshal(stamp(message))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = n.js.Publish(ctx, SubjectPrefix+"."+message.Kind, data)
	return err
}

// Close drains the underlying connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
