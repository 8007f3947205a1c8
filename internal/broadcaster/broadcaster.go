// Package broadcaster publishes newly-indexed deposits to NATS JetStream. It is a
// fire-and-forget sink per spec.md §6: failures are returned to the caller for
// visibility, and the depositor logs and ignores them; they never roll back a
// persisted batch.
package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/opstack/op-deposit-indexer/internal/models"
)

const streamCreateTimeout = 10 * time.Second

// Message is the envelope published for every imported batch, per spec.md §4.2 step 5.
type Message struct {
	Event    string           `json:"event"`
	Deposits []models.Deposit `json:"deposits"`
}

const eventNewOptimismDeposits = "new_optimism_deposits"

// Broadcaster publishes deposit batches to NATS JetStream.
type Broadcaster struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger *zerolog.Logger
	prefix string
}

// New connects to NATS and ensures the deposit stream exists.
func New(natsURL, streamName, subjectPrefix string, maxAge time.Duration, logger *zerolog.Logger) (*Broadcaster, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("op-deposit-indexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		MaxAge:     maxAge,
		Storage:    jetstream.FileStorage,
		Duplicates: 20 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info().
		Str("stream", streamName).
		Str("prefix", subjectPrefix).
		Dur("max_age", maxAge).
		Msg("broadcaster initialized")

	return &Broadcaster{js: js, nc: nc, logger: logger, prefix: subjectPrefix}, nil
}

// PublishDeposits publishes a batch of newly-imported deposits. Best-effort: errors
// are logged and returned to the caller for visibility, but the caller must not roll
// back the import on failure (spec.md §4.2 step 5, §7).
func (b *Broadcaster) PublishDeposits(ctx context.Context, deposits []models.Deposit) error {
	if len(deposits) == 0 {
		return nil
	}

	msg := Message{Event: eventNewOptimismDeposits, Deposits: deposits}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal deposit batch: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", b.prefix, eventNewOptimismDeposits)
	msgID := fmt.Sprintf("%s-%d", deposits[0].L1TransactionHash, deposits[0].L1BlockNumber)

	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		b.logger.Error().
			Err(err).
			Str("subject", subject).
			Int("count", len(deposits)).
			Msg("failed to broadcast deposits")
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	b.logger.Debug().
		Str("subject", subject).
		Int("count", len(deposits)).
		Msg("deposits broadcast")
	return nil
}

// Close closes the NATS connection.
func (b *Broadcaster) Close() {
	if b.nc != nil {
		b.nc.Close()
		b.logger.Info().Msg("broadcaster closed")
	}
}

// Healthy reports whether the NATS connection is currently up.
func (b *Broadcaster) Healthy() bool {
	return b.nc != nil && b.nc.IsConnected()
}
