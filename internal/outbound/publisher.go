// Package outbound publishes settlement events to NATS JetStream for
// downstream consumers. Publishing happens after the owning transaction
// committed and is non-fatal: consumers that miss an event can rebuild
// from the ledger.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"quotedesk/internal/trading"
)

// Event subjects under the quotedesk.events stream.
const (
	SubjectQuoteCreated = "quotedesk.events.quote_created"
	SubjectTradeSettled = "quotedesk.events.trade_settled"
	SubjectDeposit      = "quotedesk.events.deposit"
)

// Publisher implements trading.EventSink over JetStream.
type Publisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, log: log.With().Str("component", "outbound").Logger()}
}

func (p *Publisher) QuoteCreated(ctx context.Context, q trading.QuoteView) {
	p.publish(ctx, SubjectQuoteCreated, q)
}

func (p *Publisher) TradeSettled(ctx context.Context, tr trading.TradeView) {
	p.publish(ctx, SubjectTradeSettled, tr)
}

func (p *Publisher) DepositRecorded(ctx context.Context, clientID uuid.UUID, currency, amount string) {
	p.publish(ctx, SubjectDeposit, map[string]string{
		"clientId": clientID.String(),
		"currency": currency,
		"amount":   amount,
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("marshal outbound event")
		return
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("outbound publish failed")
	}
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "QUOTEDESK_EVENTS",
		Subjects:  []string{"quotedesk.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream
// context. Reconnects forever; settlement never blocks on the bus.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
