package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/flemmerz/NiMu/internal/observability"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds events
// into the deterministic core via the eventChan. NATS JetStream is the
// primary high-throughput ingestion surface; each subject maps to one
// event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is the parsed-but-untyped event from NATS, ready for the shell
// to validate and convert into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types. Each event type has its
// own subject and durable consumer so producers can scale independently.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Ledger flows
// (deposits, withdrawals, staking, rewards), pool flows (capital, policies,
// claims), and governance flows (cells, params, roles) each ride their own
// stream.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "nimu.ledger.deposits.>", EventType: "Deposit", ConsumerName: "nimu-deposits", StreamName: "NIMU_LEDGER"},
		{Subject: "nimu.ledger.withdrawals.>", EventType: "Withdrawal", ConsumerName: "nimu-withdrawals", StreamName: "NIMU_LEDGER"},
		{Subject: "nimu.ledger.stakes.>", EventType: "Stake", ConsumerName: "nimu-stakes", StreamName: "NIMU_LEDGER"},
		{Subject: "nimu.ledger.unstakes.>", EventType: "Unstake", ConsumerName: "nimu-unstakes", StreamName: "NIMU_LEDGER"},
		{Subject: "nimu.ledger.rewards.>", EventType: "RewardDistribution", ConsumerName: "nimu-rewards", StreamName: "NIMU_LEDGER"},
		{Subject: "nimu.pool.capital.>", EventType: "CapitalContribution", ConsumerName: "nimu-capital", StreamName: "NIMU_POOL"},
		{Subject: "nimu.pool.policies.>", EventType: "PolicyPurchase", ConsumerName: "nimu-policies", StreamName: "NIMU_POOL"},
		{Subject: "nimu.pool.claims.submitted.>", EventType: "ClaimSubmit", ConsumerName: "nimu-claim-submit", StreamName: "NIMU_POOL"},
		{Subject: "nimu.pool.claims.decided.>", EventType: "ClaimDecision", ConsumerName: "nimu-claim-decide", StreamName: "NIMU_POOL"},
		{Subject: "nimu.governance.cells.authorized.>", EventType: "CellAuthorization", ConsumerName: "nimu-cell-auth", StreamName: "NIMU_GOVERNANCE"},
		{Subject: "nimu.governance.cells.revoked.>", EventType: "CellRevocation", ConsumerName: "nimu-cell-revoke", StreamName: "NIMU_GOVERNANCE"},
		{Subject: "nimu.governance.params.>", EventType: "ParamsUpdate", ConsumerName: "nimu-params", StreamName: "NIMU_GOVERNANCE"},
		{Subject: "nimu.governance.roles.granted.>", EventType: "RoleGrant", ConsumerName: "nimu-role-grant", StreamName: "NIMU_GOVERNANCE"},
		{Subject: "nimu.governance.roles.revoked.>", EventType: "RoleRevoke", ConsumerName: "nimu-role-revoke", StreamName: "NIMU_GOVERNANCE"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("ingestion"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("ingestion")

	streams := []jetstream.StreamConfig{
		{
			Name:      "NIMU_LEDGER",
			Subjects:  []string{"nimu.ledger.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "NIMU_POOL",
			Subjects:  []string{"nimu.pool.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "NIMU_GOVERNANCE",
			Subjects:  []string{"nimu.governance.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("stream ensured")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
