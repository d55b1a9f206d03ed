package keeper

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RawMsg is one undecoded keeper message pulled off JetStream, with its
// ack handles attached. MsgID carries the publisher's Nats-Msg-Id header
// when present; the runner uses it to skip redeliveries.
type RawMsg struct {
	UpdateType string
	Subject    string
	MsgID      string
	Data       []byte
	Received   time.Time
	Ack        func()
	Nak        func()
}

// SubjectConfig maps a NATS subject to an update type.
type SubjectConfig struct {
	Subject      string
	UpdateType   string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard keeper subject configuration. Each
// update type has its own subject so consumers scale independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "prob.prices.>", UpdateType: "price", ConsumerName: "ledger-prices", StreamName: "PROB_PRICES"},
		{Subject: "prob.funding.>", UpdateType: "funding", ConsumerName: "ledger-funding", StreamName: "PROB_FUNDING"},
		{Subject: "prob.volatility.>", UpdateType: "volatility", ConsumerName: "ledger-volatility", StreamName: "PROB_VOLATILITY"},
		{Subject: "prob.accrual.>", UpdateType: "accrual", ConsumerName: "ledger-accrual", StreamName: "PROB_ACCRUAL"},
	}
}

// Subscriber feeds keeper messages from JetStream into the msgChan.
type Subscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMsg
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewSubscriber(js jetstream.JetStream, msgChan chan<- RawMsg, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		js:      js,
		msgChan: msgChan,
		log:     log.With().Str("component", "keeper-subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
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

		updateType := cfg.UpdateType
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMsg{
				UpdateType: updateType,
				Subject:    msg.Subject(),
				MsgID:      msg.Headers().Get("Nats-Msg-Id"),
				Data:       msg.Data(),
				Received:   time.Now(),
				Ack:        func() { msg.Ack() },
				Nak:        func() { msg.Nak() },
			}

			select {
			case s.msgChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, cc)
		s.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use file storage with limits retention and a 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "PROB_PRICES",
			Subjects:  []string{"prob.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PROB_FUNDING",
			Subjects:  []string{"prob.funding.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PROB_VOLATILITY",
			Subjects:  []string{"prob.volatility.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PROB_ACCRUAL",
			Subjects:  []string{"prob.accrual.>"},
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
		log.Info().Str("stream", cfg.Name).Msg("stream ensured")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("keeper subscribers stopped")
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
