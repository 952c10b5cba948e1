package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// MessageKind says which parser a subject feeds.
type MessageKind uint8

const (
	KindCommand MessageKind = iota
	KindPrice
)

func (k MessageKind) String() string {
	if k == KindPrice {
		return "price"
	}
	return "command"
}

const (
	CommandStream = "SYNTH_COMMANDS"
	PriceStream   = "SYNTH_PRICES"
	EventStream   = "SYNTH_EVENTS"

	commandSubjects = "synth.commands.>"
	priceSubjects   = "synth.prices.>"
	eventSubjects   = "synth.events.>"

	streamMaxAge = 72 * time.Hour
)

// Redelivery of deferred commands backs off from minDeferDelay to
// maxDeferDelay; a command waiting on a dispute price may sit for hours.
const (
	minDeferDelay = time.Second
	maxDeferDelay = time.Minute
)

// RawMessage is an unparsed message plus its ack handles.
type RawMessage struct {
	Kind      MessageKind
	Subject   string
	Data      []byte
	Delivered uint64 // 1 on first delivery
	Timestamp time.Time

	AckFunc   func()              // applied or permanently rejected
	NakFunc   func()              // transient failure, redeliver now
	DeferFunc func(time.Duration) // waiting on the oracle, redeliver later
}

// SubjectConfig maps a NATS subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         MessageKind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the command subjects of one instance and the
// shared price feed.
func DefaultSubjects(instanceID string) []SubjectConfig {
	return []SubjectConfig{
		{
			Subject:      fmt.Sprintf("synth.commands.%s.>", instanceID),
			Kind:         KindCommand,
			ConsumerName: "engine-commands-" + instanceID,
			StreamName:   CommandStream,
		},
		{
			Subject:      priceSubjects,
			Kind:         KindPrice,
			ConsumerName: "engine-prices-" + instanceID,
			StreamName:   PriceStream,
		},
	}
}

// consumerConfig: commands are never dropped for delivery count since an
// oracle deferral is expected; prices give up after a few attempts.
func consumerConfig(sc SubjectConfig) jetstream.ConsumerConfig {
	cc := jetstream.ConsumerConfig{
		Durable:       sc.ConsumerName,
		FilterSubject: sc.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: 1024,
	}
	if sc.Kind == KindCommand {
		cc.MaxDeliver = -1
	} else {
		cc.MaxDeliver = 5
	}
	return cc
}

// DeferDelay is the redelivery delay after the given delivery attempt.
func DeferDelay(delivered uint64) time.Duration {
	d := minDeferDelay
	for i := uint64(1); i < delivered && d < maxDeferDelay; i++ {
		d *= 2
	}
	if d > maxDeferDelay {
		d = maxDeferDelay
	}
	return d
}

// NATSSubscriber consumes JetStream subjects into the dispatcher channel.
type NATSSubscriber struct {
	js        jetstream.JetStream
	out       chan<- RawMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, out: msgChan, log: logger}
}

// Subscribe starts one durable consumer per subject.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, sc := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, sc.StreamName, consumerConfig(sc))
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", sc.ConsumerName, err)
		}
		cc, err := consumer.Consume(ns.handler(ctx, sc.Kind))
		if err != nil {
			return fmt.Errorf("consume %s: %w", sc.ConsumerName, err)
		}
		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().Str("subject", sc.Subject).Str("consumer", sc.ConsumerName).Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) handler(ctx context.Context, kind MessageKind) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		raw := RawMessage{
			Kind:      kind,
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Delivered: 1,
			Timestamp: time.Now(),
			AckFunc:   func() { ns.settle("ack", msg.Ack()) },
			NakFunc:   func() { ns.settle("nak", msg.Nak()) },
			DeferFunc: func(d time.Duration) { ns.settle("nak", msg.NakWithDelay(d)) },
		}
		if md, err := msg.Metadata(); err == nil {
			raw.Delivered = md.NumDelivered
			raw.Timestamp = md.Timestamp
		}

		select {
		case ns.out <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	}
}

func (ns *NATSSubscriber) settle(action string, err error) {
	if err != nil {
		ns.log.Warn().Err(err).Str("action", action).Msg("jetstream ack failed")
	}
}

// Stop drains the consumers; unacked messages are redelivered on restart.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Int("consumers", len(ns.consumers)).Msg("NATS subscribers stopped")
}

// EnsureStreams creates or updates the command, price and event streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	for name, subject := range map[string]string{
		CommandStream: commandSubjects,
		PriceStream:   priceSubjects,
		EventStream:   eventSubjects,
	} {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		logger.Info().Str("stream", name).Str("subjects", subject).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS dials NATS with unlimited reconnects and opens JetStream.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("synthledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
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
