package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"SynthLedger/internal/core"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes accepted commands to NATS for downstream
// consumers on synth.events.<instance>.<type>.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.Output
	log       zerolog.Logger
}

// PublishedEvent is the outbound wire form of an accepted command.
type PublishedEvent struct {
	InstanceID     string          `json:"instance_id"`
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Sponsor        string          `json:"sponsor"`
	Payload        json.RawMessage `json:"payload"`
	Journals       []JournalEvent  `json:"journals,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

type JournalEvent struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				// downstream consumers can read the command log directly
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// ToPublishedEvent renders an engine output in its outbound form.
func ToPublishedEvent(out core.Output) PublishedEvent {
	env := out.Envelope
	evt := PublishedEvent{
		InstanceID:     env.InstanceID,
		Sequence:       env.Sequence,
		CommandType:    env.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		Sponsor:        env.Sponsor.Hex(),
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			evt.Journals = append(evt.Journals, JournalEvent{
				Type:   j.JournalType.String(),
				From:   j.FromAccount.AccountPath(),
				To:     j.ToAccount.AccountPath(),
				Amount: j.Amount.String(),
			})
		}
	}
	return evt
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	evt := ToPublishedEvent(out)
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("synth.events.%s.%s", evt.InstanceID, evt.CommandType)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}
