package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSource drains a JetStream consumer into a finite raw-event batch.
// This is deliberately NOT a live subscription: each Fetch pulls until the
// consumer reports no pending messages (or maxBatch is reached) and returns,
// so the pipeline stays a single bounded pass. Redelivered messages are
// harmless — the seen-set rejects them downstream.
type NATSSource struct {
	js       jetstream.JetStream
	stream   string
	subject  string
	durable  string
	maxBatch int
	maxWait  time.Duration
}

func NewNATSSource(js jetstream.JetStream, stream, subject, durable string, maxBatch int, maxWait time.Duration) *NATSSource {
	return &NATSSource{
		js:       js,
		stream:   stream,
		subject:  subject,
		durable:  durable,
		maxBatch: maxBatch,
		maxWait:  maxWait,
	}
}

// NATSBatch is one drained batch together with its deferred delivery
// acknowledgements. Nothing is acked during Fetch: the caller calls Ack once
// the run that consumed the batch has committed, or Nak to hand every message
// back for redelivery. A batch that is neither acked nor naked redelivers
// after the consumer's AckWait.
type NATSBatch struct {
	Events []RawEvent

	acks []func() error
	naks []func() error
}

// Ack acknowledges every message in the batch. An acked message is never
// redelivered, so this must only run after the consuming run has committed.
// Returns the first ack error; a failed ack redelivers later and the
// seen-set rejects the duplicate downstream.
func (b *NATSBatch) Ack() error {
	var first error
	for _, ack := range b.acks {
		if err := ack(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nak releases every message in the batch for immediate redelivery.
func (b *NATSBatch) Nak() error {
	var first error
	for _, nak := range b.naks {
		if err := nak(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *NATSBatch) add(ev RawEvent, ack, nak func() error) {
	b.Events = append(b.Events, ev)
	b.acks = append(b.acks, ack)
	b.naks = append(b.naks, nak)
}

// Fetch pulls up to maxBatch raw events from the stream. Acknowledgement is
// deferred to the returned batch: delivery stays pending in JetStream until
// the caller acks, so a crash between fetch and commit redelivers the same
// range instead of losing it.
func (ns *NATSSource) Fetch(ctx context.Context) (*NATSBatch, error) {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, ns.stream, jetstream.ConsumerConfig{
		Durable:       ns.durable,
		FilterSubject: ns.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", ns.durable, err)
	}

	out := &NATSBatch{Events: make([]RawEvent, 0, 256)}

	for len(out.Events) < ns.maxBatch {
		want := ns.maxBatch - len(out.Events)
		if want > 512 {
			want = 512
		}

		batch, err := consumer.Fetch(want, jetstream.FetchMaxWait(ns.maxWait))
		if err != nil {
			out.Nak()
			return nil, fmt.Errorf("fetch from %s: %w", ns.subject, err)
		}

		got := 0
		for msg := range batch.Messages() {
			var ev RawEvent
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				// Undecodable payload: surface it to the validation
				// log as a zero RawEvent. Its ack still rides with
				// the batch, so a committed run retires the broken
				// message instead of redelivering it forever.
				ev = RawEvent{}
			}
			out.add(ev, msg.Ack, msg.Nak)
			got++
		}
		if err := batch.Error(); err != nil {
			out.Nak()
			return nil, fmt.Errorf("fetch from %s: %w", ns.subject, err)
		}

		// Drained: an empty (or short) fetch means nothing is pending.
		if got == 0 {
			break
		}

		select {
		case <-ctx.Done():
			out.Nak()
			return nil, ctx.Err()
		default:
		}
	}

	return out, nil
}

// ConnectNATS connects to NATS and returns the connection and a JetStream
// context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
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
