package ingestion

import (
	"errors"
	"testing"
)

func countingBatch(n int, acked, naked *int) *NATSBatch {
	b := &NATSBatch{}
	for i := 0; i < n; i++ {
		b.add(RawEvent{},
			func() error { *acked++; return nil },
			func() error { *naked++; return nil })
	}
	return b
}

func TestNATSBatch_FetchDoesNotAck(t *testing.T) {
	var acked, naked int
	b := countingBatch(3, &acked, &naked)

	if len(b.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(b.Events))
	}
	if acked != 0 || naked != 0 {
		t.Fatalf("batch acknowledged before caller decided: acked=%d naked=%d", acked, naked)
	}
}

func TestNATSBatch_AckAcknowledgesEveryMessage(t *testing.T) {
	var acked, naked int
	b := countingBatch(3, &acked, &naked)

	if err := b.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if acked != 3 {
		t.Errorf("expected 3 acks, got %d", acked)
	}
	if naked != 0 {
		t.Errorf("expected 0 naks, got %d", naked)
	}
}

func TestNATSBatch_NakReleasesEveryMessage(t *testing.T) {
	var acked, naked int
	b := countingBatch(2, &acked, &naked)

	if err := b.Nak(); err != nil {
		t.Fatalf("nak: %v", err)
	}
	if naked != 2 {
		t.Errorf("expected 2 naks, got %d", naked)
	}
	if acked != 0 {
		t.Errorf("expected 0 acks, got %d", acked)
	}
}

func TestNATSBatch_AckReturnsFirstErrorAndContinues(t *testing.T) {
	errBroken := errors.New("ack failed")
	var acked int
	b := &NATSBatch{}
	b.add(RawEvent{}, func() error { acked++; return nil }, nil)
	b.add(RawEvent{}, func() error { return errBroken }, nil)
	b.add(RawEvent{}, func() error { acked++; return nil }, nil)

	if err := b.Ack(); !errors.Is(err, errBroken) {
		t.Fatalf("expected first ack error, got %v", err)
	}
	if acked != 2 {
		t.Errorf("remaining messages not acked after error: acked=%d", acked)
	}
}
