package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToFilteredSubscriber(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(Drop, KindIncomingSms)
	b.Publish(KindSignalStrength, 5)
	b.Publish(KindIncomingSms, "hi")

	select {
	case ev := <-sub.C:
		if ev.Kind != KindIncomingSms {
			t.Errorf("kind = %v, want %v", ev.Kind, KindIncomingSms)
		}
		if ev.ID == 0 {
			t.Error("expected non-zero event id")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestUnfilteredSubscriberReceivesEverything(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(Drop)
	b.Publish(KindGnssFix, nil)
	b.Publish(KindModemLinkState, nil)
	for i := 0; i < 2; i++ {
		select {
		case <-sub.C:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestDropPolicyDropsOldest(t *testing.T) {
	b := New(2)
	sub := b.Subscribe(Drop)
	for i := 0; i < 5; i++ {
		b.Publish(KindSignalStrength, i)
	}
	if sub.Dropped() == 0 {
		t.Error("expected some events to be dropped")
	}
	// the queue should hold the two most recent events.
	var last any
	for {
		select {
		case ev := <-sub.C:
			last = ev.Payload
			continue
		default:
		}
		break
	}
	if last != 4 {
		t.Errorf("last queued payload = %v, want 4", last)
	}
}

func TestDisconnectPolicyClosesOnOverflow(t *testing.T) {
	b := New(1)
	sub := b.Subscribe(Disconnect)
	b.Publish(KindSignalStrength, 1)
	b.Publish(KindSignalStrength, 2)
	time.Sleep(10 * time.Millisecond)

	drained := 0
	for range sub.C {
		drained++
	}
	if drained > 1 {
		t.Errorf("drained %d events, want at most 1 before disconnect", drained)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(Drop)
	sub.Unsubscribe()
	b.Publish(KindGnssFix, nil)
	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after unsubscribe")
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	b := New(16)
	sub := b.Subscribe(Drop)
	for i := 0; i < 10; i++ {
		b.Publish(KindSignalStrength, i)
	}
	for i := 0; i < 10; i++ {
		ev := <-sub.C
		if ev.Payload != i {
			t.Errorf("event %d payload = %v, want %v", i, ev.Payload, i)
		}
	}
}
