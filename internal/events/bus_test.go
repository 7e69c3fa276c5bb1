package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestBroadcastOrdering(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("queue/1")
	b := bus.Subscribe("queue/1")
	defer a.Close()
	defer b.Close()

	bus.Publish("queue/1", Event{Type: "init"})
	bus.Publish("queue/1", Event{Type: "text"})

	for _, sub := range []*Subscriber{a, b} {
		if ev := recv(t, sub); ev.Type != "init" {
			t.Fatalf("first event = %s", ev.Type)
		}
		if ev := recv(t, sub); ev.Type != "text" {
			t.Fatalf("second event = %s", ev.Type)
		}
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewBus()
	bus.Publish("queue/none", Event{Type: "text"})
	if bus.SubscriberCount("queue/none") != 0 {
		t.Fatal("topic should not be created by publish")
	}
}

func TestUnsubscribeRemovesEmptyTopic(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("queue/1")
	sub.Close()
	sub.Close() // idempotent
	if bus.SubscriberCount("queue/1") != 0 {
		t.Fatal("topic should be removed when last subscriber leaves")
	}
}

func TestPublishDuringTeardownDoesNotPanic(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish("queue/1", Event{Type: "text"})
		}
	}()
	// Subscribers come and go while the publisher runs; a send racing a
	// close would panic here.
	for i := 0; i < 200; i++ {
		sub := bus.Subscribe("queue/1")
		sub.Close()
	}
	bus.CloseTopic("queue/1")
	<-done
}

func TestCloseTopicClosesChannels(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("queue/1")
	bus.CloseTopic("queue/1")
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed")
	}
}
