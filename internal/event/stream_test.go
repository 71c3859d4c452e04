package event

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func env(turn string, e Event) Envelope {
	return Envelope{ConversationID: "conv", TurnID: turn, Event: e}
}

func TestStreamOrdering(t *testing.T) {
	s := NewStream()
	defer s.Close()

	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.Publish(env("t1", ToolCallStart("fs_list", "c1", "{}")))
	s.Publish(env("t1", ToolCallEnd("fs_list", "c1", "ok", false)))
	s.Publish(env("t1", TaskMessage("Done.")))
	s.Publish(env("t1", TaskComplete()))

	want := []Kind{KindToolCallStart, KindToolCallEnd, KindTaskMessage, KindTaskComplete}
	for i, k := range want {
		got := <-ch
		if got.Event.Kind != k {
			t.Fatalf("event %d: kind = %q, want %q", i, got.Event.Kind, k)
		}
	}
}

func TestStreamOverflowDropsOnlyText(t *testing.T) {
	s := NewStream()
	defer s.Close()

	// Buffer of 2, never read until the end: text deltas past the buffer are
	// dropped, control events must all survive.
	ch, cancel := s.Subscribe(2)
	defer cancel()

	s.Publish(env("t1", TaskMessage("a")))
	s.Publish(env("t1", TaskMessage("b")))
	s.Publish(env("t1", TaskMessage("c"))) // buffer full, droppable, gone

	got := []Kind{(<-ch).Event.Kind, (<-ch).Event.Kind}
	if got[0] != KindTaskMessage || got[1] != KindTaskMessage {
		t.Fatalf("unexpected kinds %v", got)
	}

	s.Publish(env("t1", TaskComplete()))
	if e := <-ch; e.Event.Kind != KindTaskComplete {
		t.Fatalf("control event lost, got %q", e.Event.Kind)
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Event.Kind)
	default:
	}
}

func TestStreamUnsubscribeDuringBackpressure(t *testing.T) {
	s := NewStream()
	defer s.Close()

	ch, cancel := s.Subscribe(1)
	s.Publish(env("t1", UsageReport(1, 1, 2, 0))) // fills the buffer

	done := make(chan struct{})
	go func() {
		// Blocks until the subscriber goes away.
		s.Publish(env("t1", TaskComplete()))
		close(done)
	}()

	cancel()
	<-done
	// Drain whatever made it into the buffer before the close.
	for range ch {
	}
}

func TestStreamMultipleSubscribers(t *testing.T) {
	s := NewStream()
	defer s.Close()

	a, cancelA := s.Subscribe(8)
	b, cancelB := s.Subscribe(8)
	defer cancelA()
	defer cancelB()

	if s.SubscriberCount() != 2 {
		t.Fatalf("subscriber count = %d", s.SubscriberCount())
	}

	s.Publish(env("t1", TaskComplete()))
	if e := <-a; e.Event.Kind != KindTaskComplete {
		t.Fatal("subscriber a missed the event")
	}
	if e := <-b; e.Event.Kind != KindTaskComplete {
		t.Fatal("subscriber b missed the event")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s1, h1 := Start()
	s2, h2 := Start()
	if s1 != s2 {
		t.Fatal("Start returned different streams")
	}
	h1.Close()
	h1.Close() // redundant close is safe
	h2.Close()

	// After teardown a fresh stream is handed out.
	s3, h3 := Start()
	if s3 == s1 {
		t.Fatal("closed stream was reused")
	}
	h3.Close()
}
