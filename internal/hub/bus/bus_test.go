package bus

import (
	"fmt"
	"testing"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(4)
	s1 := b.Subscribe("topic-a")
	s2 := b.Subscribe("topic-a")
	other := b.Subscribe("topic-b")

	n := b.Publish("topic-a", []byte("hello"))
	if n != 2 {
		t.Fatalf("Publish delivered to %d subscribers, want 2", n)
	}

	for i, sub := range []*Subscription{s1, s2} {
		select {
		case got := <-sub.C():
			if string(got) != "hello" {
				t.Errorf("subscriber %d received %q, want %q", i, got, "hello")
			}
		default:
			t.Fatalf("subscriber %d has no frame buffered", i)
		}
	}

	select {
	case got := <-other.C():
		t.Errorf("topic-b subscriber received %q, want nothing", got)
	default:
	}
}

func TestPublishPreservesOrderPerSubscription(t *testing.T) {
	b := New(16)
	sub := b.Subscribe("topic")

	for i := 0; i < 10; i++ {
		b.Publish("topic", []byte(fmt.Sprintf("frame-%d", i)))
	}
	for i := 0; i < 10; i++ {
		got := <-sub.C()
		want := fmt.Sprintf("frame-%d", i)
		if string(got) != want {
			t.Fatalf("frame %d = %q, want %q", i, got, want)
		}
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	b := New(2)
	slow := b.Subscribe("topic")
	fast := b.Subscribe("topic")

	// Fill slow's buffer without draining; drain fast as we go.
	for i := 0; i < 3; i++ {
		b.Publish("topic", []byte("x"))
		<-fast.C()
	}

	// slow had capacity 2, the third publish must have evicted it.
	if _, open := <-slow.C(); !open {
		t.Fatal("expected two buffered frames before close")
	}
	<-slow.C()
	if _, open := <-slow.C(); open {
		t.Error("evicted subscription channel should be closed")
	}

	if b.Subscribers("topic") != 1 {
		t.Errorf("Subscribers = %d, want 1 after eviction", b.Subscribers("topic"))
	}
	if b.Evicted() != 1 {
		t.Errorf("Evicted = %d, want 1", b.Evicted())
	}

	// The survivor keeps receiving.
	if n := b.Publish("topic", []byte("y")); n != 1 {
		t.Errorf("Publish after eviction delivered to %d, want 1", n)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("topic")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call must not panic

	if _, open := <-sub.C(); open {
		t.Error("unsubscribed channel should be closed")
	}
	if b.Subscribers("topic") != 0 {
		t.Errorf("Subscribers = %d, want 0", b.Subscribers("topic"))
	}
}

func TestCloseTopicEndsAllSubscriptions(t *testing.T) {
	b := New(4)
	s1 := b.Subscribe("topic")
	s2 := b.Subscribe("topic")

	b.Publish("topic", []byte("last"))
	b.CloseTopic("topic")

	// Buffered frames stay readable, then the channel reports closed.
	if got := <-s1.C(); string(got) != "last" {
		t.Errorf("s1 received %q, want %q", got, "last")
	}
	if _, open := <-s1.C(); open {
		t.Error("s1 channel should be closed after CloseTopic")
	}
	<-s2.C()
	if _, open := <-s2.C(); open {
		t.Error("s2 channel should be closed after CloseTopic")
	}

	// Publishing to a closed topic is a no-op.
	if n := b.Publish("topic", []byte("late")); n != 0 {
		t.Errorf("Publish to closed topic delivered to %d, want 0", n)
	}

	// A late unsubscribe of an already-closed subscription is safe.
	b.Unsubscribe(s1)
}

func TestPublishToUnknownTopic(t *testing.T) {
	b := New(4)
	if n := b.Publish("nobody-home", []byte("x")); n != 0 {
		t.Errorf("Publish with no subscribers delivered to %d, want 0", n)
	}
}
