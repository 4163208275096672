package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Publish(b, ReminderSent, "r1")
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != ReminderSent || e.Data != "r1" || e.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", e)
		}
	}

	unsubA()
	unsubA() // idempotent
	if _, ok := <-a; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	Publish(b, ReminderFailed, nil) // must not panic on closed subscriber
	if e := <-c; e.Type != ReminderFailed {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	Publish(b, TaskFinished, 1)
	Publish(b, TaskFinished, 2) // dropped, never blocks
	if e := <-ch; e.Data != 1 {
		t.Fatalf("got %v, want first event", e.Data)
	}
	Publish(nil, TaskFinished, 3)
}
