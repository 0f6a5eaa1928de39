package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/live-tender/event"
)

func status(clientID string, state event.State) event.Envelope {
	return event.Wrap(clientID, event.KindStatus, event.Status{State: state})
}

func TestMemoryQueue_FiltersByClient(t *testing.T) {
	q := NewMemoryQueue(4)
	all := q.Subscribe("")
	a := q.Subscribe("a")
	defer all.Close()
	defer a.Close()

	ctx := context.Background()
	if err := q.Publish(ctx, status("a", event.StateConnecting)); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, status("b", event.StateConnecting)); err != nil {
		t.Fatal(err)
	}

	if got := len(all.Events()); got != 2 {
		t.Fatalf("wildcard subscriber got %d envelopes, want 2", got)
	}
	if got := len(a.Events()); got != 1 {
		t.Fatalf("client subscriber got %d envelopes, want 1", got)
	}
	if env := <-a.Events(); env.ClientID != "a" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestMemoryQueue_DropsWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	sub := q.Subscribe("a")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = q.Publish(context.Background(), status("a", event.StateConnected))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(sub.Events()) != 1 {
		t.Fatalf("buffered = %d, want 1", len(sub.Events()))
	}
}

func TestMemoryQueue_RejectsEmptyKind(t *testing.T) {
	q := NewMemoryQueue(0)
	if err := q.Publish(context.Background(), event.Envelope{ClientID: "a"}); err == nil {
		t.Fatal("expected error for empty kind")
	}
}

func TestMemoryQueue_CloseUnsubscribes(t *testing.T) {
	q := NewMemoryQueue(1)
	sub := q.Subscribe("a")
	sub.Close()
	sub.Close()
	if q.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", q.Subscribers())
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed")
	}
	if err := q.Publish(context.Background(), status("a", event.StateIdle)); err != nil {
		t.Fatal(err)
	}
}

func TestMulti_DeliversDespiteFailures(t *testing.T) {
	var got []string
	boom := errors.New("boom")
	m := Multi{
		PublisherFunc(func(context.Context, event.Envelope) error { got = append(got, "first"); return boom }),
		nil,
		PublisherFunc(func(context.Context, event.Envelope) error { got = append(got, "second"); return nil }),
	}
	err := m.Publish(context.Background(), status("a", event.StateIdle))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(got) != 2 || got[1] != "second" {
		t.Fatalf("delivery order = %v", got)
	}
}
