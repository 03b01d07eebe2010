package push

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/msgsync/internal/event"
)

func TestDispatcherRunsHandlersInOrder(t *testing.T) {
	d := NewDispatcher()
	var calls []string
	d.On(event.TypeMessageDelivered, func(_ context.Context, _ event.Event) error {
		calls = append(calls, "first")
		return errors.New("boom")
	})
	d.On(event.TypeMessageDelivered, func(_ context.Context, _ event.Event) error {
		calls = append(calls, "second")
		return nil
	})
	d.On(event.TypeReaction, func(_ context.Context, _ event.Event) error {
		calls = append(calls, "reaction")
		return nil
	})

	n, err := d.Dispatch(context.Background(), event.Delivered{ConversationID: "c1", MessageID: "m1"})
	if n != 2 {
		t.Errorf("handlers run = %d, want 2", n)
	}
	if err == nil {
		t.Error("expected joined handler error")
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("calls = %v, want [first second]", calls)
	}
}

func TestDispatcherFallback(t *testing.T) {
	d := NewDispatcher()
	var got string
	d.OnUnhandled(func(_ context.Context, ev event.Event) error {
		got = ev.Type()
		return nil
	})
	d.On(event.TypeNewMessage, func(context.Context, event.Event) error { return nil })

	if n, _ := d.Dispatch(context.Background(), event.Unknown{Kind: "typing"}); n != 1 {
		t.Errorf("handlers run = %d, want 1", n)
	}
	if got != "typing" {
		t.Errorf("fallback saw %q, want typing", got)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "1s"},
		{1, "2s"},
		{2, "4s"},
		{4, "16s"},
		{5, "30s"},
		{40, "30s"},
	}
	for _, tt := range tests {
		got := Backoff(1e9, 30e9, tt.n)
		if got.String() != tt.want {
			t.Errorf("Backoff(n=%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}
