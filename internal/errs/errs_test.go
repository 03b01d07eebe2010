package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", Transport("send", context.DeadlineExceeded), true},
		{"retriable rejection", &ServerRejection{Op: "send", Code: 429, Retriable: true}, true},
		{"terminal rejection", &ServerRejection{Op: "send", Code: 404}, false},
		{"wrapped terminal", fmt.Errorf("drain: %w", &ServerRejection{Code: 410}), false},
		{"plain error", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriable(tt.err); got != tt.want {
				t.Errorf("IsRetriable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{Transport("send", errors.New("dial")), "transport"},
		{&ServerRejection{Code: 400}, "rejection"},
		{Persistence("enqueue", "t1", errors.New("disk full")), "persistence"},
		{&ProtocolError{Type: "reaction", Err: errors.New("bad json")}, "protocol"},
		{errors.New("other"), "unknown"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	err := Transport("send", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("TransportError should unwrap to its cause")
	}
	if Transport("send", nil) != nil {
		t.Error("Transport(nil) should be nil")
	}
}
