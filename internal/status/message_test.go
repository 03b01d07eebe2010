package status

import "testing"

func TestMessageTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		want    Status
		changed bool
		wantErr bool
	}{
		{Queued, Sending, Sending, true, false},
		{Sending, Sent, Sent, true, false},
		{Sending, Failed, Failed, true, false},
		{Failed, Sending, Sending, true, false},
		{Sent, Delivered, Delivered, true, false},
		{Sent, Read, Read, true, false},
		{Delivered, Read, Read, true, false},
		// Re-application and regression are no-ops once confirmed.
		{Sent, Sent, Sent, false, false},
		{Delivered, Sent, Delivered, false, false},
		{Read, Delivered, Read, false, false},
		{Read, Read, Read, false, false},
		// Invalid jumps.
		{Queued, Delivered, Queued, false, true},
		{Sending, Read, Sending, false, true},
		{Failed, Sent, Failed, false, true},
		{Sent, "bogus", Sent, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			got, changed, err := Transition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
			if got != tt.want || changed != tt.changed {
				t.Errorf("Transition(%s, %s) = (%s, %v), want (%s, %v)", tt.from, tt.to, got, changed, tt.want, tt.changed)
			}
		})
	}
}

func TestMaxNeverRegresses(t *testing.T) {
	if got := Max(Read, Sent); got != Read {
		t.Errorf("Max(read, sent) = %s, want read", got)
	}
	if got := Max(Failed, Sent); got != Sent {
		t.Errorf("Max(failed, sent) = %s, want sent", got)
	}
	if got := Max(Queued, Sending); got != Sending {
		t.Errorf("Max(queued, sending) = %s, want sending", got)
	}
}

func TestPendingAndConfirmed(t *testing.T) {
	for _, s := range []Status{Queued, Failed} {
		if !s.Pending() {
			t.Errorf("%s.Pending() = false, want true", s)
		}
	}
	for _, s := range []Status{Sent, Delivered, Read} {
		if s.Pending() || !s.Confirmed() {
			t.Errorf("%s: Pending=%v Confirmed=%v, want false/true", s, s.Pending(), s.Confirmed())
		}
	}
}
