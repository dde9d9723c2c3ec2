package ghost

import "testing"

func TestLifecycleHappyPath(t *testing.T) {
	s := StatusBroadcasting
	for _, step := range []struct {
		ev   Event
		want Status
	}{
		{EventAccept, StatusAccepted},
		{EventStart, StatusInProgress},
		{EventComplete, StatusCompleted},
	} {
		next, ok := Next(s, step.ev)
		if !ok {
			t.Fatalf("%s on %s should be allowed", step.ev, s)
		}
		if next != step.want {
			t.Fatalf("%s on %s: want %s, got %s", step.ev, s, step.want, next)
		}
		s = next
	}
}

func TestUnexpectedEventsIgnored(t *testing.T) {
	cases := []struct {
		s  Status
		ev Event
	}{
		{StatusBroadcasting, EventStart},    // can't start before acceptance
		{StatusBroadcasting, EventComplete}, // can't complete before acceptance
		{StatusAccepted, EventAccept},       // duplicate accept
		{StatusAccepted, EventExpire},       // expiry only applies while broadcasting
		{StatusAccepted, EventCancel},       // cancellation is pre-acceptance only
		{StatusInProgress, EventStart},      // duplicate start
		{StatusCompleted, EventComplete},    // duplicate complete
		{StatusCompleted, EventAccept},      // late accept after completion
		{StatusExpired, EventAccept},        // acceptance arriving after timeout
		{StatusCancelled, EventAccept},
	}
	for _, c := range cases {
		if next, ok := Next(c.s, c.ev); ok {
			t.Fatalf("%s on %s should be ignored, got transition to %s", c.ev, c.s, next)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusExpired, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusBroadcasting, StatusAccepted, StatusInProgress} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
