package events

import "testing"

func TestEmitMembershipDropsWhenFull(t *testing.T) {
	s := &Sink{Membership: make(chan MembershipEvent, 1)}
	s.EmitMembership(MembershipEvent{ParticipantID: "p1"})
	s.EmitMembership(MembershipEvent{ParticipantID: "p2"}) // dropped, channel full

	got := <-s.Membership
	if got.ParticipantID != "p1" {
		t.Fatalf("expected first event to survive, got %+v", got)
	}
	select {
	case e := <-s.Membership:
		t.Fatalf("expected channel to be empty after the drop, got %+v", e)
	default:
	}
}

func TestEmitOnNilSinkIsNoop(t *testing.T) {
	var s *Sink
	s.EmitMembership(MembershipEvent{})
	s.EmitTransition(TransitionEvent{})
	s.EmitActiveSpeakers(ActiveSpeakerEvent{})
	s.EmitStats(StatsEvent{})
}

func TestNewSinkChannelsAreBuffered(t *testing.T) {
	s := NewSink()
	s.EmitMembership(MembershipEvent{})
	s.EmitTransition(TransitionEvent{})
	s.EmitActiveSpeakers(ActiveSpeakerEvent{})
	s.EmitStats(StatsEvent{})

	if len(s.Membership) != 1 || len(s.Transition) != 1 || len(s.ActiveSpeakers) != 1 || len(s.Stats) != 1 {
		t.Fatalf("expected one buffered event per stream after a single emit each")
	}
}
