package signaling

import (
	"testing"

	"github.com/n0remac/meetcore/internal/events"
)

func TestMembershipPushTypeSuppressesSuspendAndResume(t *testing.T) {
	// spec.md section 8 scenario 4: a socket loss inside the ghost-grace
	// window must not broadcast peer-left to the rest of the meeting.
	for _, k := range []events.MembershipKind{events.ParticipantSuspend, events.ParticipantResume} {
		if _, push := membershipPushType(k); push {
			t.Fatalf("kind %q should not produce a client push", k)
		}
	}
}

func TestMembershipPushTypeMapsVisibleEvents(t *testing.T) {
	cases := []struct {
		kind events.MembershipKind
		want MessageType
	}{
		{events.PeerJoined, PushPeerJoined},
		{events.PeerLeft, PushPeerLeft},
		{events.MediaStateChanged, PushMediaStateChanged},
		{events.NewProducer, PushNewProducer},
		{events.NewDataProducer, PushNewDataProducer},
		{events.NewConsumer, PushNewConsumer},
		{events.NewDataConsumer, PushNewDataConsumer},
		{events.MeetingReset, PushMeetingReset},
		{events.MeetingEnded, PushMeetingEnded},
	}
	for _, tc := range cases {
		got, push := membershipPushType(tc.kind)
		if !push {
			t.Fatalf("kind %q: expected a push", tc.kind)
		}
		if got != tc.want {
			t.Fatalf("kind %q: got %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func TestTransitionPushTypeMapsEveryKind(t *testing.T) {
	cases := []struct {
		kind events.TransitionKind
		want MessageType
	}{
		{events.TransitionStarted, PushTransitionStarted},
		{events.TransitionInfo, PushTransitionInfo},
		{events.TransitionCompleted, PushTransitionCompleted},
		{events.TransitionFailed, PushTransitionFailed},
	}
	for _, tc := range cases {
		if got := transitionPushType(tc.kind); got != tc.want {
			t.Fatalf("kind %q: got %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func TestEssentialEventsNeverDropped(t *testing.T) {
	// spec.md section 5: membership and transition events are never
	// dropped under backpressure; stats/active-speakers are droppable.
	mustBeEssential := []MessageType{
		PushPeerJoined, PushPeerLeft, PushMediaStateChanged,
		PushTransitionStarted, PushTransitionInfo, PushTransitionCompleted,
		PushTransitionFailed, PushMeetingReset, PushMeetingEnded,
	}
	for _, t2 := range mustBeEssential {
		if !essential(t2) {
			t.Fatalf("expected %q to be essential", t2)
		}
	}

	mustBeDroppable := []MessageType{PushStats, PushActiveSpeakers}
	for _, t2 := range mustBeDroppable {
		if essential(t2) {
			t.Fatalf("expected %q to be droppable under backpressure", t2)
		}
	}
}
