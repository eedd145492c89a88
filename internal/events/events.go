// Package events defines the typed output streams that replace the
// source's string-keyed EventEmitter (design note in spec.md section 9).
// Subscribers bind to the specific stream they care about instead of
// discovering events dynamically by name.
package events

import "time"

// MembershipEvent covers peer-joined/peer-left/media-state-changed pushes.
type MembershipEvent struct {
	MeetingID     string
	ParticipantID string
	Kind          MembershipKind
	DisplayName   string
	MediaState    *MediaState
	ProducerID    string // set on new-producer/new-data-producer/new-consumer/new-data-consumer
	ConsumerID    string // set on new-consumer/new-data-consumer
	Reason        string // set on meeting-ended
	At            time.Time
}

type MembershipKind string

const (
	PeerJoined          MembershipKind = "peer-joined"
	PeerLeft            MembershipKind = "peer-left"
	MediaStateChanged   MembershipKind = "media-state-changed"
	ParticipantSuspend  MembershipKind = "participant-suspended"
	ParticipantResume   MembershipKind = "participant-resumed"
	NewProducer         MembershipKind = "new-producer"
	NewDataProducer     MembershipKind = "new-data-producer"
	NewConsumer         MembershipKind = "new-consumer"
	NewDataConsumer     MembershipKind = "new-data-consumer"
	MeetingReset        MembershipKind = "meeting-reset"
	MeetingEnded        MembershipKind = "meeting-ended"
)

type MediaState struct {
	Audio  bool
	Video  bool
	Screen bool
}

// TransitionEvent covers transition-started/info/completed/failed pushes.
type TransitionEvent struct {
	MeetingID string
	Kind      TransitionKind
	FromMode  string
	ToMode    string
	Reason    string
	Duration  time.Duration
	At        time.Time
}

type TransitionKind string

const (
	TransitionStarted   TransitionKind = "transition-started"
	TransitionInfo      TransitionKind = "transition-info"
	TransitionCompleted TransitionKind = "transition-completed"
	TransitionFailed    TransitionKind = "transition-failed"
)

// ActiveSpeakerEvent carries the ordered set of loudest participants.
type ActiveSpeakerEvent struct {
	MeetingID string
	Speakers  []string // ordered by volume, loudest first
	At        time.Time
}

// StatsEvent is the per-participant aggregate the SFU Router publishes
// every StatsCollectionInterval, pushed to clients by the Signaling
// Gateway; HTE does not read it.
type StatsEvent struct {
	MeetingID     string
	ParticipantID string
	BitrateKbps   float64
	PacketLossPct float64
	JitterMS      float64
	RTT           time.Duration
	At            time.Time
}

// Sink is the set of typed channels a component can publish to. A nil
// channel field means nobody is listening; publishers must not block, so
// every Emit* helper uses a non-blocking send and drops on a full channel
// (the per-meeting mailbox overflow policy in spec.md section 5 is
// enforced by callers sizing these channels and reading promptly).
type Sink struct {
	Membership     chan MembershipEvent
	Transition     chan TransitionEvent
	ActiveSpeakers chan ActiveSpeakerEvent
	Stats          chan StatsEvent
}

// NewSink allocates a Sink with reasonably buffered channels.
func NewSink() *Sink {
	return &Sink{
		Membership:     make(chan MembershipEvent, 256),
		Transition:     make(chan TransitionEvent, 64),
		ActiveSpeakers: make(chan ActiveSpeakerEvent, 64),
		Stats:          make(chan StatsEvent, 256),
	}
}

func (s *Sink) EmitMembership(e MembershipEvent) {
	if s == nil {
		return
	}
	select {
	case s.Membership <- e:
	default:
	}
}

func (s *Sink) EmitTransition(e TransitionEvent) {
	if s == nil {
		return
	}
	select {
	case s.Transition <- e:
	default:
	}
}

func (s *Sink) EmitActiveSpeakers(e ActiveSpeakerEvent) {
	if s == nil {
		return
	}
	select {
	case s.ActiveSpeakers <- e:
	default:
	}
}

func (s *Sink) EmitStats(e StatsEvent) {
	if s == nil {
		return
	}
	select {
	case s.Stats <- e:
	default:
	}
}
