package sfu

import (
	"sort"
	"sync"
	"time"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/events"
)

// activeSpeakerObserver aggregates per-producer audio levels every tick
// and emits the ordered top-k set above threshold, per spec.md section
// 4.3. Grounded in the generic "AudioLevelObserver" contract spec.md
// section 6 assigns to the media worker interface; here the aggregation
// runs in the router since the worker is in-process.
type activeSpeakerObserver struct {
	cfg *config.Config
	sink *events.Sink
	meetingID string

	mu      sync.Mutex
	volumes map[string]audioSample // producerID -> last sample
	owners  map[string]string      // producerID -> participantID

	lastEmit time.Time
	lastSet  map[string]bool

	stopCh chan struct{}
	stopOnce sync.Once
}

type audioSample struct {
	dBFS float64
	at   time.Time
}

func newActiveSpeakerObserver(meetingID string, cfg *config.Config, sink *events.Sink) *activeSpeakerObserver {
	o := &activeSpeakerObserver{
		cfg:       cfg,
		sink:      sink,
		meetingID: meetingID,
		volumes:   make(map[string]audioSample),
		owners:    make(map[string]string),
		stopCh:    make(chan struct{}),
	}
	go o.tick()
	return o
}

// register is called when an audio producer is created, so active
// speaker detection only ever reports producers that are currently
// present, per invariant 2 in spec.md section 8.
func (o *activeSpeakerObserver) register(producerID, participantID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[producerID] = participantID
}

func (o *activeSpeakerObserver) unregister(producerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.owners, producerID)
	delete(o.volumes, producerID)
}

// reportVolume feeds one audio-level sample in dBFS, flooring it at
// cfg.ActiveSpeakerFloorDBFS (-60 by default) per spec.md section 4.3.
func (o *activeSpeakerObserver) reportVolume(producerID string, dBFS float64) {
	if dBFS < o.cfg.ActiveSpeakerFloorDBFS {
		dBFS = o.cfg.ActiveSpeakerFloorDBFS
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.volumes[producerID] = audioSample{dBFS: dBFS, at: time.Now()}
}

func (o *activeSpeakerObserver) tick() {
	ticker := time.NewTicker(o.cfg.ActiveSpeakerTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.evaluate()
		}
	}
}

func (o *activeSpeakerObserver) evaluate() {
	o.mu.Lock()
	type cand struct {
		participantID string
		dBFS          float64
	}
	var cands []cand
	for pid, sample := range o.volumes {
		participant, ok := o.owners[pid]
		if !ok {
			continue
		}
		if sample.dBFS >= o.cfg.ActiveSpeakerThresholdDBFS {
			cands = append(cands, cand{participantID: participant, dBFS: sample.dBFS})
		}
	}
	o.mu.Unlock()

	sort.Slice(cands, func(i, j int) bool { return cands[i].dBFS > cands[j].dBFS })
	if len(cands) > o.cfg.ActiveSpeakerTopK {
		cands = cands[:o.cfg.ActiveSpeakerTopK]
	}

	now := time.Now()
	if now.Sub(o.lastEmit) < o.cfg.ActiveSpeakerRateLimit {
		return
	}

	ordered := make([]string, 0, len(cands))
	newSet := make(map[string]bool, len(cands))
	for _, c := range cands {
		ordered = append(ordered, c.participantID)
		newSet[c.participantID] = true
	}

	if setsEqual(newSet, o.lastSet) {
		return
	}
	o.lastSet = newSet
	o.lastEmit = now

	o.sink.EmitActiveSpeakers(events.ActiveSpeakerEvent{
		MeetingID: o.meetingID,
		Speakers:  ordered,
		At:        now,
	})
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func (o *activeSpeakerObserver) close() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}
