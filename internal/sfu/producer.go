package sfu

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Kind mirrors spec.md section 3's producer/consumer kind enumeration.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindData  Kind = "data"
)

// simulcastRIDOrder maps pion's conventional simulcast RIDs to the
// spatial layer index used by defaultEncodings: low ("q") is spatial 0,
// the default camera ladder's lowest layer, through high ("f") at the
// top. Grounded in pion's own simulcast sample conventions, since
// n0remac-robot-webrtc's sfu.go never negotiates simulcast (it forwards a
// single encoding per publisher).
var simulcastRIDOrder = map[string]int{"q": 0, "h": 1, "f": 2}

func spatialIndexForRID(rid string) int {
	if idx, ok := simulcastRIDOrder[rid]; ok {
		return idx
	}
	return 0
}

// layerTrack is one simulcast spatial layer's inbound RTP stream.
type layerTrack struct {
	spatial int
	remote  *webrtc.TrackRemote
	subMu   sync.RWMutex
	subs    map[string]chan *rtp.Packet // consumerID -> forwarding channel
}

func newLayerTrack(spatial int, remote *webrtc.TrackRemote) *layerTrack {
	return &layerTrack{spatial: spatial, remote: remote, subs: make(map[string]chan *rtp.Packet)}
}

func (l *layerTrack) subscribe(consumerID string) <-chan *rtp.Packet {
	ch := make(chan *rtp.Packet, 64)
	l.subMu.Lock()
	l.subs[consumerID] = ch
	l.subMu.Unlock()
	return ch
}

func (l *layerTrack) unsubscribe(consumerID string) {
	l.subMu.Lock()
	if ch, ok := l.subs[consumerID]; ok {
		delete(l.subs, consumerID)
		close(ch)
	}
	l.subMu.Unlock()
}

func (l *layerTrack) fanout(pkt *rtp.Packet) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- pkt:
		default: // slow consumer: drop rather than block the reader
		}
	}
}

// Producer is the server-side handle for one outgoing media or data
// stream, spec.md section 3.
type Producer struct {
	ID            string
	ParticipantID string
	Kind          Kind
	Source        SourceTag
	Encodings     []Encoding // video only; nil for audio/data

	mu         sync.Mutex
	paused     bool
	liveScore  float64
	closed     bool

	layers      map[int]*layerTrack // video: spatial -> layer; audio: {0: layer}
	dataChannel *webrtc.DataChannel // data kind only
}

func newMediaProducer(id, participantID string, kind Kind, source SourceTag, encodings []Encoding) *Producer {
	return &Producer{
		ID:            id,
		ParticipantID: participantID,
		Kind:          kind,
		Source:        source,
		Encodings:     encodings,
		layers:        make(map[int]*layerTrack),
		liveScore:     10,
	}
}

func newDataProducer(id, participantID string, dc *webrtc.DataChannel) *Producer {
	return &Producer{
		ID:            id,
		ParticipantID: participantID,
		Kind:          KindData,
		Source:        SourceChat,
		dataChannel:   dc,
		liveScore:     10,
	}
}

func (p *Producer) addLayer(spatial int, remote *webrtc.TrackRemote) *layerTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	lt := newLayerTrack(spatial, remote)
	p.layers[spatial] = lt
	return lt
}

// Layer returns the closest available layer at or below the requested
// spatial index, since a consumer may prefer a layer the publisher
// hasn't (yet) sent; when no such layer exists it returns the nearest
// layer above it.
func (p *Producer) Layer(spatial int) (*layerTrack, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := spatial; s >= 0; s-- {
		if lt, ok := p.layers[s]; ok {
			return lt, true
		}
	}
	for s := spatial + 1; s < 8; s++ {
		if lt, ok := p.layers[s]; ok {
			return lt, true
		}
	}
	return nil, false
}

func (p *Producer) MaxSpatial() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	max := 0
	for s := range p.layers {
		if s > max {
			max = s
		}
	}
	return max
}

func (p *Producer) SetPaused(v bool) {
	p.mu.Lock()
	p.paused = v
	p.mu.Unlock()
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) SetLiveScore(s float64) {
	p.mu.Lock()
	p.liveScore = s
	p.mu.Unlock()
}

func (p *Producer) LiveScore() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveScore
}

func (p *Producer) markClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, lt := range p.layers {
		lt.subMu.Lock()
		for id, ch := range lt.subs {
			delete(lt.subs, id)
			close(ch)
		}
		lt.subMu.Unlock()
	}
}
