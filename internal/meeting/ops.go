package meeting

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/events"
	"github.com/n0remac/meetcore/internal/hte"
	"github.com/n0remac/meetcore/internal/mwp"
	"github.com/n0remac/meetcore/internal/p2p"
	"github.com/n0remac/meetcore/internal/quality"
	"github.com/n0remac/meetcore/internal/sfu"
)

// Join implements spec.md section 4.1's join(): registers the
// participant, broadcasts peer-joined, and asks HTE to re-evaluate mode.
func (m *Meeting) Join(p Participant) error {
	_, err := m.call(func(m *Meeting) (any, error) {
		if existing, ok := m.participants[p.ID]; ok && existing.Suspended {
			// Ghost-grace resume: spec.md section 8 scenario 4. Same
			// (meetingId, participantId) during the grace window resumes
			// rather than duplicates.
			existing.Suspended = false
			return nil, nil
		}
		if len(m.participants) >= m.Options.MaxParticipants {
			return nil, apierr.CapacityExceeded("meeting %s is at capacity (%d)", m.ID, m.Options.MaxParticipants)
		}
		p.JoinedAt = time.Now()
		p.Quality = quality.NewWindow(m.cfg.QualitySampleWindow)
		m.participants[p.ID] = &p

		m.sink.EmitMembership(events.MembershipEvent{
			MeetingID: m.ID, ParticipantID: p.ID, Kind: events.PeerJoined,
			DisplayName: p.DisplayName, At: time.Now(),
		})

		m.evaluateTopology()
		return nil, nil
	})
	return err
}

// Leave implements spec.md section 4.1's leave(): idempotent cleanup of
// producers/consumers/transports/quality samples, and schedules meeting
// destruction after a grace window once the last participant departs.
func (m *Meeting) Leave(participantID string) error {
	_, err := m.call(func(m *Meeting) (any, error) {
		if _, ok := m.participants[participantID]; !ok {
			return nil, nil // idempotent
		}
		delete(m.participants, participantID)
		if m.sfuRouter != nil {
			m.sfuRouter.RemoveParticipant(participantID)
		}
		if m.mwpRouter != nil {
			for _, t := range m.mwpRouter.Transports() {
				if t.ParticipantID == participantID {
					m.mwpRouter.CloseTransport(t.ID)
				}
			}
		}
		if m.p2pCoord != nil {
			m.p2pCoord.RemovePeer(participantID)
		}

		m.sink.EmitMembership(events.MembershipEvent{
			MeetingID: m.ID, ParticipantID: participantID, Kind: events.PeerLeft, At: time.Now(),
		})

		if len(m.participants) == 0 {
			m.scheduleIdleDestroy()
		} else {
			m.evaluateTopology()
		}
		return nil, nil
	})
	return err
}

// MarkSuspended implements the ghost-grace window: a dropped socket keeps
// the participant (and its producers/consumers) around for GhostGrace
// before treating it as a real leave, spec.md section 4.5/section 8
// scenario 4.
func (m *Meeting) MarkSuspended(participantID string, onExpire func()) {
	_, _ = m.call(func(m *Meeting) (any, error) {
		p, ok := m.participants[participantID]
		if !ok {
			return nil, nil
		}
		p.Suspended = true
		p.SuspendedAt = time.Now()
		m.sink.EmitMembership(events.MembershipEvent{
			MeetingID: m.ID, ParticipantID: participantID, Kind: events.ParticipantSuspend, At: time.Now(),
		})
		time.AfterFunc(m.cfg.GhostGrace, func() {
			if m.isStillSuspended(participantID) {
				_ = m.Leave(participantID)
				if onExpire != nil {
					onExpire()
				}
			}
		})
		return nil, nil
	})
}

func (m *Meeting) isStillSuspended(participantID string) bool {
	v, _ := m.call(func(m *Meeting) (any, error) {
		p, ok := m.participants[participantID]
		return ok && p.Suspended, nil
	})
	still, _ := v.(bool)
	return still
}

// SetMediaState implements spec.md section 4.1's setMediaState: broadcast
// to peers.
func (m *Meeting) SetMediaState(participantID string, state events.MediaState) error {
	_, err := m.call(func(m *Meeting) (any, error) {
		p, ok := m.participants[participantID]
		if !ok {
			return nil, apierr.NotFoundErr("ParticipantNotFound", "participant %s not in meeting %s", participantID, m.ID)
		}
		p.MediaState = state
		m.sink.EmitMembership(events.MembershipEvent{
			MeetingID: m.ID, ParticipantID: participantID, Kind: events.MediaStateChanged,
			MediaState: &state, At: time.Now(),
		})
		return nil, nil
	})
	return err
}

// UpdateQuality implements spec.md section 4.1's updateQuality: appends
// to the sliding window and forwards to HTE's evaluation.
func (m *Meeting) UpdateQuality(participantID string, s quality.Sample) error {
	_, err := m.call(func(m *Meeting) (any, error) {
		p, ok := m.participants[participantID]
		if !ok {
			return nil, apierr.NotFoundErr("ParticipantNotFound", "participant %s not in meeting %s", participantID, m.ID)
		}
		p.Quality.Add(s)
		if m.p2pCoord != nil {
			m.p2pCoord.ReportQuality(participantID, p2p.LinkQuality{PacketLossPercent: s.PacketLossPct, RTTMillis: float64(s.RTT.Milliseconds())})
		}
		m.evaluateTopology()
		return nil, nil
	})
	return err
}

// evaluateTopology asks HTE whether to migrate, and runs the migration
// inline if so. Must be called with the actor's exclusive access (i.e.
// from inside a command), since Migrate blocks this goroutine for up to
// TRANSITION_TIMEOUT waiting on acks — an explicitly allowed suspension
// point per spec.md section 5.
func (m *Meeting) evaluateTopology() {
	count := len(m.participants)
	worst := m.worstQualityWindow()

	if m.engine.Mode() == hte.ModeMesh && count == m.cfg.P2PThreshold {
		// spec.md section 4.2: pre-warm an SFU router as soon as mesh
		// occupancy reaches the threshold, not just after a downgrade lands
		// there.
		m.engine.SchedulePrewarm()
	}

	if m.engine.ShouldGoUp(count, worst) {
		reason := "capacity"
		if count < m.cfg.SFUThreshold {
			reason = "poor-quality"
		}
		if err := m.engine.Migrate(hte.ModeSFU, reason, (*hteHost)(m)); err != nil {
			m.log.Warn("mesh->sfu migration declined", map[string]any{"error": err.Error()})
		}
		return
	}
	if m.engine.ShouldGoDown(count, worst) {
		if err := m.engine.Migrate(hte.ModeMesh, "downgrade", (*hteHost)(m)); err != nil {
			m.log.Warn("sfu->mesh migration declined", map[string]any{"error": err.Error()})
		}
	}
}

func (m *Meeting) worstQualityWindow() *quality.Window {
	var worst *quality.Window
	for _, p := range m.participants {
		if p.Quality == nil {
			continue
		}
		if worst == nil {
			worst = p.Quality
			continue
		}
		latestWorst, _ := worst.Latest()
		latestP, ok := p.Quality.Latest()
		if ok && latestP.PacketLossPct > latestWorst.PacketLossPct {
			worst = p.Quality
		}
	}
	return worst
}

// hteHost adapts *Meeting to hte.Host. A distinct named type (rather than
// Meeting implementing the interface directly) keeps the HTE-facing
// surface separate from the public API callers use.
type hteHost Meeting

func (h *hteHost) m() *Meeting { return (*Meeting)(h) }

func (h *hteHost) Participants() []string {
	m := h.m()
	ids := make([]string, 0, len(m.participants))
	for id := range m.participants {
		ids = append(ids, id)
	}
	return ids
}

func (h *hteHost) InstantiateTarget(to hte.Mode) (map[string]any, error) {
	m := h.m()
	switch to {
	case hte.ModeSFU:
		if m.prewarmRouter != nil {
			// spec.md section 4.2: consume the router pre-warmed while still
			// in mesh mode instead of allocating a fresh one.
			m.mwpRouter = m.prewarmRouter
			m.prewarmRouter = nil
			m.engine.CancelPrewarm()
		}
		if m.mwpRouter == nil {
			r, err := m.pool.CreateRouter(m.ID)
			if err != nil {
				return nil, err
			}
			m.mwpRouter = r
		}
		m.sfuRouter = sfu.New(m.ID, m.cfg, m.log, m.sink, m.mwpRouter)
		descriptors := make(map[string]any, len(m.participants))
		for id := range m.participants {
			descriptors[id] = map[string]any{"mode": "sfu"}
		}
		return descriptors, nil
	case hte.ModeMesh:
		m.p2pCoord = p2p.New(m.ID, m.log, peerSetAdapter{m}, m.deliverP2P)
		descriptors := make(map[string]any, len(m.participants))
		for id := range m.participants {
			descriptors[id] = map[string]any{"mode": "mesh"}
		}
		return descriptors, nil
	default:
		return nil, apierr.New(apierr.Validation, "UnknownMode", "unknown target mode %s", to)
	}
}

// prewarmCreate eagerly allocates an SFU router while the meeting is still
// in mesh mode, spec.md section 4.2. It is wired as the engine's
// onPrewarm hook, which SchedulePrewarm only ever invokes synchronously
// from evaluateTopology/Migrate -- already running on the actor goroutine
// -- so it touches Meeting fields directly instead of through m.call
// (re-entering m.call here would deadlock the actor against itself).
func (m *Meeting) prewarmCreate() {
	if m.mwpRouter != nil || m.prewarmRouter != nil {
		return
	}
	r, err := m.pool.CreateRouter(m.ID)
	if err != nil {
		m.log.Warn("prewarm router allocation failed", map[string]any{"meeting": m.ID, "error": err.Error()})
		return
	}
	m.prewarmRouter = r
}

// prewarmReclaim releases a pre-warmed router once PrewarmIdleTimeout
// elapses without a migration consuming it. The engine invokes this from
// its own timer goroutine, so unlike prewarmCreate it must go through
// m.call to touch Meeting state safely.
func (m *Meeting) prewarmReclaim() {
	_, _ = m.call(func(m *Meeting) (any, error) {
		if m.prewarmRouter != nil {
			m.prewarmRouter.Close()
			m.prewarmRouter = nil
		}
		return nil, nil
	})
}

func (h *hteHost) TeardownOld(from hte.Mode) {
	m := h.m()
	switch from {
	case hte.ModeSFU:
		if m.sfuRouter != nil {
			m.sfuRouter.Close()
			m.sfuRouter = nil
		}
		if m.mwpRouter != nil {
			m.mwpRouter.Close()
			m.mwpRouter = nil
		}
	case hte.ModeMesh:
		m.p2pCoord = nil
	}
}

func (h *hteHost) AwaitAcks(participantIDs []string, timeout time.Duration) []string {
	m := h.m()
	chs := make(map[string]chan struct{}, len(participantIDs))
	m.ackMu.Lock()
	for _, id := range participantIDs {
		ch := make(chan struct{}, 1)
		chs[id] = ch
		m.ackCh[id] = ch
	}
	m.ackMu.Unlock()

	defer func() {
		m.ackMu.Lock()
		for id := range chs {
			delete(m.ackCh, id)
		}
		m.ackMu.Unlock()
	}()

	deadline := time.Now().Add(timeout)
	acked := make([]string, 0, len(participantIDs))
	for len(chs) > 0 && time.Now().Before(deadline) {
		fired := false
		for id, ch := range chs {
			select {
			case <-ch:
				acked = append(acked, id)
				delete(chs, id)
				fired = true
			default:
			}
		}
		if len(chs) > 0 && !fired {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return acked
}

// Acknowledge records a client's transition-acknowledged reply, called by
// the Signaling Gateway outside the actor mailbox since it must reach
// AwaitAcks while the actor is blocked inside it.
func (m *Meeting) Acknowledge(participantID string) {
	m.ackMu.Lock()
	ch, ok := m.ackCh[participantID]
	m.ackMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// --- SFU-mode delegated operations, spec.md section 4.1 ---

func (m *Meeting) requireSFU() (*sfu.Router, error) {
	if m.sfuRouter == nil {
		return nil, apierr.New(apierr.Conflict, "NotSFUMode", "meeting %s is not in sfu mode", m.ID)
	}
	return m.sfuRouter, nil
}

func (m *Meeting) CreateTransport(participantID string, dir mwp.Direction) (*mwp.Transport, error) {
	v, err := m.call(func(m *Meeting) (any, error) {
		r, err := m.requireSFU()
		if err != nil {
			return nil, err
		}
		return r.CreateTransport(participantID, dir)
	})
	if err != nil {
		return nil, err
	}
	return v.(*mwp.Transport), nil
}

func (m *Meeting) SetRTPCapabilities(participantID string, caps sfu.Capabilities) error {
	_, err := m.call(func(m *Meeting) (any, error) {
		p, ok := m.participants[participantID]
		if !ok {
			return nil, apierr.NotFoundErr("ParticipantNotFound", "participant %s not in meeting %s", participantID, m.ID)
		}
		p.Caps = &caps
		if m.sfuRouter != nil {
			m.sfuRouter.SetRTPCapabilities(participantID, caps)
		}
		return nil, nil
	})
	return err
}

func (m *Meeting) Produce(participantID string, kind sfu.Kind, source sfu.SourceTag, encodings []sfu.Encoding) (*sfu.Producer, error) {
	v, err := m.call(func(m *Meeting) (any, error) {
		r, err := m.requireSFU()
		if err != nil {
			return nil, err
		}
		return r.Produce(participantID, kind, source, encodings)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sfu.Producer), nil
}

func (m *Meeting) ProduceData(participantID string) (*sfu.Producer, error) {
	v, err := m.call(func(m *Meeting) (any, error) {
		r, err := m.requireSFU()
		if err != nil {
			return nil, err
		}
		return r.ProduceData(participantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sfu.Producer), nil
}

func (m *Meeting) Consume(participantID, producerID string) (*sfu.Consumer, error) {
	v, err := m.call(func(m *Meeting) (any, error) {
		r, err := m.requireSFU()
		if err != nil {
			return nil, err
		}
		return r.Consume(participantID, producerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sfu.Consumer), nil
}

func (m *Meeting) PauseProducer(id string) error  { return m.sfuCall(func(r *sfu.Router) error { return r.PauseProducer(id) }) }
func (m *Meeting) ResumeProducer(id string) error { return m.sfuCall(func(r *sfu.Router) error { return r.ResumeProducer(id) }) }
func (m *Meeting) PauseConsumer(id string) error  { return m.sfuCall(func(r *sfu.Router) error { return r.PauseConsumer(id) }) }
func (m *Meeting) ResumeConsumer(id string) error { return m.sfuCall(func(r *sfu.Router) error { return r.ResumeConsumer(id) }) }

func (m *Meeting) SetPreferredLayers(consumerID string, pl sfu.PreferredLayers) error {
	return m.sfuCall(func(r *sfu.Router) error { return r.SetPreferredLayers(consumerID, pl) })
}

func (m *Meeting) SetPriority(consumerID string, priority int) error {
	return m.sfuCall(func(r *sfu.Router) error { return r.SetPriority(consumerID, priority) })
}

func (m *Meeting) sfuCall(fn func(r *sfu.Router) error) error {
	_, err := m.call(func(m *Meeting) (any, error) {
		r, err := m.requireSFU()
		if err != nil {
			return nil, err
		}
		return nil, fn(r)
	})
	return err
}

// RestartICE implements spec.md section 4.1's restartIce, delegated to
// the participant's recv/send transports on the appropriate router.
func (m *Meeting) RestartICE(participantID string, dir mwp.Direction) (*mwp.Transport, error) {
	v, err := m.call(func(m *Meeting) (any, error) {
		if m.mwpRouter == nil {
			return nil, apierr.New(apierr.Conflict, "NotSFUMode", "meeting %s is not in sfu mode", m.ID)
		}
		for _, t := range m.mwpRouter.Transports() {
			if t.ParticipantID == participantID && t.Direction == dir {
				if _, err := t.RestartICE(); err != nil {
					return nil, err
				}
				return t, nil
			}
		}
		return nil, apierr.NotFoundErr("TransportNotFound", "no %s transport for %s", dir, participantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*mwp.Transport), nil
}

// ConnectTransport applies a client SDP offer to a previously created
// transport, per spec.md section 6's "connectTransport" operation; the
// pion/webrtc answer returned here is relayed back to the client.
func (m *Meeting) ConnectTransport(transportID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	v, err := m.call(func(m *Meeting) (any, error) {
		if m.mwpRouter == nil {
			return nil, apierr.New(apierr.Conflict, "NotSFUMode", "meeting %s is not in sfu mode", m.ID)
		}
		t, ok := m.mwpRouter.Transport(transportID)
		if !ok {
			return nil, apierr.NotFoundErr("TransportNotFound", "no transport %s", transportID)
		}
		return t.HandleOffer(offer)
	})
	if err != nil {
		return nil, err
	}
	sdp, _ := v.(*webrtc.SessionDescription)
	return sdp, nil
}

// HandleTransportAnswer applies a client's answer to a server-initiated
// offer (sent earlier via a Transport's OnOffer callback), used when the
// SFU Router renegotiates a recv transport to add a new consumer.
func (m *Meeting) HandleTransportAnswer(transportID string, answer webrtc.SessionDescription) error {
	_, err := m.call(func(m *Meeting) (any, error) {
		if m.mwpRouter == nil {
			return nil, apierr.New(apierr.Conflict, "NotSFUMode", "meeting %s is not in sfu mode", m.ID)
		}
		t, ok := m.mwpRouter.Transport(transportID)
		if !ok {
			return nil, apierr.NotFoundErr("TransportNotFound", "no transport %s", transportID)
		}
		return nil, t.HandleAnswer(answer)
	})
	return err
}

// AddICECandidate forwards a trickled ICE candidate to the named
// transport, buffering it if the remote description hasn't landed yet.
func (m *Meeting) AddICECandidate(transportID string, c webrtc.ICECandidateInit) error {
	_, err := m.call(func(m *Meeting) (any, error) {
		if m.mwpRouter == nil {
			return nil, apierr.New(apierr.Conflict, "NotSFUMode", "meeting %s is not in sfu mode", m.ID)
		}
		t, ok := m.mwpRouter.Transport(transportID)
		if !ok {
			return nil, apierr.NotFoundErr("TransportNotFound", "no transport %s", transportID)
		}
		return nil, t.AddICECandidate(c)
	})
	return err
}

// RelaySignal implements spec.md section 4.1's relaySignal (P2P mode
// only): enforces fromPeerId == callerIdentity to prevent spoofing.
func (m *Meeting) RelaySignal(callerID string, s p2p.Signal) error {
	_, err := m.call(func(m *Meeting) (any, error) {
		if m.p2pCoord == nil {
			return nil, apierr.New(apierr.Conflict, "NotMeshMode", "meeting %s is not in mesh mode", m.ID)
		}
		return nil, m.p2pCoord.Relay(callerID, s)
	})
	return err
}

// HandleWorkerDeath implements spec.md section 4.1's fatal-failure
// handling: if this meeting's SFU router lived on the worker that died,
// tear down the stale router/transports and provision a fresh one on a
// surviving worker, then tell every participant to recreate their
// transports through a meeting-reset push. Per spec.md section 7's Fatal case, reallocation
// gets WorkerReallocationTimeout to succeed; past that the meeting is torn
// down with meeting-ended(reason=infra) rather than left silently without
// SFU forwarding. Called via `go m.HandleWorkerDeath()` from the Manager's
// own goroutine (manager.go), so every Meeting field touch here goes
// through m.call.
func (m *Meeting) HandleWorkerDeath() {
	v, _ := m.call(func(m *Meeting) (any, error) {
		if m.sfuRouter == nil {
			return false, nil
		}
		m.sfuRouter.Close()
		m.sfuRouter = nil
		if m.mwpRouter != nil {
			m.mwpRouter.Close()
			m.mwpRouter = nil
		}
		return true, nil
	})
	wasSFU, _ := v.(bool)
	if !wasSFU {
		return
	}

	r, err := m.reallocateRouter()
	if err != nil {
		m.log.Error("router reallocation exhausted its budget, tearing meeting down", err, map[string]any{"meeting": m.ID})
		m.sink.EmitMembership(events.MembershipEvent{
			MeetingID: m.ID, Kind: events.MeetingEnded, Reason: "infra", At: time.Now(),
		})
		m.Close()
		return
	}

	_, _ = m.call(func(m *Meeting) (any, error) {
		m.mwpRouter = r
		m.sfuRouter = sfu.New(m.ID, m.cfg, m.log, m.sink, m.mwpRouter)
		m.sink.EmitMembership(events.MembershipEvent{MeetingID: m.ID, Kind: events.MeetingReset, At: time.Now()})
		return nil, nil
	})
}

// reallocateRouter retries router allocation with the 100ms-then-500ms
// backoff design note from spec.md section 9, bounded overall by
// WorkerReallocationTimeout. Deliberately runs outside m.call: a retry
// loop that sleeps between its three attempts must not hold the actor's
// single mailbox goroutine hostage meanwhile.
func (m *Meeting) reallocateRouter() (*mwp.Router, error) {
	deadline := time.Now().Add(m.cfg.WorkerReallocationTimeout)
	backoffs := []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond}
	var lastErr error
	for _, wait := range backoffs {
		if wait > 0 {
			time.Sleep(wait)
		}
		if time.Now().After(deadline) {
			break
		}
		r, err := m.pool.CreateRouter(m.ID)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = apierr.TimeoutErr("router reallocation for meeting %s exceeded its budget", m.ID)
	}
	return nil, lastErr
}

func (m *Meeting) scheduleIdleDestroy() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.cfg.MeetingIdleTimeout, func() {
		m.Close()
	})
}
