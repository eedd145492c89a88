package sfu

import "github.com/pion/rtp"

// rtpRewrite re-bases sequence numbers and timestamps onto a consumer's
// negotiated SSRC/payload-type, the same scheme
// n0remac-robot-webrtc's webrtc/sfu.go uses (rtpRewrite/mapPacket) to
// splice a publisher's RTP stream onto a different outbound SSRC.
type rtpRewrite struct {
	ssrc   uint32
	pt     uint8
	seq0   uint16
	ts0    uint32
	outSeq uint16
	outTS  uint32
	inited bool
}

func newRTPRewrite(ssrc uint32, pt uint8) *rtpRewrite {
	return &rtpRewrite{ssrc: ssrc, pt: pt}
}

func (rw *rtpRewrite) mapPacket(p *rtp.Packet) *rtp.Packet {
	cp := *p
	if !rw.inited {
		rw.seq0 = p.SequenceNumber
		rw.ts0 = p.Timestamp
		rw.outSeq = 1
		rw.outTS = p.Timestamp
		if rw.ssrc == 0 {
			rw.ssrc = p.SSRC
		}
		rw.inited = true
	}
	dseq := p.SequenceNumber - rw.seq0
	dts := p.Timestamp - rw.ts0

	cp.PayloadType = rw.pt
	cp.SSRC = rw.ssrc
	cp.SequenceNumber = rw.outSeq + dseq
	cp.Timestamp = rw.outTS + dts
	return &cp
}
