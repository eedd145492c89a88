package sfu

import (
	"testing"

	"github.com/pion/rtp"
)

func TestRTPRewriteRebasesSequenceFromFirstPacket(t *testing.T) {
	rw := newRTPRewrite(0xabcd, 111)

	first := &rtp.Packet{Header: rtp.Header{SequenceNumber: 5000, Timestamp: 90000, SSRC: 1, PayloadType: 96}}
	out := rw.mapPacket(first)
	if out.SSRC != 0xabcd || out.PayloadType != 111 {
		t.Fatalf("expected rewritten SSRC/PT, got ssrc=%d pt=%d", out.SSRC, out.PayloadType)
	}
	if out.SequenceNumber != 1 {
		t.Fatalf("expected first output sequence number to start at 1, got %d", out.SequenceNumber)
	}
	if out.Timestamp != 90000 {
		t.Fatalf("expected first output timestamp to match input, got %d", out.Timestamp)
	}
}

func TestRTPRewritePreservesDeltas(t *testing.T) {
	rw := newRTPRewrite(0xabcd, 111)
	rw.mapPacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 5000, Timestamp: 90000, SSRC: 1}})

	next := rw.mapPacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 5003, Timestamp: 90000 + 3*960, SSRC: 1}})
	if next.SequenceNumber != 4 {
		t.Fatalf("expected sequence delta of 3 preserved, got %d", next.SequenceNumber)
	}
	if next.Timestamp != 90000+3*960 {
		t.Fatalf("expected timestamp delta preserved, got %d", next.Timestamp)
	}
}

func TestRTPRewriteDefaultsSSRCFromFirstPacketWhenZero(t *testing.T) {
	rw := newRTPRewrite(0, 111)
	first := &rtp.Packet{Header: rtp.Header{SequenceNumber: 1, Timestamp: 0, SSRC: 777}}
	out := rw.mapPacket(first)
	if out.SSRC != 777 {
		t.Fatalf("expected SSRC to default to the first packet's SSRC, got %d", out.SSRC)
	}
}

func TestRTPRewriteDoesNotMutateInputPacket(t *testing.T) {
	rw := newRTPRewrite(42, 111)
	in := &rtp.Packet{Header: rtp.Header{SequenceNumber: 1, Timestamp: 1, SSRC: 1, PayloadType: 96}}
	rw.mapPacket(in)
	if in.SSRC != 1 || in.PayloadType != 96 {
		t.Fatalf("expected input packet to remain unmodified, got %+v", in.Header)
	}
}
