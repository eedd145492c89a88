package p2p

import (
	"testing"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/logging"
)

type fakePeerSet map[string]bool

func (f fakePeerSet) HasPeer(id string) bool { return f[id] }

func TestRelayForwardsValidSignal(t *testing.T) {
	var delivered Signal
	c := New("m1", logging.New("test"), fakePeerSet{"p1": true, "p2": true}, func(to string, s Signal) error {
		delivered = s
		return nil
	})

	s := Signal{Kind: SignalOffer, FromPeerID: "p1", ToPeerID: "p2"}
	if err := c.Relay("p1", s); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if delivered.ToPeerID != "p2" {
		t.Fatalf("expected delivery to p2, got %+v", delivered)
	}
}

func TestRelayRejectsSpoofedSender(t *testing.T) {
	c := New("m1", logging.New("test"), fakePeerSet{"p1": true, "p2": true}, func(to string, s Signal) error {
		t.Fatalf("deliver should not be called for a spoofed sender")
		return nil
	})

	err := c.Relay("p1", Signal{Kind: SignalOffer, FromPeerID: "p2", ToPeerID: "p1"})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.Unauthorized {
		t.Fatalf("expected Unauthorized spoofing error, got %v", err)
	}
}

func TestRelayRejectsUnknownTarget(t *testing.T) {
	c := New("m1", logging.New("test"), fakePeerSet{"p1": true}, func(to string, s Signal) error {
		t.Fatalf("deliver should not be called for an unknown target")
		return nil
	})

	err := c.Relay("p1", Signal{Kind: SignalOffer, FromPeerID: "p1", ToPeerID: "ghost"})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.NotFound {
		t.Fatalf("expected NotFound for unknown peer, got %v", err)
	}
}

func TestQualityReportRoundTrip(t *testing.T) {
	c := New("m1", logging.New("test"), fakePeerSet{}, nil)
	c.ReportQuality("p1", LinkQuality{PacketLossPercent: 3, RTTMillis: 80})
	q, ok := c.Quality("p1")
	if !ok || q.PacketLossPercent != 3 {
		t.Fatalf("expected stored quality sample, got %+v ok=%v", q, ok)
	}
	c.RemovePeer("p1")
	if _, ok := c.Quality("p1"); ok {
		t.Fatalf("expected quality sample to be removed")
	}
}
