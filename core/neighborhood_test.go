package core

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	if got := nextBackoff(0); got != backoffBase {
		t.Fatalf("expected base backoff, got %v", got)
	}
	if got := nextBackoff(1); got != 2*backoffBase {
		t.Fatalf("expected doubled backoff, got %v", got)
	}
	if got := nextBackoff(30); got != backoffCap {
		t.Fatalf("expected capped backoff, got %v", got)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(nopWriter{})
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	id, err := DeriveIdentityID(pub)
	if err != nil {
		t.Fatalf("derive id: %v", err)
	}
	identity := ServerIdentity{PublicKey: pub, PrivateKey: priv, ID: id}
	return NewServer(identity, NewStore(), nil, logger, 20000, 24*time.Hour)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestProcessTargetRemoveNeighborIsLocalCleanup(t *testing.T) {
	s := newTestServer(t)
	w := NewNeighborhoodWorker(s)

	var neighbor IdentityID
	neighbor[0] = 5
	s.Store.UpsertPeer(PeerRecord{NetworkID: neighbor, Kind: PeerNeighbor})
	s.Store.UpsertNeighborIdentity(Profile{IdentityID: neighbor, HostingServerID: neighbor})
	s.Store.EnqueueAction(NeighborhoodAction{ServerID: neighbor, Type: ActionRemoveNeighbor})

	w.processTarget(nil, neighbor, false)

	if _, ok := s.Store.GetPeer(neighbor); ok {
		t.Fatalf("expected peer removed")
	}
	if _, _, ok := s.Store.PeekQueueHead(neighbor, false); ok {
		t.Fatalf("expected action completed and queue drained")
	}
	if profiles := s.Store.ListNeighborProfiles(time.Now()); len(profiles) != 0 {
		t.Fatalf("expected mirrored profiles purged, got %d", len(profiles))
	}
}

func TestDropTargetClearsQueueAndPeer(t *testing.T) {
	s := newTestServer(t)
	w := NewNeighborhoodWorker(s)

	var target IdentityID
	target[0] = 9
	s.Store.UpsertPeer(PeerRecord{NetworkID: target, Kind: PeerFollower})
	s.Store.EnqueueAction(NeighborhoodAction{ServerID: target, Type: ActionAddProfile})

	w.dropTarget(target, true)

	if _, ok := s.Store.GetPeer(target); ok {
		t.Fatalf("expected peer dropped")
	}
	if _, _, ok := s.Store.PeekQueueHead(target, true); ok {
		t.Fatalf("expected queue dropped")
	}
}
