package core

import (
	"context"
	"testing"
	"time"
)

type fakeCANClient struct {
	published []ContactRecord
	fail      bool
}

func (f *fakeCANClient) Publish(ctx context.Context, record ContactRecord) error {
	if f.fail {
		return errTransientNeighborFailure
	}
	f.published = append(f.published, record)
	return nil
}

func TestExpireCancelledHostingsRemovesOnlyPastExpiry(t *testing.T) {
	s := newTestServer(t)
	m := NewMaintenance(s, nil, 0)

	var expired, notYet IdentityID
	expired[0], notYet[0] = 1, 2
	if _, err := s.Store.ReserveHostedIdentity(expired, []byte("a"), 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := s.Store.ReserveHostedIdentity(notYet, []byte("b"), 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	h1, _ := s.Store.GetHostedIdentity(expired)
	h1.Cancelled, h1.ExpirationDate = true, &past
	h2, _ := s.Store.GetHostedIdentity(notYet)
	h2.Cancelled, h2.ExpirationDate = true, &future

	m.expireCancelledHostings()

	if _, ok := s.Store.GetHostedIdentity(expired); ok {
		t.Fatalf("expected expired hosting removed")
	}
	if _, ok := s.Store.GetHostedIdentity(notYet); !ok {
		t.Fatalf("expected not-yet-expired hosting retained")
	}
}

func TestExpireStaleNeighborsQueuesStopUpdates(t *testing.T) {
	s := newTestServer(t)
	m := NewMaintenance(s, nil, 0)

	var stale IdentityID
	stale[0] = 5
	s.Store.UpsertPeer(PeerRecord{NetworkID: stale, Kind: PeerNeighbor, LastRefreshTime: time.Now().Add(-2 * time.Hour), NeighborhoodExpiration: time.Hour})
	s.Store.UpsertNeighborIdentity(Profile{IdentityID: stale, HostingServerID: stale})

	m.expireStaleNeighbors()

	if _, ok := s.Store.GetPeer(stale); !ok {
		t.Fatalf("expireStaleNeighbors should not delete the peer record itself, only queue StopNeighborhoodUpdates")
	}
	head, _, ok := s.Store.PeekQueueHead(stale, false)
	if !ok || head.Type != ActionStopNeighborhoodUpdates {
		t.Fatalf("expected StopNeighborhoodUpdates queued, got %+v ok=%v", head, ok)
	}
	if profiles := s.Store.ListNeighborProfiles(time.Now()); len(profiles) != 0 {
		t.Fatalf("expected mirrored profiles purged, got %d", len(profiles))
	}
}

func TestRefreshFollowersOnlyTargetsInitialized(t *testing.T) {
	s := newTestServer(t)
	m := NewMaintenance(s, nil, 0)

	var ready, pending IdentityID
	ready[0], pending[0] = 6, 7
	s.Store.UpsertPeer(PeerRecord{NetworkID: ready, Kind: PeerFollower, Initialized: true})
	s.Store.UpsertPeer(PeerRecord{NetworkID: pending, Kind: PeerFollower, Initialized: false})

	m.refreshFollowers()

	if _, _, ok := s.Store.PeekQueueHead(ready, true); !ok {
		t.Fatalf("expected RefreshProfiles queued for initialized follower")
	}
	if _, _, ok := s.Store.PeekQueueHead(pending, true); ok {
		t.Fatalf("expected no action queued for uninitialized follower")
	}
}

func TestRefreshExternalRecordPublishesIncrementingSequence(t *testing.T) {
	s := newTestServer(t)
	can := &fakeCANClient{}
	m := NewMaintenance(s, can, 0)

	m.refreshExternalRecord(context.Background())
	m.refreshExternalRecord(context.Background())

	if len(can.published) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(can.published))
	}
	if can.published[1].Sequence != can.published[0].Sequence+1 {
		t.Fatalf("expected monotonically increasing sequence, got %d then %d", can.published[0].Sequence, can.published[1].Sequence)
	}
}

func TestRefreshExternalRecordSkippedWhenNoCANClient(t *testing.T) {
	s := newTestServer(t)
	m := NewMaintenance(s, nil, 0)
	// Must not panic when no CAN gateway is configured.
	m.refreshExternalRecord(context.Background())
}
