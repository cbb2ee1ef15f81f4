package core

import (
	"sync"
	"testing"
	"time"
)

func TestReserveHostedIdentityEnforcesCap(t *testing.T) {
	s := NewStore()
	var a, b IdentityID
	a[0], b[0] = 1, 2

	if _, err := s.ReserveHostedIdentity(a, []byte("pubA"), 1); err != nil {
		t.Fatalf("reserve a: %v", err)
	}
	if _, err := s.ReserveHostedIdentity(b, []byte("pubB"), 1); err != ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	h, ok := s.GetHostedIdentity(a)
	if !ok {
		t.Fatalf("expected hosted identity a present")
	}
	h.Lock()
	h.Cancelled = true
	expires := time.Now().Add(-time.Minute)
	h.ExpirationDate = &expires
	h.Unlock()

	removed := s.DeleteExpiredHostedIdentities(time.Now())
	if len(removed) != 1 || removed[0] != a {
		t.Fatalf("expected a expired, got %v", removed)
	}
	if _, err := s.ReserveHostedIdentity(b, []byte("pubB"), 1); err != nil {
		t.Fatalf("reserve b after expiry: %v", err)
	}
}

func TestReserveHostedIdentityAlreadyExists(t *testing.T) {
	s := NewStore()
	var a IdentityID
	a[0] = 1
	if _, err := s.ReserveHostedIdentity(a, []byte("pub"), 10); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := s.ReserveHostedIdentity(a, []byte("pub"), 10); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestActionQueueFIFOAndSuspension(t *testing.T) {
	s := NewStore()
	var neighbor IdentityID
	neighbor[0] = 9

	sentinel := s.EnqueueAction(NeighborhoodAction{ServerID: neighbor, Type: ActionInitializationProcessInProgress})
	s.EnqueueAction(NeighborhoodAction{ServerID: neighbor, Type: ActionAddProfile})

	head, suspended, ok := s.PeekQueueHead(neighbor, true)
	if !ok || !suspended || head.ID != sentinel.ID {
		t.Fatalf("expected suspended queue headed by sentinel, got %+v suspended=%v ok=%v", head, suspended, ok)
	}

	if !s.RemoveAction(neighbor, true, sentinel.ID) {
		t.Fatalf("expected sentinel removal to succeed")
	}

	head, suspended, ok = s.PeekQueueHead(neighbor, true)
	if !ok || suspended || head.Type != ActionAddProfile {
		t.Fatalf("expected AddProfile now at head, got %+v suspended=%v ok=%v", head, suspended, ok)
	}
	if !s.CompleteAction(neighbor, true, head.ID) {
		t.Fatalf("expected completion to succeed")
	}
	if _, _, ok := s.PeekQueueHead(neighbor, true); ok {
		t.Fatalf("expected queue empty after completion")
	}
}

func TestCancelPendingActionCancelsBeforeDispatch(t *testing.T) {
	s := NewStore()
	var neighbor IdentityID
	neighbor[0] = 4

	s.EnqueueAction(NeighborhoodAction{ServerID: neighbor, Type: ActionAddNeighbor})
	if !s.CancelPendingAction(neighbor, ActionAddNeighbor, IdentityID{}) {
		t.Fatalf("expected pending AddNeighbor to be cancellable")
	}
	if _, _, ok := s.PeekQueueHead(neighbor, false); ok {
		t.Fatalf("expected neighbor-direction queue empty after cancel")
	}
}

func TestListExpiredNeighbors(t *testing.T) {
	s := NewStore()
	var stale, fresh IdentityID
	stale[0], fresh[0] = 1, 2

	s.UpsertPeer(PeerRecord{NetworkID: stale, Kind: PeerNeighbor, LastRefreshTime: time.Now().Add(-2 * time.Hour), NeighborhoodExpiration: time.Hour})
	s.UpsertPeer(PeerRecord{NetworkID: fresh, Kind: PeerNeighbor, LastRefreshTime: time.Now(), NeighborhoodExpiration: time.Hour})

	expired := s.ListExpiredNeighbors(time.Now())
	if len(expired) != 1 || expired[0].NetworkID != stale {
		t.Fatalf("expected only stale neighbor expired, got %+v", expired)
	}
}

func TestTouchPeerRefreshUnexpiresAStaleNeighbor(t *testing.T) {
	s := NewStore()
	var neighbor IdentityID
	neighbor[0] = 7

	s.UpsertPeer(PeerRecord{NetworkID: neighbor, Kind: PeerNeighbor, LastRefreshTime: time.Now().Add(-2 * time.Hour), NeighborhoodExpiration: time.Hour})
	if len(s.ListExpiredNeighbors(time.Now())) != 1 {
		t.Fatalf("expected neighbor to start out stale")
	}

	s.TouchPeerRefresh(neighbor, time.Now())
	if len(s.ListExpiredNeighbors(time.Now())) != 0 {
		t.Fatalf("expected TouchPeerRefresh to clear staleness")
	}
}

func TestLockRegistryAcquiresInSortedOrder(t *testing.T) {
	r := newLockRegistry()
	release, err := r.AcquireOrdered("z-lock", "a-lock")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()

	// A second acquisition of the same names must succeed once released.
	release2, err := r.AcquireOrdered("a-lock", "z-lock")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	release2()
}

func TestIncrementSequenceSettingMonotonic(t *testing.T) {
	s := NewStore()
	for want := uint64(1); want <= 3; want++ {
		got, err := s.IncrementSequenceSetting(SettingIPNSSequence)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("expected sequence %d, got %d", want, got)
		}
	}
}

func TestIncrementSequenceSettingNeverRepeats(t *testing.T) {
	s := NewStore()
	const publishers = 16
	results := make(chan uint64, publishers)
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				seq, err := s.IncrementSequenceSetting(SettingIPNSSequence)
				if err == nil {
					results <- seq
					return
				}
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for seq := range results {
		if seen[seq] {
			t.Fatalf("sequence %d handed out twice", seq)
		}
		seen[seq] = true
	}
	if len(seen) != publishers {
		t.Fatalf("expected %d distinct sequences, got %d", publishers, len(seen))
	}
}
