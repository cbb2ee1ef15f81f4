package core

// neighborhood.go – the neighborhood replication worker: a background
// dispatcher draining per-(serverID,direction) action queues in FIFO order,
// honoring the InitializationProcessInProgress suspension, retrying
// transient failures with exponential backoff, and dropping a target after
// too many consecutive failures.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// errTransientNeighborFailure marks a failure as retryable (dial/handshake/
// network error) as opposed to a terminal protocol rejection.
var errTransientNeighborFailure = errors.New("transient neighbor failure")

const (
	backoffBase    = 30 * time.Second
	backoffCap     = 1 * time.Hour
	maxFailures    = 12
	pushTimeout    = 15 * time.Second
	workerPoolSize = 8
	pollInterval   = 2 * time.Second
)

// nextBackoff is the retry backoff schedule: 30s doubling up to a 1h cap.
func nextBackoff(attempts int) time.Duration {
	d := backoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// NeighborhoodWorker periodically drains every target's action queue, at
// most workerPoolSize targets concurrently so one slow or unreachable
// neighbor never blocks the rest.
type NeighborhoodWorker struct {
	server *Server
	logger *logrus.Entry

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewNeighborhoodWorker builds the worker; Run must be started separately so
// cmd/profileserver/main.go controls its lifetime against the process
// context.
func NewNeighborhoodWorker(server *Server) *NeighborhoodWorker {
	return &NeighborhoodWorker{
		server: server,
		logger: server.Logger.WithField("component", "neighborhood"),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Wake requests an out-of-cycle scan; best-effort and coalesced, so a burst
// of hosting updates collapses into one extra scan rather than queueing one
// per call.
func (w *NeighborhoodWorker) Wake(serverID IdentityID) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the scan loop until ctx is cancelled or Stop is called.
func (w *NeighborhoodWorker) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.scanOnce(ctx)
		case <-w.wake:
			w.scanOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (w *NeighborhoodWorker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *NeighborhoodWorker) scanOnce(ctx context.Context) {
	targets := w.server.Store.QueueTargets()
	sem := make(chan struct{}, workerPoolSize)
	var wg sync.WaitGroup
	for _, t := range targets {
		t := t
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.processTarget(ctx, t.ServerID, t.Follower)
		}()
	}
	wg.Wait()
}

// processTarget advances one (serverID, direction) queue by exactly one
// eligible action per scan, so a single scan never lets one target starve
// the shared worker pool.
func (w *NeighborhoodWorker) processTarget(ctx context.Context, serverID IdentityID, follower bool) {
	action, suspended, ok := w.server.Store.PeekQueueHead(serverID, follower)
	if !ok || suspended {
		return
	}
	if time.Now().Before(action.ExecuteAfter) {
		return
	}

	var err error
	if follower {
		err = w.executeFollowerAction(ctx, serverID, action)
	} else {
		err = w.executeNeighborAction(ctx, serverID, action)
	}

	if err == nil {
		w.server.Store.CompleteAction(serverID, follower, action.ID)
		return
	}

	logEntry := w.logger.WithField("target", HexID(serverID)).WithField("action", int(action.Type))
	if !errors.Is(err, errTransientNeighborFailure) {
		logEntry.WithError(err).Warn("neighborhood action rejected, dropping target")
		w.dropTarget(serverID, follower)
		return
	}
	if action.Attempts+1 >= maxFailures {
		logEntry.WithError(err).Warn("neighbor unreachable after repeated failures, dropping target")
		w.dropTarget(serverID, follower)
		return
	}
	logEntry.WithError(err).Debug("neighborhood action failed, rescheduling")
	w.server.Store.RescheduleAction(serverID, follower, action.ID, time.Now().Add(nextBackoff(action.Attempts)))
}

// dropTarget discards the target's queue and, since it's now considered
// unreachable, its peer record and any profiles mirrored from it.
func (w *NeighborhoodWorker) dropTarget(serverID IdentityID, follower bool) {
	w.server.Store.DropQueue(serverID, follower)
	w.server.Store.DeletePeer(serverID)
	w.server.Store.DeleteNeighborIdentitiesByServer(serverID)
}

// executeNeighborAction handles the neighbor-direction queue: AddNeighbor
// pulls a bulk transfer; RemoveNeighbor/StopNeighborhoodUpdates are
// purely local cleanup, since no wire message in the catalogue announces
// either to the remote peer and enqueuing further actions onto a queue
// that's about to be dropped would be circular.
func (w *NeighborhoodWorker) executeNeighborAction(ctx context.Context, serverID IdentityID, action *NeighborhoodAction) error {
	switch action.Type {
	case ActionAddNeighbor:
		peer, ok := w.server.Store.GetPeer(serverID)
		if !ok {
			return nil
		}
		if err := w.server.RequestInitializationFromNeighbor(ctx, peer); err != nil {
			if errors.Is(err, errPermanentNeighborFailure) {
				return err
			}
			return fmt.Errorf("%w: %v", errTransientNeighborFailure, err)
		}
		return nil
	case ActionRemoveNeighbor, ActionStopNeighborhoodUpdates:
		w.server.Store.DeletePeer(serverID)
		w.server.Store.DeleteNeighborIdentitiesByServer(serverID)
		return nil
	default:
		return fmt.Errorf("unexpected neighbor-direction action type %d", action.Type)
	}
}

// executeFollowerAction handles the follower-direction queue: dial the
// follower and push one replayed action.
func (w *NeighborhoodWorker) executeFollowerAction(ctx context.Context, serverID IdentityID, action *NeighborhoodAction) error {
	peer, ok := w.server.Store.GetPeer(serverID)
	if !ok {
		return nil
	}

	push := NeighborhoodUpdatePushMsg{ActionType: action.Type, TargetIdentityID: action.TargetIdentityID}
	switch action.Type {
	case ActionAddProfile, ActionChangeProfile:
		snap, err := decodeSnapshotProfile(action.AdditionalData)
		if err != nil {
			return err
		}
		push.Profile = profileToWire(snap)
	case ActionRemoveProfile:
		// TargetIdentityID alone identifies the profile to drop.
	case ActionRefreshProfiles:
		push.RefreshIdentityIDs = w.server.Store.ListInitializedHostedIdentityIDs()
	default:
		return fmt.Errorf("unexpected follower-direction action type %d", action.Type)
	}

	addr := net.JoinHostPort(peer.IPAddress, fmt.Sprintf("%d", peer.SrNeighborPort))
	client, err := dialOutbound(ctx, addr, pushTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransientNeighborFailure, err)
	}
	defer client.Close()

	peerID, err := authenticateAsNeighbor(client, w.server.Identity, pushTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransientNeighborFailure, err)
	}
	if peerID != serverID {
		return fmt.Errorf("follower identity mismatch: expected %s got %s", HexID(serverID), HexID(peerID))
	}

	resp, err := client.roundTrip(time.Now().Add(pushTimeout), KindNeighborhoodUpdatePush, push.Marshal())
	if err != nil {
		return fmt.Errorf("%w: %v", errTransientNeighborFailure, err)
	}
	if resp.Status != StatusOk {
		return fmt.Errorf("follower rejected push: %s", resp.Status)
	}
	return nil
}
