package core

// initialization.go – the bulk neighborhood-transfer handshake:
// StartNeighborhoodInitialization / NeighborhoodSharedProfileUpdate /
// FinishNeighborhoodInitialization. A dedicated init phase that must finish,
// atomically, before steady-state replication resumes: the accepting side
// streams its hosted catalogue; the requesting side pulls and verifies it
// before committing.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var errNeighborInitVerification = errors.New("neighbor initialization: profile signature verification failed")

// errPermanentNeighborFailure marks a failure the neighborhood worker should
// not retry: the peer actively rejected the handshake or the transfer, as
// opposed to a dial/timeout/network error.
var errPermanentNeighborFailure = errors.New("permanent neighbor failure")

const (
	// initBatchSize bounds how many profiles travel in one
	// NeighborhoodSharedProfileUpdate frame, keeping each frame comfortably
	// under the 1MiB wire limit even for large catalogues.
	initBatchSize = 256

	initHandshakeTimeout = 15 * time.Second
	initStreamTimeout    = 5 * time.Minute

	// defaultMaxFollowers caps how many peers this server will push updates
	// to; a StartNeighborhoodInitialization past the cap is rejected with
	// ErrorQuotaExceeded.
	defaultMaxFollowers = 50
)

// handleStartNeighborhoodInitialization is the responder side: a peer that
// just authenticated as a neighbor is asking to become our follower and
// receive our full hosted catalogue. It bypasses the normal
// one-request/one-response shape, sending an immediate ack followed by
// batched pushes and a Finish frame directly over the connection, so
// dispatch() must treat its nil return as "already handled".
func (cv *Conversation) handleStartNeighborhoodInitialization(req *Envelope) *Envelope {
	var in StartNeighborhoodInitializationMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	cv.mu.Lock()
	followerID := cv.peerID
	cv.mu.Unlock()

	if _, suspended, ok := cv.server.Store.PeekQueueHead(followerID, true); ok && suspended {
		return errEnvelope(req, StatusErrorBusy)
	}

	// The cap counts established followers only: VerifyIdentity provisions an
	// uninitialized record for any unknown peer dialing the SrNeighbor role,
	// so this peer's own placeholder must not consume a slot.
	if peer, known := cv.server.Store.GetPeer(followerID); !known || !peer.Initialized {
		established := 0
		for _, p := range cv.server.Store.ListPeers(PeerFollower) {
			if p.Initialized {
				established++
			}
		}
		if established >= cv.server.MaxFollowers {
			return errEnvelope(req, StatusErrorQuotaExceeded)
		}
	}

	host, _, err := net.SplitHostPort(cv.conn.RemoteID)
	if err != nil {
		host = cv.conn.RemoteID
	}
	cv.server.Store.UpsertPeer(PeerRecord{
		NetworkID:      followerID,
		Kind:           PeerFollower,
		IPAddress:      host,
		PrimaryPort:    int(in.PrimaryPort),
		SrNeighborPort: int(in.SrNeighborPort),
		Initialized:    false,
	})

	sentinel := cv.server.Store.EnqueueAction(NeighborhoodAction{
		ServerID:  followerID,
		Type:      ActionInitializationProcessInProgress,
		Timestamp: time.Now(),
	})

	if err := cv.conn.Send(okEnvelope(req).Marshal()); err != nil {
		cv.server.Store.RemoveAction(followerID, true, sentinel.ID)
		return nil
	}

	profiles := cv.server.Store.ListInitializedHostedProfiles()
	for i := 0; i < len(profiles); i += initBatchSize {
		end := i + initBatchSize
		if end > len(profiles) {
			end = len(profiles)
		}
		batch := &NeighborhoodSharedProfileUpdateMsg{}
		for _, p := range profiles[i:end] {
			pw := profileToWire(p)
			pw.HostingServerID = cv.server.Identity.ID
			batch.Profiles = append(batch.Profiles, pw)
		}
		push := Envelope{RequestID: cv.conn.NextServerRequestID(), Kind: KindNeighborhoodSharedProfileUpdate, Payload: batch.Marshal()}
		if err := cv.conn.Send(push.Marshal()); err != nil {
			cv.server.Store.RemoveAction(followerID, true, sentinel.ID)
			return nil
		}
	}

	finish := Envelope{RequestID: cv.conn.NextServerRequestID(), Kind: KindFinishNeighborhoodInitialization}
	_ = cv.conn.Send(finish.Marshal())

	cv.server.Store.RemoveAction(followerID, true, sentinel.ID)
	peer, _ := cv.server.Store.GetPeer(followerID)
	peer.Initialized = true
	peer.LastRefreshTime = time.Now()
	cv.server.Store.UpsertPeer(peer)
	return nil
}

// handleNeighborhoodSharedProfileUpdate runs only on the initiator's own
// Conversation (RequestInitializationFromNeighbor), as it dispatches
// the batches its dial target streams back. Every profile is re-verified
// (Ed25519) before being buffered; a bad signature fails the whole transfer
// rather than risk a partial, unverifiable catalogue.
func (cv *Conversation) handleNeighborhoodSharedProfileUpdate(req *Envelope) *Envelope {
	var in NeighborhoodSharedProfileUpdateMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		cv.mu.Lock()
		cv.initFailed = true
		cv.mu.Unlock()
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	cv.mu.Lock()
	owner := cv.peerID
	cv.mu.Unlock()

	buffered := make([]Profile, 0, len(in.Profiles))
	for _, pw := range in.Profiles {
		p, err := profileFromWire(pw, owner)
		if err != nil || !VerifyProfileSignature(p.PublicKey, canonicalProfileEncoding(p), p.Signature) {
			cv.mu.Lock()
			cv.initFailed = true
			cv.mu.Unlock()
			return errEnvelope(req, StatusErrorInvalidSignature)
		}
		buffered = append(buffered, p)
	}

	cv.mu.Lock()
	cv.initBuffer = append(cv.initBuffer, buffered...)
	cv.mu.Unlock()
	return okEnvelope(req)
}

// handleFinishNeighborhoodInitialization marks the initiator's local
// Conversation done; RequestInitializationFromNeighbor performs the actual
// atomic commit once its read loop observes this.
func (cv *Conversation) handleFinishNeighborhoodInitialization(req *Envelope) *Envelope {
	cv.mu.Lock()
	cv.initDone = true
	cv.mu.Unlock()
	return okEnvelope(req)
}

// handleNeighborhoodUpdatePush applies one incremental follower-direction
// action pushed by an already-initialized neighbor outside the bulk-transfer
// handshake.
func (cv *Conversation) handleNeighborhoodUpdatePush(req *Envelope) *Envelope {
	var in NeighborhoodUpdatePushMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	cv.mu.Lock()
	owner := cv.peerID
	cv.mu.Unlock()

	// Any push from an authenticated neighbor is live evidence it's still
	// reachable; refresh its lastRefreshTime so the stale-neighbor sweep
	// doesn't reap a quiet-but-healthy neighbor between bulk transfers.
	cv.server.Store.TouchPeerRefresh(owner, time.Now())

	switch in.ActionType {
	case ActionAddProfile, ActionChangeProfile:
		p, err := profileFromWire(in.Profile, owner)
		if err != nil || !VerifyProfileSignature(p.PublicKey, canonicalProfileEncoding(p), p.Signature) {
			return errEnvelope(req, StatusErrorInvalidSignature)
		}
		cv.server.Store.UpsertNeighborIdentity(p)
	case ActionRemoveProfile:
		cv.server.Store.DeleteNeighborIdentity(owner, in.TargetIdentityID)
	case ActionRefreshProfiles:
		// RefreshIdentityIDs is the neighbor's current full hosted set;
		// anything we mirror for it that's missing has since been removed.
		live := make(map[IdentityID]bool, len(in.RefreshIdentityIDs))
		for _, id := range in.RefreshIdentityIDs {
			live[id] = true
		}
		for _, p := range cv.server.Store.ListNeighborProfiles(time.Now()) {
			if p.HostingServerID == owner && !live[p.IdentityID] {
				cv.server.Store.DeleteNeighborIdentity(owner, p.IdentityID)
			}
		}
	default:
		return errEnvelope(req, StatusErrorInvalidValue)
	}
	return okEnvelope(req)
}

// RequestInitializationFromNeighbor is the initiator side of the bulk transfer, driven by
// the neighborhood worker (core/neighborhood.go) processing an AddNeighbor
// action: dial the neighbor's SrNeighbor port, authenticate, request a bulk
// transfer, and commit everything it streams back only once Finish arrives
// with every profile's signature intact.
func (s *Server) RequestInitializationFromNeighbor(ctx context.Context, peer PeerRecord) error {
	addr := net.JoinHostPort(peer.IPAddress, fmt.Sprintf("%d", peer.SrNeighborPort))
	client, err := dialOutbound(ctx, addr, initHandshakeTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	peerID, err := authenticateAsNeighbor(client, s.Identity, initHandshakeTimeout)
	if err != nil {
		if errors.Is(err, errHandshakeRejected) {
			return fmt.Errorf("%w: %v", errPermanentNeighborFailure, err)
		}
		return err
	}
	if peerID != peer.NetworkID {
		return fmt.Errorf("%w: neighbor identity mismatch: expected %s got %s", errPermanentNeighborFailure, HexID(peer.NetworkID), HexID(peerID))
	}

	startReq := (&StartNeighborhoodInitializationMsg{
		PrimaryPort:    uint32(s.OwnPrimaryPort),
		SrNeighborPort: uint32(s.OwnSrNeighborPort),
	}).Marshal()
	deadline := time.Now().Add(initHandshakeTimeout)
	resp, err := client.roundTrip(deadline, KindStartNeighborhoodInitialization, startReq)
	if err != nil {
		return err
	}
	switch resp.Status {
	case StatusOk:
	case StatusErrorBusy:
		return fmt.Errorf("%w: neighbor initialization busy", errTransientNeighborFailure)
	default:
		return fmt.Errorf("%w: neighbor rejected initialization: %s", errPermanentNeighborFailure, resp.Status)
	}

	// Wrap the dial in a Connection purely so dispatch()'s role/state check
	// has something to read; the responder never waits for an ack to its
	// pushed frames, so nothing is ever sent back over it.
	localConn := newConnection(RoleSrNeighbor, client.conn, s.Logger)
	cv := &Conversation{server: s, conn: localConn, state: StateNeighborAuthenticated, peerID: peerID}
	streamDeadline := time.Now().Add(initStreamTimeout)
	if err := client.conn.SetDeadline(streamDeadline); err != nil {
		return err
	}
	for {
		frame, err := client.readFrame()
		if err != nil {
			return err
		}
		if frame.IsResponse {
			continue
		}
		cv.dispatch(frame)

		cv.mu.Lock()
		done := cv.initDone
		failed := cv.initFailed
		cv.mu.Unlock()
		if failed {
			return fmt.Errorf("%w: %v", errPermanentNeighborFailure, errNeighborInitVerification)
		}
		if done {
			break
		}
	}

	for _, p := range cv.initBuffer {
		s.Store.UpsertNeighborIdentity(p)
	}
	peer.Initialized = true
	peer.LastRefreshTime = time.Now()
	s.Store.UpsertPeer(peer)
	return nil
}
