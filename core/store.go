package core

// store.go – the persistence layer. The storage engine itself is an
// external contract; this file is the in-memory reference implementation of
// that contract. A real deployment would swap this for a disk-backed
// implementation without touching any caller.

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"
)

var (
	ErrQuotaExceeded = errors.New("hosted identity quota exceeded")
	ErrAlreadyExists = errors.New("identity already exists")
	ErrNotFound      = errors.New("not found")
	ErrLockTimeout   = errors.New("lock acquisition failed")
)

// --- named lock registry ---

const (
	lockHostingAgreement = "HostingAgreementLock"
	lockSettings         = "SettingsLock"
)

// LockRegistry hands out lazily-created named mutexes and acquires a set of
// them in sorted order, retrying the whole set on contention rather than
// risking a partial-acquisition deadlock.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

func (r *LockRegistry) named(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[name]
	if !ok {
		m = &sync.Mutex{}
		r.locks[name] = m
	}
	return m
}

// AcquireOrdered locks every named lock, in sorted order, retrying the full
// set up to 3 times with 10-50ms jitter on contention before giving up.
// The returned func releases every acquired lock in reverse order.
func (r *LockRegistry) AcquireOrdered(names ...string) (release func(), err error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	muxes := make([]*sync.Mutex, len(sorted))
	for i, n := range sorted {
		muxes[i] = r.named(n)
	}

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		acquired := 0
		ok := true
		for _, m := range muxes {
			if m.TryLock() {
				acquired++
				continue
			}
			ok = false
			break
		}
		if ok {
			return func() {
				for i := len(muxes) - 1; i >= 0; i-- {
					muxes[i].Unlock()
				}
			}, nil
		}
		for i := 0; i < acquired; i++ {
			muxes[i].Unlock()
		}
		if attempt < maxAttempts {
			jitter := 10*time.Millisecond + time.Duration(rand.Intn(40))*time.Millisecond
			time.Sleep(jitter)
		}
	}
	return nil, ErrLockTimeout
}

// --- queue keys ---

type queueKey struct {
	ServerID IdentityID
	Follower bool
}

type neighborKey struct {
	HostingServerID IdentityID
	IdentityID      IdentityID
}

type relatedKey struct {
	IdentityID    IdentityID
	ApplicationID string
}

// Store is the in-memory reference repository backing every higher
// component. All structural map access is guarded by mu; per-row business
// locks (HostingAgreementLock, SettingsLock) are acquired separately via
// locks, and per-identity locks via HostedIdentity.Lock, keeping business
// locking distinct from map mutation.
type Store struct {
	mu sync.RWMutex

	hosted           map[IdentityID]*HostedIdentity
	neighborProfiles map[neighborKey]*NeighborIdentity
	peers            map[IdentityID]*PeerRecord
	related          map[relatedKey]*RelatedIdentity
	settings         map[string][]byte

	actions      map[queueKey][]*NeighborhoodAction
	nextActionID int64

	locks *LockRegistry
}

func NewStore() *Store {
	return &Store{
		hosted:           make(map[IdentityID]*HostedIdentity),
		neighborProfiles: make(map[neighborKey]*NeighborIdentity),
		peers:            make(map[IdentityID]*PeerRecord),
		related:          make(map[relatedKey]*RelatedIdentity),
		settings:         make(map[string][]byte),
		actions:          make(map[queueKey][]*NeighborhoodAction),
		locks:            newLockRegistry(),
	}
}

// --- hosted identities ---

// CountActiveHostedIdentities returns count(hosted where not cancelled),
// the quantity the hosting cap bounds.
func (s *Store) CountActiveHostedIdentities() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, h := range s.hosted {
		if !h.Cancelled {
			n++
		}
	}
	return n
}

// ReserveHostedIdentity implements HostingAgreement: admits a
// new row under maxHosted, failing ErrQuotaExceeded on overflow or
// ErrAlreadyExists if the identity is already hosted and not cancelled.
func (s *Store) ReserveHostedIdentity(id IdentityID, publicKey []byte, maxHosted int) (*HostedIdentity, error) {
	release, err := s.locks.AcquireOrdered(lockHostingAgreement)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.hosted[id]; ok && !existing.Cancelled {
		return nil, ErrAlreadyExists
	}
	active := 0
	for _, h := range s.hosted {
		if !h.Cancelled {
			active++
		}
	}
	if active >= maxHosted {
		return nil, ErrQuotaExceeded
	}
	h := &HostedIdentity{Profile: Profile{IdentityID: id, PublicKey: publicKey}}
	s.hosted[id] = h
	return h, nil
}

// GetHostedIdentity returns the row for id, if any.
func (s *Store) GetHostedIdentity(id IdentityID) (*HostedIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosted[id]
	return h, ok
}

// ListInitializedHostedProfiles returns the local-search candidate set's
// hosted half.
func (s *Store) ListInitializedHostedProfiles() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.hosted))
	for _, h := range s.hosted {
		if h.Initialized && !h.Cancelled {
			out = append(out, h.Profile)
		}
	}
	return out
}

// ListInitializedHostedIdentityIDs is used by RefreshProfiles to snapshot the current hosted set.
func (s *Store) ListInitializedHostedIdentityIDs() []IdentityID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IdentityID, 0, len(s.hosted))
	for id, h := range s.hosted {
		if h.Initialized && !h.Cancelled {
			out = append(out, id)
		}
	}
	return out
}

// DeleteExpiredHostedIdentities removes cancelled rows whose expirationDate
// has passed (the expire-cancelled-hostings job). Returns the removed
// ids so callers can react (e.g. reuse the capacity slot).
func (s *Store) DeleteExpiredHostedIdentities(now time.Time) []IdentityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []IdentityID
	for id, h := range s.hosted {
		if h.Cancelled && h.ExpirationDate != nil && h.ExpirationDate.Before(now) {
			removed = append(removed, id)
			delete(s.hosted, id)
		}
	}
	return removed
}

// --- neighbor identities (mirrored profiles owned by a neighbor server) ---

// UpsertNeighborIdentity inserts or replaces a mirrored profile, keyed by
// (hostingServerId, identityId).
func (s *Store) UpsertNeighborIdentity(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := neighborKey{HostingServerID: p.HostingServerID, IdentityID: p.IdentityID}
	s.neighborProfiles[k] = &NeighborIdentity{Profile: p}
}

// DeleteNeighborIdentitiesByServer purges every mirrored profile owned by
// serverID (used when a neighbor expires, is dropped by the neighborhood
// worker, or is removed by RemoveNeighbor/StopNeighborhoodUpdates).
func (s *Store) DeleteNeighborIdentitiesByServer(serverID IdentityID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.neighborProfiles {
		if k.HostingServerID == serverID {
			delete(s.neighborProfiles, k)
			n++
		}
	}
	return n
}

// DeleteNeighborIdentity removes a single mirrored profile (RemoveProfile).
func (s *Store) DeleteNeighborIdentity(serverID, identityID IdentityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.neighborProfiles, neighborKey{HostingServerID: serverID, IdentityID: identityID})
}

// ListNeighborProfiles returns the local-search candidate set's neighbor
// half: mirrored profiles whose owning peer is initialized and non-expired.
func (s *Store) ListNeighborProfiles(now time.Time) []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.neighborProfiles))
	for k, n := range s.neighborProfiles {
		peer, ok := s.peers[k.HostingServerID]
		if !ok || peer.Kind != PeerNeighbor || !peer.Initialized || peer.Expired(now) {
			continue
		}
		out = append(out, n.Profile)
	}
	return out
}

// --- peers (Neighbor / Follower) ---

// UpsertPeer inserts or replaces a peer record.
func (s *Store) UpsertPeer(rec PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.peers[rec.NetworkID] = &cp
}

// GetPeer returns the peer record for id, if any.
func (s *Store) GetPeer(id IdentityID) (PeerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// TouchPeerRefresh bumps a peer's lastRefreshTime to now, the "(refreshed)*"
// transition in a neighbor's lifecycle. Used whenever we observe
// live traffic from a neighbor, so a quiet-but-reachable neighbor isn't
// reaped by the stale-neighbor sweep.
func (s *Store) TouchPeerRefresh(id IdentityID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		p.LastRefreshTime = now
	}
}

// DeletePeer removes a peer record (used after RemoveNeighbor/expiry).
func (s *Store) DeletePeer(id IdentityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// ListPeers returns every peer of the given kind.
func (s *Store) ListPeers(kind PeerKind) []PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		if p.Kind == kind {
			out = append(out, *p)
		}
	}
	return out
}

// ListExpiredNeighbors returns neighbors whose lastRefreshTime has aged past
// their neighborhoodExpiration (the expire-stale-neighbors job).
func (s *Store) ListExpiredNeighbors(now time.Time) []PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PeerRecord
	for _, p := range s.peers {
		if p.Kind == PeerNeighbor && p.Expired(now) {
			out = append(out, *p)
		}
	}
	return out
}

// --- related identities ---

func (s *Store) UpsertRelatedIdentity(r RelatedIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.related[relatedKey{IdentityID: r.IdentityID, ApplicationID: r.ApplicationID}] = &r
}

// DeleteRelatedIdentity removes the card attached under (id, applicationID),
// reporting whether one existed.
func (s *Store) DeleteRelatedIdentity(id IdentityID, applicationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := relatedKey{IdentityID: id, ApplicationID: applicationID}
	if _, ok := s.related[k]; !ok {
		return false
	}
	delete(s.related, k)
	return true
}

func (s *Store) ListRelatedIdentities(id IdentityID) []RelatedIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RelatedIdentity
	for k, r := range s.related {
		if k.IdentityID == id {
			out = append(out, *r)
		}
	}
	return out
}

// --- settings singleton ---

func (s *Store) GetSetting(key string) ([]byte, bool) {
	release, err := s.locks.AcquireOrdered(lockSettings)
	if err != nil {
		return nil, false
	}
	defer release()
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok
}

func (s *Store) SetSetting(key string, value []byte) error {
	release, err := s.locks.AcquireOrdered(lockSettings)
	if err != nil {
		return err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// IncrementSequenceSetting reads, increments, and persists a big-endian
// uint64 counter under a single SettingsLock hold. The read and write must
// be one critical section: two publishers racing GetSetting/SetSetting could
// otherwise hand out the same sequence number, and a repeated sequence reads
// as a regression to anyone caching the published record.
func (s *Store) IncrementSequenceSetting(key string) (uint64, error) {
	release, err := s.locks.AcquireOrdered(lockSettings)
	if err != nil {
		return 0, err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq uint64
	if raw, ok := s.settings[key]; ok && len(raw) == 8 {
		seq = binary.BigEndian.Uint64(raw)
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	s.settings[key] = buf
	return seq, nil
}

// --- neighborhood action queues ---

func directionOf(t ActionType) bool { return t.TargetsFollower() }

// EnqueueAction assigns the next monotonically-increasing id and appends to
// the (serverId, direction) queue, preserving FIFO order.
func (s *Store) EnqueueAction(a NeighborhoodAction) *NeighborhoodAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextActionID++
	a.ID = s.nextActionID
	k := queueKey{ServerID: a.ServerID, Follower: directionOf(a.Type)}
	s.actions[k] = append(s.actions[k], &a)
	return &a
}

// CancelPendingAction removes the first not-yet-dispatched action matching
// (serverID, actionType, targetIdentityID) from its queue, implementing the
// RemoveNeighbor-cancels-pending-AddNeighbor rule. Reports whether an action was cancelled.
func (s *Store) CancelPendingAction(serverID IdentityID, actionType ActionType, target IdentityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := queueKey{ServerID: serverID, Follower: directionOf(actionType)}
	q := s.actions[k]
	for i, a := range q {
		if a.Type == actionType && a.TargetIdentityID == target {
			s.actions[k] = append(q[:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// PeekQueueHead returns the first action in (serverID, direction)'s queue
// without removing it, along with whether that queue is currently suspended
// by a leading InitializationProcessInProgress sentinel.
func (s *Store) PeekQueueHead(serverID IdentityID, follower bool) (action *NeighborhoodAction, suspended bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := s.actions[queueKey{ServerID: serverID, Follower: follower}]
	if len(q) == 0 {
		return nil, false, false
	}
	head := q[0]
	return head, head.Type == ActionInitializationProcessInProgress, true
}

// CompleteAction removes the queue head if it matches id, enforcing that
// completion always happens in FIFO order.
func (s *Store) CompleteAction(serverID IdentityID, follower bool, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := queueKey{ServerID: serverID, Follower: follower}
	q := s.actions[k]
	if len(q) == 0 || q[0].ID != id {
		return false
	}
	s.actions[k] = q[1:]
	return true
}

// RescheduleAction advances the queue head's executeAfter (exponential
// backoff on TCP/TLS failure) and bumps its attempt counter.
func (s *Store) RescheduleAction(serverID IdentityID, follower bool, id int64, executeAfter time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.actions[queueKey{ServerID: serverID, Follower: follower}]
	if len(q) == 0 || q[0].ID != id {
		return
	}
	q[0].ExecuteAfter = executeAfter
	q[0].Attempts++
}

// RemoveAction removes a specific action from its queue wherever it
// currently sits, not just the head. Used to retire the
// InitializationProcessInProgress sentinel once a bulk transfer
// finishes, since actions enqueued ahead of it may still be pending.
func (s *Store) RemoveAction(serverID IdentityID, follower bool, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := queueKey{ServerID: serverID, Follower: follower}
	q := s.actions[k]
	for i, a := range q {
		if a.ID == id {
			s.actions[k] = append(q[:i:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// DropQueue discards every pending action targeting serverID in the given
// direction (used once a target is marked unreachable after 12 consecutive
// failures).
func (s *Store) DropQueue(serverID IdentityID, follower bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, queueKey{ServerID: serverID, Follower: follower})
}

// QueueTargets lists every (serverID, direction) pair with a non-empty
// queue, the unit of work the neighborhood worker iterates over.
func (s *Store) QueueTargets() []struct {
	ServerID IdentityID
	Follower bool
} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]struct {
		ServerID IdentityID
		Follower bool
	}, 0, len(s.actions))
	for k, q := range s.actions {
		if len(q) > 0 {
			out = append(out, struct {
				ServerID IdentityID
				Follower bool
			}{k.ServerID, k.Follower})
		}
	}
	return out
}
