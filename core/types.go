package core

// types.go – centralised struct definitions referenced across the profile
// server components: data shapes only, no behavior, to keep the package's
// internal import graph simple.

import (
	"sync"
	"time"
)

// IdentityID is SHA256(publicKey), 32 bytes. Hosted identities, neighbor
// identities, neighbors and followers all share this identifier shape.
type IdentityID [32]byte

// Version is a 3-byte semver (major, minor, patch), matching the wire
// encoding used for HostedIdentity.version.
type Version [3]byte

func (v Version) IsZero() bool { return v == Version{} }

func (v Version) String() string {
	return itoa(int(v[0])) + "." + itoa(int(v[1])) + "." + itoa(int(v[2]))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [3]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

// Location is a decimal-degree coordinate pair, stored at 6 fractional
// digits of precision.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Profile is the capability shared by hosted and neighbor identities: the
// signed, searchable surface the search engine operates over.
type Profile struct {
	IdentityID       IdentityID
	PublicKey        []byte
	Version          Version
	Name             string
	Type             string
	ExtraData        []byte
	Location         Location
	ProfileImageHash []byte
	ThumbnailHash    []byte
	Signature        []byte
	HostingServerID  IdentityID // zero value: hosted locally and not moved
	CanObjectHash    []byte
}

// HostedIdentity is an identity this server hosts directly.
type HostedIdentity struct {
	Profile

	Initialized bool
	Cancelled   bool

	// ExpirationDate is set only after cancellation.
	ExpirationDate *time.Time

	// MovedToServerID is non-zero only once the identity has moved away
	// from this server (used to redirect clients), distinct from
	// Profile.HostingServerID's "owning neighbor" meaning for mirrored rows.
	MovedToServerID IdentityID

	mu sync.Mutex // row-level lock around profile mutation
}

// Lock acquires the hosted identity's row-level lock.
func (h *HostedIdentity) Lock() { h.mu.Lock() }

// Unlock releases the hosted identity's row-level lock.
func (h *HostedIdentity) Unlock() { h.mu.Unlock() }

// NeighborIdentity mirrors a profile owned by a neighbor server. Uniqueness
// key is (HostingServerID, IdentityID).
type NeighborIdentity struct {
	Profile
}

// PeerKind distinguishes the two replication directions a PeerRecord can
// represent.
type PeerKind int

const (
	PeerNeighbor PeerKind = iota
	PeerFollower
)

// PeerRecord is the shared base of Neighbor and Follower. Kind determines which optional fields are meaningful.
type PeerRecord struct {
	NetworkID       IdentityID
	Kind            PeerKind
	IPAddress       string
	PrimaryPort     int
	SrNeighborPort  int
	Initialized     bool
	LastRefreshTime time.Time

	// Neighbor-only:
	Location Location

	// Expiry bookkeeping.
	NeighborhoodExpiration time.Duration
}

// Expired reports whether a Neighbor's last refresh is stale enough to be
// reaped by background maintenance.
func (p *PeerRecord) Expired(now time.Time) bool {
	if p.Kind != PeerNeighbor {
		return false
	}
	return p.LastRefreshTime.Add(p.NeighborhoodExpiration).Before(now)
}

// ActionType enumerates NeighborhoodAction kinds in processing-priority
// order per target. Values >= 10 target followers.
type ActionType int

const (
	ActionAddNeighbor ActionType = iota + 1
	ActionRemoveNeighbor
	ActionStopNeighborhoodUpdates
)

const (
	ActionAddProfile ActionType = iota + 10
	ActionRefreshProfiles
	ActionChangeProfile
	ActionRemoveProfile
	ActionInitializationProcessInProgress
)

// TargetsFollower reports whether this action type is follower-directed
// (value >= 10) as opposed to neighbor-directed.
func (t ActionType) TargetsFollower() bool { return t >= 10 }

// NeighborhoodAction is one entry in a per-(ServerID,direction) ordered
// replication queue.
type NeighborhoodAction struct {
	ID               int64
	ServerID         IdentityID
	Type             ActionType
	TargetIdentityID IdentityID
	Timestamp        time.Time
	ExecuteAfter     time.Time

	// AdditionalData carries a JSON-encoded, action-kind-typed snapshot
	// so replay is independent of subsequent mutation of the source
	// identity.
	AdditionalData []byte

	Attempts int
}

// RelatedIdentity is a cross-reference a hosted identity carries to an
// external application/card.
type RelatedIdentity struct {
	IdentityID         IdentityID
	ApplicationID      string
	CardID             string
	CardVersion        Version
	Type               string
	ValidFrom          time.Time
	ValidTo            time.Time
	IssuerPublicKey    []byte
	RecipientPublicKey []byte
	IssuerSignature    []byte
	RecipientSignature []byte
}

// Setting keys used in the singleton settings table.
const (
	SettingServerPrivateKey = "server.private_key"
	SettingServerPublicKey  = "server.public_key"
	SettingIPNSSequence     = "ipns.sequence"
	SettingPrimaryAddress   = "server.primary_address"
)
