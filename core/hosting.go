package core

// hosting.go – the hosted-identity manager: registration, profile
// init/update/cancel, image lifecycle, capacity enforcement. Every profile
// write verifies the customer's signature over the canonical encoding
// before anything is stored.

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/gogo/protobuf/proto"
)

// canonicalProfileEncoding is the deterministic, signature-excluded byte
// sequence a profile's signature covers. Field order
// is fixed so independently-constructed encoders agree.
func canonicalProfileEncoding(p Profile) []byte {
	buf := proto.NewBuffer(nil)
	encodeBytesField(buf, 1, p.IdentityID[:])
	encodeBytesField(buf, 2, p.PublicKey)
	encodeBytesField(buf, 3, p.Version[:])
	encodeStringField(buf, 4, p.Name)
	encodeStringField(buf, 5, p.Type)
	encodeBytesField(buf, 6, p.ExtraData)
	encodeSintField(buf, 7, int64(math.Round(p.Location.Latitude*1e6)))
	encodeSintField(buf, 8, int64(math.Round(p.Location.Longitude*1e6)))
	encodeBytesField(buf, 9, p.ProfileImageHash)
	encodeBytesField(buf, 10, p.ThumbnailHash)
	return buf.Bytes()
}

// profileActionSnapshot is the JSON shape persisted as a NeighborhoodAction's
// AdditionalData. Using JSON here, rather than the protobuf wire
// codec, decouples a replayed action from the service's in-process message
// catalogue evolving independently.
type profileActionSnapshot struct {
	IdentityID       string  `json:"identityId"`
	PublicKey        []byte  `json:"publicKey"`
	Version          [3]byte `json:"version"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	ExtraData        []byte  `json:"extraData"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	ProfileImageHash []byte  `json:"profileImageHash"`
	ThumbnailHash    []byte  `json:"thumbnailHash"`
	Signature        []byte  `json:"signature"`
	HostingServerID  string  `json:"hostingServerId"`
}

// decodeSnapshotProfile reverses snapshotProfile, reconstructing the Profile
// a follower-direction NeighborhoodAction carries (core/neighborhood.go's
// executeFollowerAction).
func decodeSnapshotProfile(data []byte) (Profile, error) {
	var snap profileActionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Profile{}, err
	}
	id, err := ParseHexID(snap.IdentityID)
	if err != nil {
		return Profile{}, err
	}
	hostingID, err := ParseHexID(snap.HostingServerID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		IdentityID:       id,
		PublicKey:        snap.PublicKey,
		Version:          snap.Version,
		Name:             snap.Name,
		Type:             snap.Type,
		ExtraData:        snap.ExtraData,
		Location:         Location{Latitude: snap.Latitude, Longitude: snap.Longitude},
		ProfileImageHash: snap.ProfileImageHash,
		ThumbnailHash:    snap.ThumbnailHash,
		Signature:        snap.Signature,
		HostingServerID:  hostingID,
	}, nil
}

func snapshotProfile(p Profile) []byte {
	snap := profileActionSnapshot{
		IdentityID:       HexID(p.IdentityID),
		PublicKey:        p.PublicKey,
		Version:          p.Version,
		Name:             p.Name,
		Type:             p.Type,
		ExtraData:        p.ExtraData,
		Latitude:         p.Location.Latitude,
		Longitude:        p.Location.Longitude,
		ProfileImageHash: p.ProfileImageHash,
		ThumbnailHash:    p.ThumbnailHash,
		Signature:        p.Signature,
		HostingServerID:  HexID(p.HostingServerID),
	}
	data, _ := json.Marshal(snap)
	return data
}

// enqueueFollowerAction fans a profile mutation out to every initialized
// follower's replication queue.
func (s *Server) enqueueFollowerAction(actionType ActionType, target IdentityID, snapshot []byte) {
	now := time.Now()
	for _, peer := range s.Store.ListPeers(PeerFollower) {
		if !peer.Initialized {
			continue
		}
		s.Store.EnqueueAction(NeighborhoodAction{
			ServerID:         peer.NetworkID,
			Type:             actionType,
			TargetIdentityID: target,
			Timestamp:        now,
			AdditionalData:   snapshot,
		})
		if s.Neighborhood != nil {
			s.Neighborhood.Wake(peer.NetworkID)
		}
	}
}

func (cv *Conversation) handleHostingRegister(req *Envelope) *Envelope {
	var in HostingRegisterMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	cv.mu.Lock()
	pub := cv.peerPublicKey
	id := cv.peerID
	cv.mu.Unlock()
	if len(in.PublicKey) > 0 && !bytes.Equal(in.PublicKey, pub) {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	_, err := cv.server.Store.ReserveHostedIdentity(id, pub, cv.server.MaxHostedIdentities)
	switch {
	case err == nil:
		return okEnvelope(req)
	case errors.Is(err, ErrQuotaExceeded):
		return errEnvelope(req, StatusErrorQuotaExceeded)
	case errors.Is(err, ErrAlreadyExists):
		return errEnvelope(req, StatusErrorAlreadyExists)
	default:
		return errEnvelope(req, StatusErrorInternal)
	}
}

// Field bounds every stored profile must satisfy.
const (
	maxProfileNameBytes      = 64
	maxProfileTypeBytes      = 64
	maxProfileExtraDataBytes = 200
)

// validateProfileDelta checks the value bounds of every field present in an
// update before any state is touched: byte caps on name/type/extraData, a
// non-zero version, and coordinates inside [-90,90]/[-180,180].
func validateProfileDelta(in *UpdateProfileMsg) bool {
	if in.HasName && len(in.Name) > maxProfileNameBytes {
		return false
	}
	if in.HasType && len(in.Type) > maxProfileTypeBytes {
		return false
	}
	if in.HasExtraData && len(in.ExtraData) > maxProfileExtraDataBytes {
		return false
	}
	if in.HasVersion && in.Version.IsZero() {
		return false
	}
	if in.HasLocation {
		if in.Location.Latitude < -90 || in.Location.Latitude > 90 {
			return false
		}
		if in.Location.Longitude < -180 || in.Location.Longitude > 180 {
			return false
		}
	}
	return true
}

func (cv *Conversation) handleUpdateProfile(req *Envelope) *Envelope {
	var in UpdateProfileMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}
	if !validateProfileDelta(&in) {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	cv.mu.Lock()
	id := cv.customerID
	cv.mu.Unlock()

	h, ok := cv.server.Store.GetHostedIdentity(id)
	if !ok {
		return errEnvelope(req, StatusErrorNotFound)
	}

	h.Lock()
	defer h.Unlock()

	firstInit := !h.Initialized
	if firstInit {
		if !(in.HasVersion && in.HasName && in.HasType && in.HasLocation) || len(in.Signature) == 0 {
			return errEnvelope(req, StatusErrorInvalidValue)
		}
	}

	if in.HasProfileImageHash && len(in.ProfileImageData) > 0 {
		if err := cv.server.Images.Stage(in.ProfileImageHash, in.ProfileImageData); err != nil {
			return errEnvelope(req, StatusErrorInvalidValue)
		}
	}
	if in.HasThumbnailHash && len(in.ThumbnailImageData) > 0 {
		if err := cv.server.Images.Stage(in.ThumbnailHash, in.ThumbnailImageData); err != nil {
			return errEnvelope(req, StatusErrorInvalidValue)
		}
	}

	candidate := h.Profile
	if in.HasVersion {
		candidate.Version = in.Version
	}
	if in.HasName {
		candidate.Name = in.Name
	}
	if in.HasType {
		candidate.Type = in.Type
	}
	if in.HasExtraData {
		candidate.ExtraData = in.ExtraData
	}
	if in.HasLocation {
		candidate.Location = in.Location
	}
	if in.HasProfileImageHash {
		candidate.ProfileImageHash = in.ProfileImageHash
	}
	if in.HasThumbnailHash {
		candidate.ThumbnailHash = in.ThumbnailHash
	}

	encoded := canonicalProfileEncoding(candidate)
	if !VerifyProfileSignature(h.PublicKey, encoded, in.Signature) {
		if in.HasProfileImageHash && len(in.ProfileImageData) > 0 {
			cv.server.Images.Discard(in.ProfileImageHash)
		}
		if in.HasThumbnailHash && len(in.ThumbnailImageData) > 0 {
			cv.server.Images.Discard(in.ThumbnailHash)
		}
		return errEnvelope(req, StatusErrorInvalidSignature)
	}
	candidate.Signature = append([]byte(nil), in.Signature...)

	if in.HasProfileImageHash && len(in.ProfileImageData) > 0 {
		if err := cv.server.Images.Commit(in.ProfileImageHash); err != nil {
			return errEnvelope(req, StatusErrorInternal)
		}
	}
	if in.HasThumbnailHash && len(in.ThumbnailImageData) > 0 {
		if err := cv.server.Images.Commit(in.ThumbnailHash); err != nil {
			return errEnvelope(req, StatusErrorInternal)
		}
	}

	h.Profile = candidate
	h.Initialized = true

	if !in.NoPropagation {
		actionType := ActionChangeProfile
		if firstInit {
			actionType = ActionAddProfile
		}
		cv.server.enqueueFollowerAction(actionType, id, snapshotProfile(candidate))
	}
	return okEnvelope(req)
}

func (cv *Conversation) handleCancelHosting(req *Envelope) *Envelope {
	var in CancelHostingMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	cv.mu.Lock()
	id := cv.customerID
	cv.mu.Unlock()

	h, ok := cv.server.Store.GetHostedIdentity(id)
	if !ok {
		return errEnvelope(req, StatusErrorNotFound)
	}

	h.Lock()
	defer h.Unlock()
	if h.Cancelled {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	now := time.Now()
	expires := now.Add(cv.server.CancellationRetention)
	h.Cancelled = true
	h.ExpirationDate = &expires
	var zero IdentityID
	if in.NewHostingServerID != zero {
		h.MovedToServerID = in.NewHostingServerID
	}

	cv.server.enqueueFollowerAction(ActionRemoveProfile, id, snapshotProfile(h.Profile))
	return okEnvelope(req)
}

func (cv *Conversation) handleGetProfileInformation(req *Envelope) *Envelope {
	var in GetProfileInformationMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	var profile Profile
	hosted := false
	if h, ok := cv.server.Store.GetHostedIdentity(in.IdentityID); ok {
		var zero IdentityID
		if h.Cancelled && h.MovedToServerID != zero {
			// The identity moved to another server; hand the client its last
			// known profile plus the redirect target recorded at cancellation.
			out := &GetProfileInformationResponseMsg{
				ProfileBytes:    canonicalProfileEncoding(h.Profile),
				HostingServerID: h.MovedToServerID,
			}
			return payloadEnvelope(req, StatusOk, out.Marshal())
		}
		if h.Cancelled {
			return errEnvelope(req, StatusErrorNotFound)
		}
		if !h.Initialized {
			return errEnvelope(req, StatusErrorUninitialized)
		}
		profile = h.Profile
		hosted = true
	} else {
		found := false
		for _, p := range cv.server.Store.ListNeighborProfiles(time.Now()) {
			if p.IdentityID == in.IdentityID {
				profile = p
				found = true
				break
			}
		}
		if !found {
			return errEnvelope(req, StatusErrorNotFound)
		}
	}

	out := &GetProfileInformationResponseMsg{
		ProfileBytes:    canonicalProfileEncoding(profile),
		HostingServerID: profile.HostingServerID,
		Hosted:          hosted,
	}
	if in.IncludeImage {
		if len(profile.ProfileImageHash) > 0 {
			if data, err := cv.server.Images.Get(profile.ProfileImageHash); err == nil {
				out.ImageBytes = data
			}
		}
		if len(profile.ThumbnailHash) > 0 {
			if data, err := cv.server.Images.Get(profile.ThumbnailHash); err == nil {
				out.ThumbnailBytes = data
			}
		}
	}
	return payloadEnvelope(req, StatusOk, out.Marshal())
}
