package core

// crypto.go – Ed25519 identity primitives and the hex/base58/base64url
// codecs used for logging and wire identifiers: identity-id derivation,
// canonical profile signing, and conversation-challenge signatures, all over
// crypto/ed25519.

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPublicKey = errors.New("invalid public key length")
)

// DeriveIdentityID computes SHA256(publicKey), the 32-byte identifier shared
// by hosted identities, neighbor identities, neighbors and followers.
func DeriveIdentityID(publicKey []byte) (IdentityID, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return IdentityID{}, ErrInvalidPublicKey
	}
	return IdentityID(sha256.Sum256(publicKey)), nil
}

// GenerateKeypair creates a new Ed25519 keypair for a hosted identity or for
// this server's own identity.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// CanonicalProfileBytes returns the digest signed over a profile: the SHA256
// of the protobuf-serialized ProfileInformation body excluding the
// signature field itself. The caller supplies the already
// protobuf-encoded body (see wire_messages.go); this function exists as the
// single place that defines "canonical" so callers cannot accidentally sign
// a different encoding than they verify.
func CanonicalProfileBytes(encodedProfileWithoutSignature []byte) []byte {
	sum := sha256.Sum256(encodedProfileWithoutSignature)
	return sum[:]
}

// SignProfile signs the canonical digest of a profile body with the
// identity's private key.
func SignProfile(priv ed25519.PrivateKey, encodedProfileWithoutSignature []byte) []byte {
	digest := CanonicalProfileBytes(encodedProfileWithoutSignature)
	return ed25519.Sign(priv, digest)
}

// VerifyProfileSignature verifies a profile signature under the given
// public key. It is checked on UpdateProfile and on every profile a
// neighbor supplies; other conversation-authenticated requests carry no
// profile signature and are not checked by it. On UpdateProfile, failure
// maps to ErrorInvalidSignature on the wire.
func VerifyProfileSignature(pub ed25519.PublicKey, encodedProfileWithoutSignature, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	digest := CanonicalProfileBytes(encodedProfileWithoutSignature)
	return ed25519.Verify(pub, digest, signature)
}

// SignChallenge signs a conversation challenge during VerifyIdentity.
func SignChallenge(priv ed25519.PrivateKey, challenge []byte) []byte {
	return ed25519.Sign(priv, challenge)
}

// VerifyChallenge verifies a signed conversation challenge.
func VerifyChallenge(pub ed25519.PublicKey, challenge, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, challenge, signature)
}

// RandomChallenge returns a fresh 32-byte challenge for StartConversation.
func RandomChallenge() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// --- codecs ---

// HexID renders an identity id as lowercase hex, used for log fields and
// hosted-identity snapshots.
func HexID(id IdentityID) string { return hex.EncodeToString(id[:]) }

// ParseHexID reverses HexID.
func ParseHexID(s string) (IdentityID, error) {
	var id IdentityID
	b, err := hex.DecodeString(s)
	if err != nil {
		return IdentityID{}, err
	}
	if len(b) != len(id) {
		return IdentityID{}, ErrInvalidPublicKey
	}
	copy(id[:], b)
	return id, nil
}

// Base64URLID renders an identity id as unpadded url-safe base64.
func Base64URLID(id IdentityID) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Base58MultihashID renders an identity id the way libp2p renders peer IDs:
// a SHA2-256 multihash, base58-encoded.
func Base58MultihashID(id IdentityID) (string, error) {
	sum, err := mh.Encode(id[:], mh.SHA2_256)
	if err != nil {
		return "", err
	}
	return base58.Encode(sum), nil
}

// ParseBase58MultihashID reverses Base58MultihashID.
func ParseBase58MultihashID(s string) (IdentityID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return IdentityID{}, err
	}
	decoded, err := mh.Decode(raw)
	if err != nil {
		return IdentityID{}, err
	}
	var id IdentityID
	if len(decoded.Digest) != len(id) {
		return IdentityID{}, ErrInvalidPublicKey
	}
	copy(id[:], decoded.Digest)
	return id, nil
}
