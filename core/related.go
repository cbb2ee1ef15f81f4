package core

// related.go – relationship cards: a checked-in
// customer attaches cards issued to it by other identities, and any
// authenticated client can query the cards attached to an identity. Follows
// the same verify-then-store shape as hosting.go's profile handlers.

import (
	"bytes"
	"crypto/ed25519"
	"time"

	"github.com/gogo/protobuf/proto"
)

const maxRelationshipTypeBytes = 64

// canonicalRelationshipEncoding is the deterministic byte sequence the
// issuer's signature covers: every card field except the two signatures.
func canonicalRelationshipEncoding(c RelationshipCardWire) []byte {
	buf := proto.NewBuffer(nil)
	encodeStringField(buf, 1, c.ApplicationID)
	encodeStringField(buf, 2, c.CardID)
	encodeBytesField(buf, 3, c.CardVersion[:])
	encodeStringField(buf, 4, c.Type)
	encodeSintField(buf, 5, c.ValidFromUnix)
	encodeSintField(buf, 6, c.ValidToUnix)
	encodeBytesField(buf, 7, c.IssuerPublicKey)
	encodeBytesField(buf, 8, c.RecipientPublicKey)
	return buf.Bytes()
}

// verifyRelationshipCard checks both signatures: the issuer's over the
// canonical card encoding, and the recipient's over the issuer's signature,
// so the recipient provably accepted exactly the card the issuer signed.
func verifyRelationshipCard(c RelationshipCardWire) bool {
	if len(c.IssuerPublicKey) != ed25519.PublicKeySize || len(c.RecipientPublicKey) != ed25519.PublicKeySize {
		return false
	}
	if !ed25519.Verify(c.IssuerPublicKey, canonicalRelationshipEncoding(c), c.IssuerSignature) {
		return false
	}
	return ed25519.Verify(c.RecipientPublicKey, c.IssuerSignature, c.RecipientSignature)
}

func (cv *Conversation) handleAddRelatedIdentity(req *Envelope) *Envelope {
	var in AddRelatedIdentityMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}
	card := in.Card
	if card.ApplicationID == "" || len(card.Type) > maxRelationshipTypeBytes {
		return errEnvelope(req, StatusErrorInvalidValue)
	}
	if card.ValidToUnix != 0 && card.ValidToUnix < card.ValidFromUnix {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	cv.mu.Lock()
	id := cv.customerID
	pub := cv.peerPublicKey
	cv.mu.Unlock()

	// The card must have been issued TO the checked-in identity; anyone
	// could otherwise attach third-party cards to their own profile.
	if !bytes.Equal(card.RecipientPublicKey, pub) {
		return errEnvelope(req, StatusErrorInvalidValue)
	}
	if !verifyRelationshipCard(card) {
		return errEnvelope(req, StatusErrorInvalidSignature)
	}

	cv.server.Store.UpsertRelatedIdentity(RelatedIdentity{
		IdentityID:         id,
		ApplicationID:      card.ApplicationID,
		CardID:             card.CardID,
		CardVersion:        card.CardVersion,
		Type:               card.Type,
		ValidFrom:          time.Unix(card.ValidFromUnix, 0),
		ValidTo:            time.Unix(card.ValidToUnix, 0),
		IssuerPublicKey:    card.IssuerPublicKey,
		RecipientPublicKey: card.RecipientPublicKey,
		IssuerSignature:    card.IssuerSignature,
		RecipientSignature: card.RecipientSignature,
	})
	return okEnvelope(req)
}

func (cv *Conversation) handleRemoveRelatedIdentity(req *Envelope) *Envelope {
	var in RemoveRelatedIdentityMsg
	if err := in.Unmarshal(req.Payload); err != nil || in.ApplicationID == "" {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	cv.mu.Lock()
	id := cv.customerID
	cv.mu.Unlock()

	if !cv.server.Store.DeleteRelatedIdentity(id, in.ApplicationID) {
		return errEnvelope(req, StatusErrorNotFound)
	}
	return okEnvelope(req)
}

func (cv *Conversation) handleGetIdentityRelationships(req *Envelope) *Envelope {
	var in GetIdentityRelationshipsMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}

	out := &GetIdentityRelationshipsResponseMsg{}
	for _, r := range cv.server.Store.ListRelatedIdentities(in.IdentityID) {
		if in.TypeFilter != "" && r.Type != in.TypeFilter {
			continue
		}
		out.Cards = append(out.Cards, RelationshipCardWire{
			ApplicationID:      r.ApplicationID,
			CardID:             r.CardID,
			CardVersion:        r.CardVersion,
			Type:               r.Type,
			ValidFromUnix:      r.ValidFrom.Unix(),
			ValidToUnix:        r.ValidTo.Unix(),
			IssuerPublicKey:    r.IssuerPublicKey,
			RecipientPublicKey: r.RecipientPublicKey,
			IssuerSignature:    r.IssuerSignature,
			RecipientSignature: r.RecipientSignature,
		})
	}
	return payloadEnvelope(req, StatusOk, out.Marshal())
}
