package core

// wire.go – length-prefixed framing, the per-connection request-id builder,
// and signed-conversation tokens.

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"
)

const (
	wireMagic      byte   = 0x0B
	maxPayloadSize uint32 = 1 << 20 // payload ceiling
	// ProtocolViolationMessageID is the fixed message id attached to the
	// response sent immediately before a protocol-violating connection is
	// closed.
	ProtocolViolationMessageID uint32 = 0x0BADC0DE
)

// ErrProtocolViolation signals a framing error: bad magic byte or oversize
// payload. A truncated header/body read returns the underlying io error
// instead. Either way the connection is terminated.
var ErrProtocolViolation = errors.New("protocol violation")

// ReadFrame reads one magic(1)+length(4 LE)+payload frame. Reads are
// bounded: the length prefix is validated against maxPayloadSize before the
// body is read, so a hostile peer cannot force an unbounded allocation.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return nil, err
	}
	if header[0] != wireMagic {
		return nil, ErrProtocolViolation
	}
	if _, err := io.ReadFull(r, header[1:5]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[1:5])
	if n > maxPayloadSize {
		return nil, ErrProtocolViolation
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes one magic+length+payload frame. Callers serialize
// writes per connection — WriteFrame itself does no locking.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint32(len(payload)) > maxPayloadSize {
		return ErrProtocolViolation
	}
	buf := make([]byte, 5+len(payload))
	buf[0] = wireMagic
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// RequestIDBuilder hands out the monotonically-increasing id space a
// connection uses only for server-initiated requests (update
// notifications). Client-chosen request ids are echoed
// back verbatim and never pass through this type.
type RequestIDBuilder struct {
	mu   sync.Mutex
	next uint32
}

// Next returns the next server-initiated request id for this connection.
func (b *RequestIDBuilder) Next() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	return b.next
}

// SenderLock serializes writes on one connection.
type SenderLock struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSenderLock wraps a writer with a serializing lock.
func NewSenderLock(w io.Writer) *SenderLock { return &SenderLock{w: w} }

// Send writes one frame, holding the sender lock for the duration.
func (s *SenderLock) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFrame(s.w, payload)
}

// --- signed-conversation tokens ---

// ConversationToken authenticates a resumed or redirected conversation
// without re-running the full StartConversation/VerifyIdentity handshake —
// e.g. when a hosted identity's CancelHosting names a newHostingServerID
// and a client is redirected there. The token is signed by this server's
// identity key so the receiving peer can check it was actually issued here.
type ConversationToken struct {
	IdentityID IdentityID
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Signature  []byte
}

// tokenDigest is the canonical byte sequence a ConversationToken signs:
// identity id || issuedAt unix nanos || expiresAt unix nanos.
func tokenDigest(id IdentityID, issuedAt, expiresAt time.Time) []byte {
	buf := make([]byte, 0, 32+8+8)
	buf = append(buf, id[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(issuedAt.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(expiresAt.UnixNano()))
	return buf
}

// IssueConversationToken signs a fresh token for id, valid for validity.
func IssueConversationToken(serverPriv ed25519.PrivateKey, id IdentityID, validity time.Duration, now time.Time) ConversationToken {
	expires := now.Add(validity)
	sig := ed25519.Sign(serverPriv, tokenDigest(id, now, expires))
	return ConversationToken{IdentityID: id, IssuedAt: now, ExpiresAt: expires, Signature: sig}
}

// VerifyConversationToken checks a token's signature and expiry.
func VerifyConversationToken(serverPub ed25519.PublicKey, tok ConversationToken, now time.Time) bool {
	if now.After(tok.ExpiresAt) {
		return false
	}
	return ed25519.Verify(serverPub, tokenDigest(tok.IdentityID, tok.IssuedAt, tok.ExpiresAt), tok.Signature)
}
