package core

import (
	"bytes"
	"testing"
	"time"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello profile server")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0, 0, 0, 0})
	if _, err := ReadFrame(buf); err != ErrProtocolViolation {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	oversize := make([]byte, maxPayloadSize+1)
	if err := WriteFrame(&buf, oversize); err != ErrProtocolViolation {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestRequestIDBuilderMonotonic(t *testing.T) {
	b := &RequestIDBuilder{}
	first := b.Next()
	second := b.Next()
	if second != first+1 {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", first, second)
	}
}

func TestConversationTokenRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	var id IdentityID
	id[0] = 7
	now := time.Now()
	tok := IssueConversationToken(priv, id, time.Minute, now)
	if !VerifyConversationToken(pub, tok, now.Add(time.Second)) {
		t.Fatalf("expected token to verify within validity window")
	}
	if VerifyConversationToken(pub, tok, now.Add(2*time.Minute)) {
		t.Fatalf("expected expired token to fail verification")
	}
}
