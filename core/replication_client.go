package core

// replication_client.go – the outbound side of a peer-to-peer connection:
// dial, authenticate, round-trip. Shared by the neighborhood worker's
// follower-direction push and the bulk-transfer initiator.

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// clientTLSConfig matches the server's TLS 1.2-only posture; peer
// certificates aren't validated because identity is proven in-band by
// VerifyIdentity's Ed25519 challenge, not by PKI.
var clientTLSConfig = &tls.Config{
	MinVersion:         tls.VersionTLS12,
	MaxVersion:         tls.VersionTLS12,
	InsecureSkipVerify: true,
}

// outboundClient is one TLS connection this server initiated toward a peer.
// It carries its own request-id space; there is no accepted-side Connection
// wrapping it because RoleServer only wraps connections it accepts.
type outboundClient struct {
	conn    net.Conn
	nextReq uint32
}

func dialOutbound(ctx context.Context, addr string, handshakeTimeout time.Duration) (*outboundClient, error) {
	dctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	d := &tls.Dialer{Config: clientTLSConfig}
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &outboundClient{conn: conn}, nil
}

func (c *outboundClient) Close() error { return c.conn.Close() }

func (c *outboundClient) nextRequestID() uint32 {
	c.nextReq++
	return c.nextReq
}

func (c *outboundClient) send(kind MessageKind, requestID uint32, payload []byte) error {
	env := Envelope{RequestID: requestID, Kind: kind, Payload: payload}
	return WriteFrame(c.conn, env.Marshal())
}

func (c *outboundClient) readFrame() (*Envelope, error) {
	raw, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := env.Unmarshal(raw); err != nil {
		return nil, err
	}
	return &env, nil
}

// roundTrip sends one request and waits for its matching response, skipping
// any unrelated frame that arrives out of order. Not used once the bulk
// transfer's push phase starts — that phase has its own readFrame loop in
// core/initialization.go, since it must also dispatch the peer's interleaved
// pushed frames rather than discard them.
func (c *outboundClient) roundTrip(deadline time.Time, kind MessageKind, payload []byte) (*Envelope, error) {
	reqID := c.nextRequestID()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := c.send(kind, reqID, payload); err != nil {
		return nil, err
	}
	for {
		resp, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		if !resp.IsResponse || resp.RequestID != reqID {
			continue
		}
		return resp, nil
	}
}

var errHandshakeRejected = fmt.Errorf("neighbor handshake rejected")

// authenticateAsNeighbor runs the client side of the
// StartConversation/VerifyIdentity handshake over an outbound connection,
// returning the remote peer's derived identity id.
func authenticateAsNeighbor(c *outboundClient, identity ServerIdentity, timeout time.Duration) (IdentityID, error) {
	deadline := time.Now().Add(timeout)

	startReq := (&StartConversationMsg{PublicKey: identity.PublicKey, SupportedVersions: []uint32{1}}).Marshal()
	resp, err := c.roundTrip(deadline, KindStartConversation, startReq)
	if err != nil {
		return IdentityID{}, err
	}
	if resp.Status != StatusOk {
		return IdentityID{}, fmt.Errorf("%w: start conversation: %s", errHandshakeRejected, resp.Status)
	}
	var startResp StartConversationResponseMsg
	if err := startResp.Unmarshal(resp.Payload); err != nil {
		return IdentityID{}, err
	}
	peerID, err := DeriveIdentityID(startResp.PublicKey)
	if err != nil {
		return IdentityID{}, err
	}

	sig := SignChallenge(identity.PrivateKey, startResp.Challenge)
	verifyReq := (&VerifyIdentityMsg{PublicKey: identity.PublicKey, ChallengeSignature: sig}).Marshal()
	resp, err = c.roundTrip(deadline, KindVerifyIdentity, verifyReq)
	if err != nil {
		return IdentityID{}, err
	}
	if resp.Status != StatusOk {
		return IdentityID{}, fmt.Errorf("%w: verify identity: %s", errHandshakeRejected, resp.Status)
	}
	return peerID, nil
}
