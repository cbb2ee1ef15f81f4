package core

// conversation.go – the per-connection conversation state machine and
// the Server aggregate every other component hangs off. Every request is
// gated on the connection's role and current conversation state before its
// handler runs.

import (
	"context"
	"crypto/ed25519"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConvState is a per-connection conversation state.
type ConvState int

const (
	StateFresh ConvState = iota
	StateStarted
	// StateAuthenticated covers both "Authenticated-NoCustomer" (reached on
	// a non-customer-client connection) and the intermediate a
	// customer-client connection passes through before CheckIn; the only
	// behavioral difference is which role is allowed to issue CheckIn from
	// here.
	StateAuthenticated
	StateAuthenticatedCustomer
	StateNeighborAuthenticated
)

// ServerIdentity is this profile server's own Ed25519 keypair and derived id.
type ServerIdentity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	ID         IdentityID
}

// Server is the startup-constructed context handed to every component.
type Server struct {
	Identity              ServerIdentity
	Store                 *Store
	Images                *ImageStore
	Logger                *logrus.Logger
	MaxHostedIdentities   int
	MaxFollowers          int
	CancellationRetention time.Duration

	// NeighborhoodExpiration is how long a neighbor may go without a refresh
	// (initial bulk transfer or a subsequent push) before the stale-neighbor
	// sweep reaps it. Defaults to defaultNeighborhoodExpiration.
	NeighborhoodExpiration time.Duration

	// OwnPrimaryPort/OwnSrNeighborPort are advertised to a neighbor during
	// StartNeighborhoodInitialization so it can reach this
	// server back as a follower; the client ports complete the ListRoles
	// service listing.
	OwnPrimaryPort     int
	OwnNonCustomerPort int
	OwnCustomerPort    int
	OwnSrNeighborPort  int
	OwnLocation        Location

	Neighborhood *NeighborhoodWorker
	Location     *LocationAdapter
	Maintenance  *Maintenance

	customerMu   sync.Mutex
	customerConn map[IdentityID]*Connection

	continuationMu sync.Mutex
	continuations  map[string]searchContinuation
}

// NewServer wires the Server aggregate. Subsystems that depend on the
// server itself (Neighborhood, Location, Maintenance) are attached after
// construction by cmd/profileserver/main.go, since they hold a back
// reference to Server.
func NewServer(identity ServerIdentity, store *Store, images *ImageStore, logger *logrus.Logger, maxHosted int, cancellationRetention time.Duration) *Server {
	return &Server{
		Identity:               identity,
		Store:                  store,
		Images:                 images,
		Logger:                 logger,
		MaxHostedIdentities:    maxHosted,
		MaxFollowers:           defaultMaxFollowers,
		CancellationRetention:  cancellationRetention,
		NeighborhoodExpiration: defaultNeighborhoodExpiration,
		customerConn:           make(map[IdentityID]*Connection),
		continuations:          make(map[string]searchContinuation),
	}
}

// evictCustomer displaces any existing customer connection for id and
// installs conn as the new one. The displaced connection is not torn down
// here: its read loop answers its next request with
// ErrorBadConversationState and then closes the socket.
func (s *Server) evictCustomer(id IdentityID, conn *Connection) {
	s.customerMu.Lock()
	prev := s.customerConn[id]
	s.customerConn[id] = conn
	s.customerMu.Unlock()
	if prev != nil && prev != conn {
		prev.evicted.Store(true)
	}
}

func (s *Server) releaseCustomer(id IdentityID, conn *Connection) {
	s.customerMu.Lock()
	if s.customerConn[id] == conn {
		delete(s.customerConn, id)
	}
	s.customerMu.Unlock()
}

// Conversation is the live state of one accepted connection.
type Conversation struct {
	server *Server
	conn   *Connection

	mu    sync.Mutex
	state ConvState

	peerPublicKey   ed25519.PublicKey
	peerID          IdentityID
	ourChallenge    []byte
	customerID      IdentityID
	hasCustomerID   bool
	neighborPeer    PeerRecord
	hasNeighborPeer bool

	// initBuffer/initFailed/initDone are populated only on the initiator's
	// own Conversation instance (core/initialization.go), as it dispatches
	// the pushed frames a neighbor streams back during a bulk transfer.
	initBuffer []Profile
	initFailed bool
	initDone   bool
}

// roleServes reports whether a role's listener ever serves a request kind in
// any conversation state. A request outside this set gets ErrorBadRole; one
// inside it but issued from the wrong state gets ErrorBadConversationState.
func roleServes(role Role, kind MessageKind) bool {
	switch kind {
	case KindPing, KindListRoles:
		return true
	case KindStartConversation, KindVerifyIdentity:
		return role != RolePrimary
	case KindGetProfileInformation, KindSearch, KindSearchContinuation, KindGetIdentityRelationships:
		return role == RoleNonCustomerClient || role == RoleCustomerClient
	case KindCheckIn, KindHostingRegister, KindUpdateProfile, KindCancelHosting, KindAddRelatedIdentity, KindRemoveRelatedIdentity:
		return role == RoleCustomerClient
	case KindStartNeighborhoodInitialization, KindNeighborhoodSharedProfileUpdate, KindFinishNeighborhoodInitialization, KindNeighborhoodUpdatePush:
		return role == RoleSrNeighbor
	default:
		return false
	}
}

// requestAllowed is the fixed request->state matrix; the role itself has
// already been checked by roleServes.
func requestAllowed(state ConvState, kind MessageKind) bool {
	switch kind {
	case KindPing, KindListRoles:
		return true
	case KindStartConversation:
		return state == StateFresh
	case KindVerifyIdentity:
		return state == StateStarted
	case KindCheckIn, KindHostingRegister:
		return state == StateAuthenticated
	case KindGetProfileInformation, KindSearch, KindSearchContinuation, KindGetIdentityRelationships:
		return state == StateAuthenticated || state == StateAuthenticatedCustomer
	case KindUpdateProfile, KindCancelHosting, KindAddRelatedIdentity, KindRemoveRelatedIdentity:
		return state == StateAuthenticatedCustomer
	case KindStartNeighborhoodInitialization, KindNeighborhoodSharedProfileUpdate, KindFinishNeighborhoodInitialization, KindNeighborhoodUpdatePush:
		return state == StateNeighborAuthenticated
	default:
		return false
	}
}

// HandleConnection is the ConnHandler given to RoleServer.ListenAndServe. It
// owns the connection's entire read loop.
func (s *Server) HandleConnection(ctx context.Context, conn *Connection) {
	cv := &Conversation{server: s, conn: conn, state: StateFresh}
	defer func() {
		if cv.hasCustomerID {
			s.releaseCustomer(cv.customerID, conn)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Re-arm the read deadline before every read so it tracks
		// inactivity, not session age: an actively conversing connection
		// must never be killed just because it authenticated long ago.
		cv.mu.Lock()
		authenticated := cv.state >= StateAuthenticated
		cv.mu.Unlock()
		conn.SetIdleTimeout(DefaultIdleTimeout(authenticated))

		payload, err := conn.ReadFrame()
		if err != nil {
			if err == ErrProtocolViolation {
				s.sendProtocolViolation(conn)
			}
			return
		}

		var env Envelope
		if err := env.Unmarshal(payload); err != nil {
			s.sendProtocolViolation(conn)
			return
		}
		if env.IsResponse {
			// server-initiated requests get acked by the peer; nothing
			// further to dispatch on this path today.
			continue
		}

		// A displaced customer connection gets one final response telling it
		// the conversation is over, then the socket closes.
		if conn.evicted.Load() {
			_ = conn.Send(errEnvelope(&env, StatusErrorBadConversationState).Marshal())
			return
		}

		resp := cv.dispatch(&env)
		if resp == nil {
			// the handler already streamed its own response frames directly
			// over conn (core/initialization.go's bulk-transfer responder
			// side) — nothing further to send for this request.
			continue
		}
		out := resp.Marshal()
		if err := conn.Send(out); err != nil {
			return
		}
		if resp.Status == StatusErrorProtocolViolation {
			return
		}
	}
}

func (s *Server) sendProtocolViolation(conn *Connection) {
	env := Envelope{
		RequestID:  ProtocolViolationMessageID,
		IsResponse: true,
		Status:     StatusErrorProtocolViolation,
	}
	_ = conn.Send(env.Marshal())
}

// dispatch routes one request envelope to its handler, enforcing the
// conversation-state matrix before doing anything else.
func (cv *Conversation) dispatch(req *Envelope) *Envelope {
	resp := &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true}

	cv.mu.Lock()
	state := cv.state
	role := cv.conn.Role
	cv.mu.Unlock()

	if req.Kind == 0 || req.Kind > kindLast {
		resp.Status = StatusErrorUnsupported
		return resp
	}
	if !roleServes(role, req.Kind) {
		resp.Status = StatusErrorBadRole
		return resp
	}
	if !requestAllowed(state, req.Kind) {
		resp.Status = StatusErrorBadConversationState
		return resp
	}

	switch req.Kind {
	case KindPing:
		return cv.handlePing(req)
	case KindListRoles:
		return cv.handleListRoles(req)
	case KindStartConversation:
		return cv.handleStartConversation(req)
	case KindVerifyIdentity:
		return cv.handleVerifyIdentity(req)
	case KindCheckIn:
		return cv.handleCheckIn(req)
	case KindGetProfileInformation:
		return cv.handleGetProfileInformation(req)
	case KindHostingRegister:
		return cv.handleHostingRegister(req)
	case KindUpdateProfile:
		return cv.handleUpdateProfile(req)
	case KindCancelHosting:
		return cv.handleCancelHosting(req)
	case KindSearch:
		return cv.handleSearch(req)
	case KindSearchContinuation:
		return cv.handleSearchContinuation(req)
	case KindGetIdentityRelationships:
		return cv.handleGetIdentityRelationships(req)
	case KindAddRelatedIdentity:
		return cv.handleAddRelatedIdentity(req)
	case KindRemoveRelatedIdentity:
		return cv.handleRemoveRelatedIdentity(req)
	case KindStartNeighborhoodInitialization:
		return cv.handleStartNeighborhoodInitialization(req)
	case KindNeighborhoodSharedProfileUpdate:
		return cv.handleNeighborhoodSharedProfileUpdate(req)
	case KindFinishNeighborhoodInitialization:
		return cv.handleFinishNeighborhoodInitialization(req)
	case KindNeighborhoodUpdatePush:
		return cv.handleNeighborhoodUpdatePush(req)
	default:
		resp.Status = StatusErrorUnsupported
		return resp
	}
}

func (cv *Conversation) handlePing(req *Envelope) *Envelope {
	var in PingMsg
	_ = in.Unmarshal(req.Payload)
	out := &PingResponseMsg{Nonce: in.Nonce, ServerUnixNano: time.Now().UnixNano()}
	return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusOk, Payload: out.Marshal()}
}

func (cv *Conversation) handleListRoles(req *Envelope) *Envelope {
	s := cv.server
	out := &ListRolesResponseMsg{ProtocolVersion: 1}
	for _, ri := range []RoleInfo{
		{Role: RolePrimary.String(), Port: uint32(s.OwnPrimaryPort)},
		{Role: RoleNonCustomerClient.String(), Port: uint32(s.OwnNonCustomerPort)},
		{Role: RoleCustomerClient.String(), Port: uint32(s.OwnCustomerPort)},
		{Role: RoleSrNeighbor.String(), Port: uint32(s.OwnSrNeighborPort)},
	} {
		out.Roles = append(out.Roles, ri)
	}
	return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusOk, Payload: out.Marshal()}
}

func (cv *Conversation) handleStartConversation(req *Envelope) *Envelope {
	var in StartConversationMsg
	if err := in.Unmarshal(req.Payload); err != nil || len(in.PublicKey) != ed25519.PublicKeySize {
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusErrorInvalidValue}
	}
	challenge, err := RandomChallenge()
	if err != nil {
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusErrorInternal}
	}

	selected := uint32(1)
	found := len(in.SupportedVersions) == 0
	for _, v := range in.SupportedVersions {
		if v == selected {
			found = true
		}
	}
	if !found {
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusErrorUnsupported}
	}

	cv.mu.Lock()
	cv.peerPublicKey = append(ed25519.PublicKey(nil), in.PublicKey...)
	cv.ourChallenge = challenge
	cv.state = StateStarted
	cv.mu.Unlock()

	out := &StartConversationResponseMsg{
		PublicKey:       cv.server.Identity.PublicKey,
		Challenge:       challenge,
		SelectedVersion: selected,
	}
	return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusOk, Payload: out.Marshal()}
}

func (cv *Conversation) handleVerifyIdentity(req *Envelope) *Envelope {
	var in VerifyIdentityMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusErrorInvalidValue}
	}

	cv.mu.Lock()
	pub := cv.peerPublicKey
	challenge := cv.ourChallenge
	role := cv.conn.Role
	cv.mu.Unlock()

	if pub == nil || !VerifyChallenge(pub, challenge, in.ChallengeSignature) {
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusErrorInvalidSignature}
	}
	id, err := DeriveIdentityID(pub)
	if err != nil {
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusErrorInternal}
	}

	if role == RoleSrNeighbor {
		peer, ok := cv.server.Store.GetPeer(id)
		if !ok {
			// A server we have never heard of can still legitimately dial
			// our SrNeighbor port to become a new follower:
			// nothing registers it ahead of time since the follower
			// relationship is established by this very handshake. Provision
			// a minimal, uninitialized Follower record rather than reject.
			host, _, splitErr := net.SplitHostPort(cv.conn.RemoteID)
			if splitErr != nil {
				host = cv.conn.RemoteID
			}
			peer = PeerRecord{NetworkID: id, Kind: PeerFollower, IPAddress: host}
			cv.server.Store.UpsertPeer(peer)
		}
		cv.mu.Lock()
		cv.peerID = id
		cv.neighborPeer = peer
		cv.hasNeighborPeer = true
		cv.state = StateNeighborAuthenticated
		cv.mu.Unlock()
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusOk}
	}

	cv.mu.Lock()
	cv.peerID = id
	cv.state = StateAuthenticated
	cv.mu.Unlock()
	return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusOk}
}

func errEnvelope(req *Envelope, status StatusCode) *Envelope {
	return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: status}
}

func okEnvelope(req *Envelope) *Envelope { return errEnvelope(req, StatusOk) }

func payloadEnvelope(req *Envelope, status StatusCode, payload []byte) *Envelope {
	return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: status, Payload: payload}
}

func (cv *Conversation) handleCheckIn(req *Envelope) *Envelope {
	var in CheckInMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusErrorInvalidValue}
	}

	cv.mu.Lock()
	peerID := cv.peerID
	cv.mu.Unlock()
	if in.IdentityID != peerID {
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusErrorInvalidValue}
	}

	h, ok := cv.server.Store.GetHostedIdentity(in.IdentityID)
	if !ok || h.Cancelled {
		return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusErrorNotFound}
	}

	cv.server.evictCustomer(in.IdentityID, cv.conn)
	cv.mu.Lock()
	cv.customerID = in.IdentityID
	cv.hasCustomerID = true
	cv.state = StateAuthenticatedCustomer
	cv.mu.Unlock()

	tok := IssueConversationToken(cv.server.Identity.PrivateKey, in.IdentityID, checkInTokenValidity, time.Now())
	out := &CheckInResponseMsg{
		TokenIdentityID:        tok.IdentityID,
		TokenIssuedAtUnixNano:  tok.IssuedAt.UnixNano(),
		TokenExpiresAtUnixNano: tok.ExpiresAt.UnixNano(),
		TokenSignature:         tok.Signature,
	}
	return &Envelope{RequestID: req.RequestID, Kind: req.Kind, IsResponse: true, Status: StatusOk, Payload: out.Marshal()}
}

// checkInTokenValidity bounds how long the conversation token issued with a
// CheckIn response stays presentable to a redirect target.
const checkInTokenValidity = 1 * time.Hour
