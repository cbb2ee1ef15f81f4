package core

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"
)

func newTestConversation(t *testing.T, srv *Server, role Role) *Conversation {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return &Conversation{server: srv, conn: newConnection(role, local, srv.Logger), state: StateFresh}
}

func request(kind MessageKind, payload []byte) *Envelope {
	return &Envelope{RequestID: 1, Kind: kind, Payload: payload}
}

// authenticate drives StartConversation + VerifyIdentity for a client
// keypair and returns the derived identity id.
func authenticate(t *testing.T, cv *Conversation, pub ed25519.PublicKey, priv ed25519.PrivateKey) IdentityID {
	t.Helper()
	resp := cv.dispatch(request(KindStartConversation, (&StartConversationMsg{PublicKey: pub, SupportedVersions: []uint32{1}}).Marshal()))
	if resp.Status != StatusOk {
		t.Fatalf("start conversation: %v", resp.Status)
	}
	var started StartConversationResponseMsg
	if err := started.Unmarshal(resp.Payload); err != nil {
		t.Fatalf("unmarshal start response: %v", err)
	}
	if len(started.Challenge) != 32 {
		t.Fatalf("expected 32-byte challenge, got %d", len(started.Challenge))
	}

	sig := SignChallenge(priv, started.Challenge)
	resp = cv.dispatch(request(KindVerifyIdentity, (&VerifyIdentityMsg{PublicKey: pub, ChallengeSignature: sig}).Marshal()))
	if resp.Status != StatusOk {
		t.Fatalf("verify identity: %v", resp.Status)
	}
	id, err := DeriveIdentityID(pub)
	if err != nil {
		t.Fatalf("derive id: %v", err)
	}
	return id
}

// checkIn drives HostingRegister + CheckIn for an authenticated customer.
func checkIn(t *testing.T, cv *Conversation, id IdentityID) {
	t.Helper()
	if resp := cv.dispatch(request(KindHostingRegister, (&HostingRegisterMsg{}).Marshal())); resp.Status != StatusOk {
		t.Fatalf("hosting register: %v", resp.Status)
	}
	if resp := cv.dispatch(request(KindCheckIn, (&CheckInMsg{IdentityID: id}).Marshal())); resp.Status != StatusOk {
		t.Fatalf("check in: %v", resp.Status)
	}
}

func TestDispatchRoleAndStateGating(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name  string
		role  Role
		state ConvState
		kind  MessageKind
		want  StatusCode
	}{
		{"ping allowed fresh", RolePrimary, StateFresh, KindPing, StatusOk},
		{"list roles allowed fresh", RolePrimary, StateFresh, KindListRoles, StatusOk},
		{"start conversation bad role on primary", RolePrimary, StateFresh, KindStartConversation, StatusErrorBadRole},
		{"update profile bad role on non-customer", RoleNonCustomerClient, StateAuthenticated, KindUpdateProfile, StatusErrorBadRole},
		{"search bad role on neighbor", RoleSrNeighbor, StateNeighborAuthenticated, KindSearch, StatusErrorBadRole},
		{"search before authentication", RoleCustomerClient, StateFresh, KindSearch, StatusErrorBadConversationState},
		{"check in before verify", RoleCustomerClient, StateStarted, KindCheckIn, StatusErrorBadConversationState},
		{"neighborhood push before verify", RoleSrNeighbor, StateStarted, KindNeighborhoodUpdatePush, StatusErrorBadConversationState},
		{"unknown kind", RoleCustomerClient, StateFresh, kindLast + 1, StatusErrorUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cv := newTestConversation(t, srv, tc.role)
			cv.state = tc.state
			resp := cv.dispatch(request(tc.kind, nil))
			if resp == nil || resp.Status != tc.want {
				t.Fatalf("got %+v, want status %v", resp, tc.want)
			}
		})
	}
}

func TestListRolesReportsPorts(t *testing.T) {
	srv := newTestServer(t)
	srv.OwnPrimaryPort = 5876
	srv.OwnNonCustomerPort = 5877
	srv.OwnCustomerPort = 5878
	srv.OwnSrNeighborPort = 5879

	cv := newTestConversation(t, srv, RolePrimary)
	resp := cv.dispatch(request(KindListRoles, nil))
	if resp.Status != StatusOk {
		t.Fatalf("list roles: %v", resp.Status)
	}
	var out ListRolesResponseMsg
	if err := out.Unmarshal(resp.Payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Roles) != 4 {
		t.Fatalf("expected 4 roles, got %d", len(out.Roles))
	}
	wantPorts := map[string]uint32{
		"primary":             5876,
		"non-customer-client": 5877,
		"customer-client":     5878,
		"sr-neighbor":         5879,
	}
	for _, r := range out.Roles {
		if wantPorts[r.Role] != r.Port {
			t.Fatalf("role %s: got port %d want %d", r.Role, r.Port, wantPorts[r.Role])
		}
	}
}

// signedUpdate builds an UpdateProfileMsg for the given delta and signs the
// resulting candidate profile with the identity's key.
func signedUpdate(priv ed25519.PrivateKey, candidate Profile, msg *UpdateProfileMsg) *UpdateProfileMsg {
	msg.Signature = SignProfile(priv, canonicalProfileEncoding(candidate))
	return msg
}

func TestUpdateProfileInitAndUpdate(t *testing.T) {
	srv := newTestServer(t)
	cv := newTestConversation(t, srv, RoleCustomerClient)
	pub, priv, _ := GenerateKeypair()
	id := authenticate(t, cv, pub, priv)
	checkIn(t, cv, id)

	loc := Location{Latitude: 48.8566, Longitude: 2.3522}
	candidate := Profile{
		IdentityID: id,
		PublicKey:  pub,
		Version:    Version{1, 0, 0},
		Name:       "alice",
		Type:       "person",
		Location:   loc,
	}
	msg := signedUpdate(priv, candidate, &UpdateProfileMsg{
		HasVersion: true, Version: Version{1, 0, 0},
		HasName: true, Name: "alice",
		HasType: true, Type: "person",
		HasLocation: true, Location: loc,
	})
	if resp := cv.dispatch(request(KindUpdateProfile, msg.Marshal())); resp.Status != StatusOk {
		t.Fatalf("initial update: %v", resp.Status)
	}

	h, ok := srv.Store.GetHostedIdentity(id)
	if !ok || !h.Initialized || h.Name != "alice" {
		t.Fatalf("expected initialized identity named alice, got %+v", h)
	}

	// Partial delta: rename only.
	candidate.Name = "bob"
	msg = signedUpdate(priv, candidate, &UpdateProfileMsg{HasName: true, Name: "bob"})
	if resp := cv.dispatch(request(KindUpdateProfile, msg.Marshal())); resp.Status != StatusOk {
		t.Fatalf("rename update: %v", resp.Status)
	}

	resp := cv.dispatch(request(KindGetProfileInformation, (&GetProfileInformationMsg{IdentityID: id}).Marshal()))
	if resp.Status != StatusOk {
		t.Fatalf("get profile: %v", resp.Status)
	}
	var info GetProfileInformationResponseMsg
	if err := info.Unmarshal(resp.Payload); err != nil {
		t.Fatalf("unmarshal profile info: %v", err)
	}
	decoded, err := decodeCanonicalProfile(info.ProfileBytes)
	if err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if decoded.Name != "bob" {
		t.Fatalf("expected name bob after update, got %q", decoded.Name)
	}
	if !info.Hosted {
		t.Fatalf("expected hosted flag set for live identity")
	}
}

func TestUpdateProfileTamperedSignatureLeavesStateUntouched(t *testing.T) {
	srv := newTestServer(t)
	cv := newTestConversation(t, srv, RoleCustomerClient)
	pub, priv, _ := GenerateKeypair()
	id := authenticate(t, cv, pub, priv)
	checkIn(t, cv, id)

	candidate := Profile{
		IdentityID: id,
		PublicKey:  pub,
		Version:    Version{1, 0, 0},
		Name:       "alice",
		Type:       "person",
	}
	msg := signedUpdate(priv, candidate, &UpdateProfileMsg{
		HasVersion: true, Version: Version{1, 0, 0},
		HasName: true, Name: "alice",
		HasType: true, Type: "person",
		HasLocation: true,
	})
	if resp := cv.dispatch(request(KindUpdateProfile, msg.Marshal())); resp.Status != StatusOk {
		t.Fatalf("initial update: %v", resp.Status)
	}

	candidate.Name = "mallory"
	msg = signedUpdate(priv, candidate, &UpdateProfileMsg{HasName: true, Name: "mallory"})
	msg.Signature[0] ^= 0x01
	if resp := cv.dispatch(request(KindUpdateProfile, msg.Marshal())); resp.Status != StatusErrorInvalidSignature {
		t.Fatalf("expected ErrorInvalidSignature, got %v", resp.Status)
	}

	h, _ := srv.Store.GetHostedIdentity(id)
	if h.Name != "alice" {
		t.Fatalf("expected stored name alice after rejected update, got %q", h.Name)
	}
}

func TestUpdateProfileFirstInitRequiresFullProfile(t *testing.T) {
	srv := newTestServer(t)
	cv := newTestConversation(t, srv, RoleCustomerClient)
	pub, priv, _ := GenerateKeypair()
	id := authenticate(t, cv, pub, priv)
	checkIn(t, cv, id)

	// Missing type and location on first init.
	candidate := Profile{IdentityID: id, PublicKey: pub, Version: Version{1, 0, 0}, Name: "alice"}
	msg := signedUpdate(priv, candidate, &UpdateProfileMsg{
		HasVersion: true, Version: Version{1, 0, 0},
		HasName: true, Name: "alice",
	})
	if resp := cv.dispatch(request(KindUpdateProfile, msg.Marshal())); resp.Status != StatusErrorInvalidValue {
		t.Fatalf("expected ErrorInvalidValue, got %v", resp.Status)
	}
	h, _ := srv.Store.GetHostedIdentity(id)
	if h.Initialized {
		t.Fatalf("expected identity to remain uninitialized after rejected init")
	}
}

func TestUpdateProfileRejectsOutOfBoundsFields(t *testing.T) {
	srv := newTestServer(t)
	cv := newTestConversation(t, srv, RoleCustomerClient)
	pub, priv, _ := GenerateKeypair()
	id := authenticate(t, cv, pub, priv)
	checkIn(t, cv, id)

	longName := make([]byte, maxProfileNameBytes+1)
	for i := range longName {
		longName[i] = 'a'
	}
	longExtra := make([]byte, maxProfileExtraDataBytes+1)

	cases := []struct {
		name string
		msg  *UpdateProfileMsg
	}{
		{"oversize name", &UpdateProfileMsg{
			HasVersion: true, Version: Version{1, 0, 0},
			HasName: true, Name: string(longName),
			HasType: true, Type: "person",
			HasLocation: true,
		}},
		{"oversize extra data", &UpdateProfileMsg{
			HasVersion: true, Version: Version{1, 0, 0},
			HasName: true, Name: "alice",
			HasType: true, Type: "person",
			HasExtraData: true, ExtraData: longExtra,
			HasLocation: true,
		}},
		{"zero version on init", &UpdateProfileMsg{
			HasVersion: true,
			HasName:    true, Name: "alice",
			HasType: true, Type: "person",
			HasLocation: true,
		}},
		{"latitude out of range", &UpdateProfileMsg{
			HasVersion: true, Version: Version{1, 0, 0},
			HasName: true, Name: "alice",
			HasType: true, Type: "person",
			HasLocation: true, Location: Location{Latitude: 91},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			candidate := Profile{
				IdentityID: id,
				PublicKey:  pub,
				Version:    tc.msg.Version,
				Name:       tc.msg.Name,
				Type:       tc.msg.Type,
				ExtraData:  tc.msg.ExtraData,
				Location:   tc.msg.Location,
			}
			msg := signedUpdate(priv, candidate, tc.msg)
			if resp := cv.dispatch(request(KindUpdateProfile, msg.Marshal())); resp.Status != StatusErrorInvalidValue {
				t.Fatalf("expected ErrorInvalidValue, got %v", resp.Status)
			}
		})
	}

	h, _ := srv.Store.GetHostedIdentity(id)
	if h.Initialized {
		t.Fatalf("expected identity to remain uninitialized after rejected updates")
	}
}

func TestCheckInEvictsPreviousCustomerConnection(t *testing.T) {
	srv := newTestServer(t)
	pub, priv, _ := GenerateKeypair()

	cv1 := newTestConversation(t, srv, RoleCustomerClient)
	id := authenticate(t, cv1, pub, priv)
	checkIn(t, cv1, id)

	cv2 := newTestConversation(t, srv, RoleCustomerClient)
	authenticate(t, cv2, pub, priv)
	if resp := cv2.dispatch(request(KindCheckIn, (&CheckInMsg{IdentityID: id}).Marshal())); resp.Status != StatusOk {
		t.Fatalf("second check in: %v", resp.Status)
	}

	if !cv1.conn.evicted.Load() {
		t.Fatalf("expected first connection marked evicted after second check in")
	}
}

func TestEvictedConnectionGetsFinalResponseThenClose(t *testing.T) {
	srv := newTestServer(t)
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	conn := newConnection(RoleCustomerClient, local, srv.Logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.HandleConnection(context.Background(), conn)
		local.Close()
	}()

	conn.evicted.Store(true)

	req := Envelope{RequestID: 7, Kind: KindPing}
	if err := WriteFrame(remote, req.Marshal()); err != nil {
		t.Fatalf("write request: %v", err)
	}
	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	raw, err := ReadFrame(remote)
	if err != nil {
		t.Fatalf("read final response: %v", err)
	}
	var resp Envelope
	if err := resp.Unmarshal(raw); err != nil {
		t.Fatalf("unmarshal final response: %v", err)
	}
	if resp.RequestID != 7 || resp.Status != StatusErrorBadConversationState {
		t.Fatalf("expected ErrorBadConversationState echoing request id, got %+v", resp)
	}

	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := ReadFrame(remote); err == nil {
		t.Fatalf("expected socket closed after final response")
	}
	<-done
}

func TestCheckInIssuesVerifiableToken(t *testing.T) {
	srv := newTestServer(t)
	cv := newTestConversation(t, srv, RoleCustomerClient)
	pub, priv, _ := GenerateKeypair()
	id := authenticate(t, cv, pub, priv)

	if resp := cv.dispatch(request(KindHostingRegister, nil)); resp.Status != StatusOk {
		t.Fatalf("hosting register: %v", resp.Status)
	}
	resp := cv.dispatch(request(KindCheckIn, (&CheckInMsg{IdentityID: id}).Marshal()))
	if resp.Status != StatusOk {
		t.Fatalf("check in: %v", resp.Status)
	}
	var out CheckInResponseMsg
	if err := out.Unmarshal(resp.Payload); err != nil {
		t.Fatalf("unmarshal check-in response: %v", err)
	}
	tok := ConversationToken{
		IdentityID: out.TokenIdentityID,
		IssuedAt:   time.Unix(0, out.TokenIssuedAtUnixNano),
		ExpiresAt:  time.Unix(0, out.TokenExpiresAtUnixNano),
		Signature:  out.TokenSignature,
	}
	if !VerifyConversationToken(srv.Identity.PublicKey, tok, time.Now()) {
		t.Fatalf("expected issued token to verify under server key")
	}
}

func TestCancelHostingRedirects(t *testing.T) {
	srv := newTestServer(t)
	cv := newTestConversation(t, srv, RoleCustomerClient)
	pub, priv, _ := GenerateKeypair()
	id := authenticate(t, cv, pub, priv)
	checkIn(t, cv, id)

	candidate := Profile{IdentityID: id, PublicKey: pub, Version: Version{1, 0, 0}, Name: "alice", Type: "person"}
	msg := signedUpdate(priv, candidate, &UpdateProfileMsg{
		HasVersion: true, Version: Version{1, 0, 0},
		HasName: true, Name: "alice",
		HasType: true, Type: "person",
		HasLocation: true,
	})
	if resp := cv.dispatch(request(KindUpdateProfile, msg.Marshal())); resp.Status != StatusOk {
		t.Fatalf("init: %v", resp.Status)
	}

	var target IdentityID
	target[0] = 0x42
	if resp := cv.dispatch(request(KindCancelHosting, (&CancelHostingMsg{NewHostingServerID: target}).Marshal())); resp.Status != StatusOk {
		t.Fatalf("cancel hosting: %v", resp.Status)
	}

	h, _ := srv.Store.GetHostedIdentity(id)
	if !h.Cancelled || h.ExpirationDate == nil {
		t.Fatalf("expected cancelled identity with expiration date, got %+v", h)
	}

	resp := cv.dispatch(request(KindGetProfileInformation, (&GetProfileInformationMsg{IdentityID: id}).Marshal()))
	if resp.Status != StatusOk {
		t.Fatalf("get profile after cancel: %v", resp.Status)
	}
	var info GetProfileInformationResponseMsg
	if err := info.Unmarshal(resp.Payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.Hosted {
		t.Fatalf("expected hosted=false for moved identity")
	}
	if info.HostingServerID != target {
		t.Fatalf("expected redirect to %x, got %x", target, info.HostingServerID)
	}
}

func TestGetProfileInformationUninitialized(t *testing.T) {
	srv := newTestServer(t)
	cv := newTestConversation(t, srv, RoleCustomerClient)
	pub, priv, _ := GenerateKeypair()
	id := authenticate(t, cv, pub, priv)
	checkIn(t, cv, id)

	resp := cv.dispatch(request(KindGetProfileInformation, (&GetProfileInformationMsg{IdentityID: id}).Marshal()))
	if resp.Status != StatusErrorUninitialized {
		t.Fatalf("expected ErrorUninitialized for reserved-but-uninitialized identity, got %v", resp.Status)
	}
}
