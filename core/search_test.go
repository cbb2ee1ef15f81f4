package core

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func TestHaversineSymmetryAndIdentity(t *testing.T) {
	paris := Location{Latitude: 48.8566, Longitude: 2.3522}
	london := Location{Latitude: 51.5074, Longitude: -0.1278}

	ab := haversineMeters(paris, london)
	ba := haversineMeters(london, paris)
	if math.Abs(ab-ba) > 10 {
		t.Fatalf("expected symmetric distance, got %f vs %f", ab, ba)
	}
	if d := haversineMeters(paris, paris); d >= 10 {
		t.Fatalf("expected near-zero self distance, got %f", d)
	}
	// Paris-London great-circle distance is roughly 344 km.
	if ab < 330_000 || ab > 360_000 {
		t.Fatalf("Paris-London distance out of range: %f", ab)
	}
}

func seedHostedProfiles(srv *Server, n int, name func(int) string, loc func(int) Location) {
	for i := 0; i < n; i++ {
		var id IdentityID
		id[0], id[1] = byte(i>>8), byte(i)
		h, _ := srv.Store.ReserveHostedIdentity(id, []byte(fmt.Sprintf("pub-%d", i)), 1<<20)
		h.Name = name(i)
		h.Type = "person"
		h.Location = loc(i)
		h.Initialized = true
	}
}

func TestSearchNameRegexAndLocationFilter(t *testing.T) {
	srv := newTestServer(t)
	paris := Location{Latitude: 48.8566, Longitude: 2.3522}
	berlin := Location{Latitude: 52.52, Longitude: 13.405}
	seedHostedProfiles(srv, 10, func(i int) string {
		if i%2 == 0 {
			return fmt.Sprintf("alice-%d", i)
		}
		return fmt.Sprintf("bob-%d", i)
	}, func(i int) Location {
		if i < 5 {
			return paris
		}
		return berlin
	})

	resp, err := srv.Search(&SearchMsg{NameRegex: "^alice-", IncludeHostedOnly: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.TotalMatched != 5 {
		t.Fatalf("expected 5 alice matches, got %d", resp.TotalMatched)
	}

	resp, err = srv.Search(&SearchMsg{HasLocation: true, Location: paris, RadiusMeters: 50_000, IncludeHostedOnly: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.TotalMatched != 5 {
		t.Fatalf("expected 5 profiles near Paris, got %d", resp.TotalMatched)
	}
}

func TestSearchInvalidRegexRejected(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.Search(&SearchMsg{NameRegex: "("}); err != ErrInvalidSearchRegex {
		t.Fatalf("expected ErrInvalidSearchRegex, got %v", err)
	}
}

func TestSearchContinuationPagination(t *testing.T) {
	srv := newTestServer(t)
	seedHostedProfiles(srv, 12, func(i int) string { return fmt.Sprintf("n-%d", i) }, func(int) Location { return Location{} })

	resp, err := srv.Search(&SearchMsg{IncludeHostedOnly: true, MaxResponseRecords: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Profiles) != 5 {
		t.Fatalf("expected 5 inline profiles, got %d", len(resp.Profiles))
	}
	if len(resp.ContinuationTokens) != 1 {
		t.Fatalf("expected one continuation token, got %d", len(resp.ContinuationTokens))
	}
	token := resp.ContinuationTokens[0]

	page2, ok := srv.FetchContinuation(token, 5)
	if !ok || len(page2.Profiles) != 5 {
		t.Fatalf("expected 5 profiles on page 2, got ok=%v n=%d", ok, len(page2.Profiles))
	}
	if len(page2.ContinuationTokens) != 1 || page2.ContinuationTokens[0] != token {
		t.Fatalf("expected token carried while results remain")
	}

	page3, ok := srv.FetchContinuation(token, 5)
	if !ok || len(page3.Profiles) != 2 {
		t.Fatalf("expected final 2 profiles, got ok=%v n=%d", ok, len(page3.Profiles))
	}
	if len(page3.ContinuationTokens) != 0 {
		t.Fatalf("expected no token on exhausted continuation")
	}

	if _, ok := srv.FetchContinuation(token, 5); ok {
		t.Fatalf("expected token invalid after exhaustion")
	}
}

func TestSearchContinuationViaWire(t *testing.T) {
	srv := newTestServer(t)
	seedHostedProfiles(srv, 7, func(i int) string { return fmt.Sprintf("n-%d", i) }, func(int) Location { return Location{} })

	cv := newTestConversation(t, srv, RoleNonCustomerClient)
	cv.state = StateAuthenticated

	resp := cv.dispatch(request(KindSearch, (&SearchMsg{IncludeHostedOnly: true, MaxResponseRecords: 4}).Marshal()))
	if resp.Status != StatusOk {
		t.Fatalf("search: %v", resp.Status)
	}
	var out SearchResponseMsg
	if err := out.Unmarshal(resp.Payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.ContinuationTokens) != 1 {
		t.Fatalf("expected continuation token, got %d", len(out.ContinuationTokens))
	}

	resp = cv.dispatch(request(KindSearchContinuation, (&SearchContinuationMsg{Token: out.ContinuationTokens[0], MaxResponseRecords: 4}).Marshal()))
	if resp.Status != StatusOk {
		t.Fatalf("continuation: %v", resp.Status)
	}
	var page2 SearchResponseMsg
	if err := page2.Unmarshal(resp.Payload); err != nil {
		t.Fatalf("unmarshal page 2: %v", err)
	}
	if len(page2.Profiles) != 3 {
		t.Fatalf("expected 3 remaining profiles, got %d", len(page2.Profiles))
	}

	resp = cv.dispatch(request(KindSearchContinuation, (&SearchContinuationMsg{Token: "no-such-token"}).Marshal()))
	if resp.Status != StatusErrorNotFound {
		t.Fatalf("expected ErrorNotFound for unknown token, got %v", resp.Status)
	}
}

func TestSearchIncludesNeighborProfiles(t *testing.T) {
	srv := newTestServer(t)
	var neighbor IdentityID
	neighbor[0] = 0x77
	srv.Store.UpsertPeer(PeerRecord{
		NetworkID:              neighbor,
		Kind:                   PeerNeighbor,
		Initialized:            true,
		LastRefreshTime:        time.Now(),
		NeighborhoodExpiration: time.Hour,
	})
	var pid IdentityID
	pid[0] = 0x78
	srv.Store.UpsertNeighborIdentity(Profile{IdentityID: pid, Name: "remote", HostingServerID: neighbor})

	resp, err := srv.Search(&SearchMsg{NameRegex: "^remote$"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.TotalMatched != 1 {
		t.Fatalf("expected mirrored profile in combined search, got %d", resp.TotalMatched)
	}

	resp, err = srv.Search(&SearchMsg{NameRegex: "^remote$", IncludeHostedOnly: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.TotalMatched != 0 {
		t.Fatalf("expected hosted-only search to exclude mirrored profiles, got %d", resp.TotalMatched)
	}
}
