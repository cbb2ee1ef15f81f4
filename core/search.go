package core

// search.go – the combined local + neighbor search engine: regex and
// location predicates over hosted and mirrored profiles, a haversine
// great-circle radius filter, and opaque continuation tokens for results
// past the inline response cap.

import (
	"errors"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidSearchRegex = errors.New("invalid search regex")

const (
	searchMaxResults         = 1000
	searchMaxResponseRecords = 100
	regexPerMatchTimeout     = 100 * time.Millisecond
	searchAggregateBudget    = 1 * time.Second
	continuationTTL          = 5 * time.Minute
)

// searchContinuation is the server-side remainder of a truncated search
// response, fetched later by its opaque token.
type searchContinuation struct {
	profiles  []Profile
	expiresAt time.Time
}

const earthRadiusMeters = 6371000.0

// haversineMeters is the great-circle distance between two decimal-degree
// coordinates on a sphere of earthRadiusMeters.
func haversineMeters(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)
	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

func compileOptionalRegex(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

// matchWithTimeout bounds a single regex match to regexPerMatchTimeout
// . A pathological pattern's goroutine is abandoned
// rather than killed — regexp has no cancellation primitive — and the row
// is treated as non-matching; the request continues as if the regex did not
// match further rows.
func matchWithTimeout(re *regexp.Regexp, s string) bool {
	result := make(chan bool, 1)
	go func() { result <- re.MatchString(s) }()
	select {
	case r := <-result:
		return r
	case <-time.After(regexPerMatchTimeout):
		return false
	}
}

func clampResultCap(v uint32, max uint32) uint32 {
	if v == 0 || v > max {
		return max
	}
	return v
}

// Search is the engine entry point: candidate gathering, regex/location filtering under
// a timeout budget, result-cap truncation, and continuation-token issuance.
func (s *Server) Search(msg *SearchMsg) (*SearchResponseMsg, error) {
	typeRe, err := compileOptionalRegex(msg.TypeRegex)
	if err != nil {
		return nil, ErrInvalidSearchRegex
	}
	nameRe, err := compileOptionalRegex(msg.NameRegex)
	if err != nil {
		return nil, ErrInvalidSearchRegex
	}
	extraRe, err := compileOptionalRegex(msg.ExtraDataRegex)
	if err != nil {
		return nil, ErrInvalidSearchRegex
	}

	maxResults := clampResultCap(msg.MaxResults, searchMaxResults)
	maxResponse := clampResultCap(msg.MaxResponseRecords, searchMaxResponseRecords)

	candidates := s.Store.ListInitializedHostedProfiles()
	if !msg.IncludeHostedOnly {
		candidates = append(candidates, s.Store.ListNeighborProfiles(time.Now())...)
	}

	hasRegex := typeRe != nil || nameRe != nil || extraRe != nil
	deadline := time.Now().Add(searchAggregateBudget)

	matched := make([]Profile, 0, maxResults)
	for _, p := range candidates {
		if uint32(len(matched)) >= maxResults {
			break
		}
		if hasRegex && time.Now().After(deadline) {
			// aggregate regex budget exhausted:
			// stop evaluating regex-filtered candidates entirely rather
			// than risk the request hanging.
			break
		}

		if msg.HasLocation && msg.RadiusMeters > 0 {
			if haversineMeters(msg.Location, p.Location) > msg.RadiusMeters {
				continue
			}
		}
		if typeRe != nil && !matchWithTimeout(typeRe, p.Type) {
			continue
		}
		if nameRe != nil && !matchWithTimeout(nameRe, p.Name) {
			continue
		}
		if extraRe != nil && !matchWithTimeout(extraRe, string(p.ExtraData)) {
			continue
		}
		matched = append(matched, p)
	}

	resp := &SearchResponseMsg{TotalMatched: uint32(len(matched))}
	inline := matched
	if uint32(len(matched)) > maxResponse {
		inline = matched[:maxResponse]
		rest := append([]Profile(nil), matched[maxResponse:]...)
		token := uuid.NewString()
		s.storeContinuation(token, rest)
		resp.ContinuationTokens = append(resp.ContinuationTokens, token)
	}

	for _, p := range inline {
		pw := profileToWire(p)
		if msg.IncludeImages && len(p.ProfileImageHash) > 0 {
			if data, err := s.Images.Get(p.ProfileImageHash); err == nil {
				pw.ImageBytes = data
			}
		}
		resp.Profiles = append(resp.Profiles, pw)
	}
	return resp, nil
}

func (s *Server) storeContinuation(token string, profiles []Profile) {
	s.continuationMu.Lock()
	defer s.continuationMu.Unlock()
	now := time.Now()
	for k, v := range s.continuations {
		if v.expiresAt.Before(now) {
			delete(s.continuations, k)
		}
	}
	s.continuations[token] = searchContinuation{profiles: profiles, expiresAt: now.Add(continuationTTL)}
}

// FetchContinuation returns up to maxResponse profiles queued under token
// by a prior truncated Search response.
func (s *Server) FetchContinuation(token string, maxResponse uint32) (*SearchResponseMsg, bool) {
	maxResponse = clampResultCap(maxResponse, searchMaxResponseRecords)
	s.continuationMu.Lock()
	defer s.continuationMu.Unlock()
	cont, ok := s.continuations[token]
	if !ok || cont.expiresAt.Before(time.Now()) {
		delete(s.continuations, token)
		return nil, false
	}

	resp := &SearchResponseMsg{TotalMatched: uint32(len(cont.profiles))}
	inline := cont.profiles
	if uint32(len(inline)) > maxResponse {
		inline = cont.profiles[:maxResponse]
		rest := cont.profiles[maxResponse:]
		s.continuations[token] = searchContinuation{profiles: rest, expiresAt: cont.expiresAt}
		resp.ContinuationTokens = append(resp.ContinuationTokens, token)
	} else {
		delete(s.continuations, token)
	}
	for _, p := range inline {
		resp.Profiles = append(resp.Profiles, profileToWire(p))
	}
	return resp, true
}

func (cv *Conversation) handleSearch(req *Envelope) *Envelope {
	var in SearchMsg
	if err := in.Unmarshal(req.Payload); err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}
	resp, err := cv.server.Search(&in)
	if err != nil {
		return errEnvelope(req, StatusErrorInvalidValue)
	}
	return payloadEnvelope(req, StatusOk, resp.Marshal())
}

func (cv *Conversation) handleSearchContinuation(req *Envelope) *Envelope {
	var in SearchContinuationMsg
	if err := in.Unmarshal(req.Payload); err != nil || in.Token == "" {
		return errEnvelope(req, StatusErrorInvalidValue)
	}
	resp, ok := cv.server.FetchContinuation(in.Token, in.MaxResponseRecords)
	if !ok {
		return errEnvelope(req, StatusErrorNotFound)
	}
	return payloadEnvelope(req, StatusOk, resp.Marshal())
}
