package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// OAuthSession is the session store's record for a token already exchanged
// against the OIDC issuer: the raw token plus whatever claims the
// (out-of-module) OIDC client decoded from it.
type OAuthSession struct {
	OIDCToken  string
	UserClaims map[string]string
	ExpiresAt  time.Time
}

// WebFlowSession tracks one in-flight browser authorization-code exchange.
type WebFlowSession struct {
	CSRF             string
	PKCEVerifier     string
	RedirectURL      string
	FrontendCallback string
	ExpiresAt        time.Time
}

// DeviceFlowSession tracks one in-flight device-code poll per spec §8
// Scenario F.
type DeviceFlowSession struct {
	DeviceCode       string
	UserCode         string
	VerificationURI  string
	ExpiresAt        time.Time
	// Token is populated once the upstream device grant succeeds; a poll
	// against a session with an empty Token returns authorization_pending.
	Token string
}

// SessionStore holds the three one-shot session kinds named in spec §3, all
// expired and removed by the same cleanup sweep. Each kind lives in its own
// map so Create/Consume is O(1) and independent of the other two.
//
// Grounded on internal/ratelimit's per-tier map-behind-a-mutex shape,
// generalized here from rate-limiter entries to one-shot auth handshake
// state with the same idle-eviction sweep.
type SessionStore struct {
	mu sync.Mutex

	oauth      map[string]OAuthSession
	webFlow    map[string]WebFlowSession
	deviceFlow map[string]DeviceFlowSession
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		oauth:      make(map[string]OAuthSession),
		webFlow:    make(map[string]WebFlowSession),
		deviceFlow: make(map[string]DeviceFlowSession),
	}
}

// PutOAuthSession stores session under a fresh id and returns it.
func (s *SessionStore) PutOAuthSession(session OAuthSession) string {
	id := uuid.NewString()

	s.mu.Lock()
	s.oauth[id] = session
	s.mu.Unlock()

	return id
}

// ConsumeOAuthSession removes and returns the session for id, if present and
// unexpired. One-shot: a second call for the same id returns ok=false.
func (s *SessionStore) ConsumeOAuthSession(id string) (OAuthSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.oauth[id]
	delete(s.oauth, id)

	if !ok || time.Now().After(session.ExpiresAt) {
		return OAuthSession{}, false
	}

	return session, true
}

// PutWebFlowSession stores session under a fresh id and returns it.
func (s *SessionStore) PutWebFlowSession(session WebFlowSession) string {
	id := uuid.NewString()

	s.mu.Lock()
	s.webFlow[id] = session
	s.mu.Unlock()

	return id
}

// ConsumeWebFlowSession removes and returns the session for id.
func (s *SessionStore) ConsumeWebFlowSession(id string) (WebFlowSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.webFlow[id]
	delete(s.webFlow, id)

	if !ok || time.Now().After(session.ExpiresAt) {
		return WebFlowSession{}, false
	}

	return session, true
}

// PutDeviceFlowSession stores session under a fresh id and returns it.
func (s *SessionStore) PutDeviceFlowSession(session DeviceFlowSession) string {
	id := uuid.NewString()

	s.mu.Lock()
	s.deviceFlow[id] = session
	s.mu.Unlock()

	return id
}

// LookupDeviceFlowSession returns session for id without consuming it, used
// by repeated polling before the upstream grant completes.
func (s *SessionStore) LookupDeviceFlowSession(id string) (DeviceFlowSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.deviceFlow[id]
	if !ok || time.Now().After(session.ExpiresAt) {
		return DeviceFlowSession{}, false
	}

	return session, true
}

// CompleteDeviceFlowSession stamps id's session with the token obtained from
// the upstream grant, making subsequent polls succeed.
func (s *SessionStore) CompleteDeviceFlowSession(id, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.deviceFlow[id]
	if !ok {
		return false
	}

	session.Token = token
	s.deviceFlow[id] = session

	return true
}

// ConsumeDeviceFlowSession removes and returns id's session once its token
// has been claimed by a caller.
func (s *SessionStore) ConsumeDeviceFlowSession(id string) (DeviceFlowSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.deviceFlow[id]
	delete(s.deviceFlow, id)

	if !ok || time.Now().After(session.ExpiresAt) {
		return DeviceFlowSession{}, false
	}

	return session, true
}

// Cleanup drops every expired session across all three maps, called
// periodically alongside the scheduler's other sweeps.
func (s *SessionStore) Cleanup() int {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, session := range s.oauth {
		if now.After(session.ExpiresAt) {
			delete(s.oauth, id)
			removed++
		}
	}

	for id, session := range s.webFlow {
		if now.After(session.ExpiresAt) {
			delete(s.webFlow, id)
			removed++
		}
	}

	for id, session := range s.deviceFlow {
		if now.After(session.ExpiresAt) {
			delete(s.deviceFlow, id)
			removed++
		}
	}

	return removed
}
