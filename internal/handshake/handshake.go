// Package handshake implements the two-phase challenge-response
// HandshakeProtocol agents use to establish a shared session, layered on
// Sentinel for signing and verification.
package handshake

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aegis-mesh/core/internal/agentregistry"
	"github.com/aegis-mesh/core/internal/cryptoprimitives"
	"github.com/aegis-mesh/core/internal/sentinel"
	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/logger"
)

const freshnessWindow = 5 * time.Minute

// InitiateRequest is produced by Initiate and presented to the target's
// Process call over whatever transport the caller chooses.
type InitiateRequest struct {
	Initiator    string
	Target       string
	InitiatorDID string
	TargetDID    string
	Challenge    []byte
	Signature    *cryptoprimitives.Signature
	Timestamp    time.Time
	Metadata     map[string]interface{}
}

// ProcessResult is the target's response to a processed InitiateRequest.
// Success is false for every validation failure; none of Process's checks
// panic or return an error for a malformed handshake, only a typed message.
type ProcessResult struct {
	Success           bool
	Message           string
	SessionID         string
	ChallengeResponse []byte
	Signature         *cryptoprimitives.Signature
	TargetDID         string
}

// Session is a trusted handshake outcome.
type Session struct {
	ID           string
	Initiator    string
	Target       string
	SharedSecret []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (s *Session) valid(now time.Time, callerID string) bool {
	if now.After(s.ExpiresAt) {
		return false
	}
	return callerID == s.Initiator || callerID == s.Target
}

type pendingChallenge struct {
	challenge []byte
	targetDID string
	createdAt time.Time
}

// Protocol is the HandshakeProtocol component.
type Protocol struct {
	mu       sync.Mutex
	pending  map[string]*pendingChallenge
	sessions map[string]*Session

	sentinel       *sentinel.Sentinel
	registry       *agentregistry.Registry
	sessionTimeout time.Duration
	guard          *replayGuard
	log            *logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Protocol. sessionTimeout governs how long an established
// session remains valid.
func New(sec *sentinel.Sentinel, registry *agentregistry.Registry, sessionTimeout time.Duration, log *logger.Logger) *Protocol {
	if log == nil {
		log = logger.NewDefault("handshake")
	}
	if sessionTimeout <= 0 {
		sessionTimeout = time.Hour
	}
	return &Protocol{
		pending:        make(map[string]*pendingChallenge),
		sessions:       make(map[string]*Session),
		sentinel:       sec,
		registry:       registry,
		sessionTimeout: sessionTimeout,
		guard:          newReplayGuard(freshnessWindow, 10000, log),
		log:            log,
		stop:           make(chan struct{}),
	}
}

func pendingKey(initiator, target string) string {
	return initiator + "->" + target
}

// Initiate generates a fresh challenge, signs it with the initiator's key
// and returns the request the caller hands to the target's Process method.
func (p *Protocol) Initiate(initiator, target, initiatorDID, targetDID string, metadata map[string]interface{}) (*InitiateRequest, error) {
	challenge, err := cryptoprimitives.RandomNonce()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	message := buildSignedMessage(challenge, targetDID, now)
	sig, err := p.sentinel.Sign(message, initiator)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.pending[pendingKey(initiator, target)] = &pendingChallenge{challenge: challenge, targetDID: targetDID, createdAt: now}
	p.mu.Unlock()

	return &InitiateRequest{
		Initiator: initiator, Target: target,
		InitiatorDID: initiatorDID, TargetDID: targetDID,
		Challenge: challenge, Signature: sig, Timestamp: now, Metadata: metadata,
	}, nil
}

// Process validates req on the target side and, if accepted, establishes a
// new session.
func (p *Protocol) Process(req *InitiateRequest) ProcessResult {
	now := time.Now().UTC()

	if now.Sub(req.Timestamp) > freshnessWindow || req.Timestamp.Sub(now) > freshnessWindow {
		return ProcessResult{Success: false, Message: "expired request"}
	}
	if len(req.Challenge) != 32 {
		return ProcessResult{Success: false, Message: "bad challenge size"}
	}
	if !wellFormedDID(req.InitiatorDID) || !wellFormedDID(req.TargetDID) {
		return ProcessResult{Success: false, Message: "invalid did"}
	}
	if p.registry != nil {
		if _, err := p.registry.Get(req.Target); err != nil {
			return ProcessResult{Success: false, Message: "unknown target"}
		}
	}

	challengeID := fmt.Sprintf("%x", cryptoprimitives.Hash256(req.Challenge))
	if !p.guard.validateAndMark(challengeID) {
		return ProcessResult{Success: false, Message: "replayed challenge"}
	}

	message := buildSignedMessage(req.Challenge, req.TargetDID, req.Timestamp)
	if p.sentinel != nil {
		ok, err := p.verifyInitiatorSignature(req, message)
		if err != nil || !ok {
			return ProcessResult{Success: false, Message: "signature mismatch"}
		}
	}

	sessionID := uuid.NewString()
	salt := deterministicSalt(req.TargetDID, sessionID)
	response := hashResponse(req.Challenge, req.TargetDID, salt)

	sig, err := p.sentinel.Sign(response, req.Target)
	if err != nil {
		return ProcessResult{Success: false, Message: "target signing failed"}
	}

	sharedSecret := cryptoprimitives.Hash256(append(append([]byte{}, response...), salt...))

	p.mu.Lock()
	p.sessions[sessionID] = &Session{
		ID: sessionID, Initiator: req.Initiator, Target: req.Target,
		SharedSecret: sharedSecret, CreatedAt: now, ExpiresAt: now.Add(p.sessionTimeout),
	}
	p.mu.Unlock()

	return ProcessResult{
		Success: true, SessionID: sessionID, ChallengeResponse: response,
		Signature: sig, TargetDID: req.TargetDID,
	}
}

func (p *Protocol) verifyInitiatorSignature(req *InitiateRequest, message []byte) (bool, error) {
	if req.Signature == nil {
		return false, apierrors.SignatureInvalid(apierrors.New(apierrors.CodeInvalidArgument, "missing signature"))
	}
	return p.sentinel.Verify(message, req.Signature, req.Initiator)
}

// VerifyResponse is the initiator-side check that the target's response
// matches the pending challenge. A mismatch returns false; it never errors.
func (p *Protocol) VerifyResponse(initiator, target string, response ProcessResult) bool {
	p.mu.Lock()
	pending, ok := p.pending[pendingKey(initiator, target)]
	if ok {
		delete(p.pending, pendingKey(initiator, target))
	}
	p.mu.Unlock()
	if !ok || !response.Success {
		return false
	}

	salt := deterministicSalt(response.TargetDID, response.SessionID)
	expected := hashResponse(pending.challenge, response.TargetDID, salt)
	if string(expected) != string(response.ChallengeResponse) {
		return false
	}

	ok, err := p.sentinel.Verify(response.ChallengeResponse, response.Signature, target)
	return err == nil && ok
}

// ValidateSession reports whether sessionID is present, unexpired, and
// callerID participated in it. Expired sessions are purged as a side effect.
func (p *Protocol) ValidateSession(sessionID, callerID string) bool {
	now := time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[sessionID]
	if !ok {
		return false
	}
	if now.After(session.ExpiresAt) {
		delete(p.sessions, sessionID)
		return false
	}
	return session.valid(now, callerID)
}

// assertionClaims is the JWT payload a session is bearer-encoded into, so a
// collaborator gateway holding the same shared secret can verify a caller's
// session offline without calling back into Protocol.
type assertionClaims struct {
	jwt.RegisteredClaims
	Target string `json:"target"`
}

// IssueAssertion encodes sessionID as a signed JWT keyed on that session's
// shared secret. The token is opaque to anyone who was not party to the
// handshake: HS256 verification requires the same secret.
func (p *Protocol) IssueAssertion(sessionID string) (string, error) {
	p.mu.Lock()
	session, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return "", apierrors.NotFound("session", sessionID)
	}

	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.Initiator,
			ID:        session.ID,
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
		Target: session.Target,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(session.SharedSecret)
}

// VerifyAssertion parses and validates a token minted by IssueAssertion,
// returning the session id it asserts. callerID must match either party to
// the asserted session.
func (p *Protocol) VerifyAssertion(tokenString, callerID string) (string, error) {
	var claims assertionClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apierrors.New(apierrors.CodeInvalidArgument, "unexpected signing method")
		}
		p.mu.Lock()
		session, ok := p.sessions[claims.ID]
		p.mu.Unlock()
		if !ok {
			return nil, apierrors.NotFound("session", claims.ID)
		}
		return session.SharedSecret, nil
	})
	if err != nil {
		return "", apierrors.New(apierrors.CodeInvalidArgument, "invalid session assertion").WithDetails("cause", err.Error())
	}
	if !p.ValidateSession(claims.ID, callerID) {
		return "", apierrors.New(apierrors.CodeInvalidArgument, "assertion does not match an active session for caller")
	}
	return claims.ID, nil
}

// Start launches the periodic sweep that purges expired sessions.
func (p *Protocol) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweepExpiredSessions()
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop halts the periodic sweep goroutine.
func (p *Protocol) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Protocol) sweepExpiredSessions() {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, session := range p.sessions {
		if now.After(session.ExpiresAt) {
			delete(p.sessions, id)
		}
	}
}

func wellFormedDID(did string) bool {
	return strings.HasPrefix(did, "did:") && len(did) > len("did:")
}

func buildSignedMessage(challenge []byte, targetDID string, timestamp time.Time) []byte {
	msg := make([]byte, 0, len(challenge)+len(targetDID)+20)
	msg = append(msg, challenge...)
	msg = append(msg, []byte(targetDID)...)
	msg = append(msg, []byte(timestamp.Format(time.RFC3339Nano))...)
	return msg
}

// deterministicSalt implements sha256(target_did || ":" || session_id_prefix)
// where session_id_prefix is the first 8 bytes of the session id string, so
// both the target (computing the response) and the initiator (verifying it)
// derive the identical salt from the session id carried in the response.
func deterministicSalt(targetDID, sessionID string) []byte {
	prefix := sessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	h := sha256.Sum256([]byte(targetDID + ":" + prefix))
	return h[:]
}

func hashResponse(challenge []byte, targetDID string, salt []byte) []byte {
	buf := make([]byte, 0, len(challenge)+len(targetDID)+len(salt))
	buf = append(buf, challenge...)
	buf = append(buf, []byte(targetDID)...)
	buf = append(buf, salt...)
	return cryptoprimitives.Hash256(buf)
}
