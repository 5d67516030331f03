package capability

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/strataos/keel/pkg/ledger"
	"github.com/strataos/keel/pkg/mirror"
)

// Appender is the slice of the dual-write mirror the service needs to
// record issuance, denials, and revocations.
type Appender interface {
	Append(ctx context.Context, kind ledger.Kind, reference string, payload json.RawMessage) (ledger.Entry, error)
}

// Telemetry counts recorded denials. Satisfied by observability.Provider;
// nil disables counting.
type Telemetry interface {
	RecordDenial(ctx context.Context, code string)
}

// lockStripes is the fixed size of the token lock table. Lock memory stays
// constant no matter how many token ids pass through the service.
const lockStripes = 64

// Options tunes service behavior.
type Options struct {
	// Issuer is the `iss` claim on minted bearer tokens.
	Issuer string
	// IssueRate caps sustained issuance per principal; zero disables the
	// limiter.
	IssueRate  rate.Limit
	IssueBurst int
}

// Service issues, validates, and revokes capability tokens.
//
// Operations on the same token id are linearizable: each id hashes to one
// stripe of a fixed lock table, so same-token operations always serialize
// while distinct tokens rarely contend.
type Service struct {
	policy    *Policy
	store     Store
	recorder  Appender
	telemetry Telemetry
	clock     func() time.Time

	issuer  string
	signKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey

	locks [lockStripes]sync.Mutex

	limMu      sync.Mutex
	limiters   map[string]*rate.Limiter
	issueRate  rate.Limit
	issueBurst int
}

// NewService wires the token service. signKey signs bearer JWTs (EdDSA); the
// recorder receives a pipeline_event entry for every issuance, denial, and
// revocation.
func NewService(policy *Policy, store Store, recorder Appender, signKey ed25519.PrivateKey, opts Options) (*Service, error) {
	if policy == nil || store == nil || recorder == nil {
		return nil, fmt.Errorf("capability: policy, store, and recorder are required")
	}
	if len(signKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("capability: bad signing key size %d", len(signKey))
	}
	issuer := opts.Issuer
	if issuer == "" {
		issuer = "keel/capability"
	}
	burst := opts.IssueBurst
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		policy:     policy,
		store:      store,
		recorder:   recorder,
		clock:      time.Now,
		issuer:     issuer,
		signKey:    signKey,
		pubKey:     signKey.Public().(ed25519.PublicKey),
		limiters:   make(map[string]*rate.Limiter),
		issueRate:  opts.IssueRate,
		issueBurst: burst,
	}, nil
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithTelemetry attaches a denial counter.
func (s *Service) WithTelemetry(t Telemetry) *Service {
	s.telemetry = t
	return s
}

// bearerClaims is the JWT presentation of a token.
type bearerClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Issue validates the request against policy and mints a new token. attrs
// are exposed to policy CEL conditions. Denials are returned as DeniedError
// and recorded in the ledger.
func (s *Service) Issue(ctx context.Context, principal string, scopes []string, ttl time.Duration, attrs map[string]interface{}) (Token, error) {
	if len(scopes) == 0 {
		return Token{}, fmt.Errorf("capability: at least one scope is required")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("capability: ttl must be positive")
	}

	if lim := s.limiter(principal); lim != nil && !lim.Allow() {
		denied := &DeniedError{Code: DenyRateLimited, Reason: fmt.Sprintf("issuance rate exceeded for %q", principal)}
		return Token{}, s.deny(ctx, "token_denied", "", principal, scopes, denied)
	}
	if err := s.policy.Authorize(principal, scopes, ttl, attrs); err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			return Token{}, s.deny(ctx, "token_denied", "", principal, scopes, denied)
		}
		return Token{}, err
	}

	now := s.clock()
	t := Token{
		TokenID:   uuid.NewString(),
		IssuedTo:  principal,
		Scopes:    append([]string(nil), scopes...),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	bearer, err := s.mintBearer(t)
	if err != nil {
		return Token{}, err
	}
	t.Bearer = bearer

	lock := s.tokenLock(t.TokenID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.Put(ctx, t); err != nil {
		return Token{}, fmt.Errorf("capability: persist token: %w", err)
	}
	if err := s.record(ctx, map[string]interface{}{
		"event":      "token_issued",
		"token_id":   t.TokenID,
		"principal":  principal,
		"scopes":     scopes,
		"expires_at": t.ExpiresAt.UnixMilli(),
	}); err != nil {
		// An unrecorded token must not remain validatable. The stripe lock is
		// still held, so the rollback is never observable.
		if derr := s.store.Delete(ctx, t.TokenID); derr != nil {
			return Token{}, errors.Join(err, fmt.Errorf("capability: roll back token %s: %w", t.TokenID, derr))
		}
		return Token{}, err
	}
	return t, nil
}

// Validate checks that the token is active and carries every required
// scope. All required scopes must be present; denial reasons follow the
// token state machine (revoked and expired are terminal).
func (s *Service) Validate(ctx context.Context, tokenID string, requiredScopes ...string) error {
	lock := s.tokenLock(tokenID)
	lock.Lock()
	defer lock.Unlock()
	return s.validateLocked(ctx, tokenID, requiredScopes...)
}

func (s *Service) validateLocked(ctx context.Context, tokenID string, requiredScopes ...string) error {
	t, err := s.store.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			denied := &DeniedError{Code: DenyUnknownToken, Reason: fmt.Sprintf("token %q unknown", tokenID)}
			return s.deny(ctx, "validation_denied", tokenID, "", requiredScopes, denied)
		}
		return fmt.Errorf("capability: load token: %w", err)
	}

	var denied *DeniedError
	now := s.clock()
	switch {
	case t.RevokedAt != nil:
		denied = &DeniedError{Code: DenyRevoked, Reason: fmt.Sprintf("token %q revoked at %s", tokenID, t.RevokedAt.UTC().Format(time.RFC3339))}
	case !now.Before(t.ExpiresAt):
		denied = &DeniedError{Code: DenyExpired, Reason: fmt.Sprintf("token %q expired at %s", tokenID, t.ExpiresAt.UTC().Format(time.RFC3339))}
	case !t.HasScopes(requiredScopes...):
		denied = &DeniedError{Code: DenyMissingScope, Reason: fmt.Sprintf("token %q missing required scopes", tokenID)}
	}
	if denied != nil {
		return s.deny(ctx, "validation_denied", tokenID, t.IssuedTo, requiredScopes, denied)
	}
	return nil
}

// ValidateBearer verifies a presented JWT's signature, then validates the
// underlying token record. Returns the token id on success.
func (s *Service) ValidateBearer(ctx context.Context, bearer string, requiredScopes ...string) (string, error) {
	claims := &bearerClaims{}
	tok, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("capability: unexpected signing method %v", t.Header["alg"])
		}
		return s.pubKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.clock() }))
	if err != nil || !tok.Valid {
		denied := &DeniedError{Code: DenyUnknownToken, Reason: "bearer signature invalid"}
		return "", s.deny(ctx, "validation_denied", "", "", requiredScopes, denied)
	}
	if err := s.Validate(ctx, claims.ID, requiredScopes...); err != nil {
		return "", err
	}
	return claims.ID, nil
}

// Revoke marks a token revoked. Idempotent: revoking an already-revoked
// token is a no-op. Revocation is terminal.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	lock := s.tokenLock(tokenID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.store.Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if t.RevokedAt != nil {
		return nil
	}
	orig := t
	now := s.clock()
	t.RevokedAt = &now
	if err := s.store.Put(ctx, t); err != nil {
		return fmt.Errorf("capability: persist revocation: %w", err)
	}
	if err := s.record(ctx, map[string]interface{}{
		"event":     "token_revoked",
		"token_id":  tokenID,
		"principal": t.IssuedTo,
	}); err != nil {
		// An unrecorded revocation must not take effect.
		if derr := s.store.Put(ctx, orig); derr != nil {
			return errors.Join(err, fmt.Errorf("capability: roll back revocation of %s: %w", tokenID, derr))
		}
		return err
	}
	return nil
}

// Get returns the stored token record.
func (s *Service) Get(ctx context.Context, tokenID string) (Token, error) {
	return s.store.Get(ctx, tokenID)
}

func (s *Service) mintBearer(t Token) (string, error) {
	claims := bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.TokenID,
			Subject:   t.IssuedTo,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
		Scopes: t.Scopes,
	}
	bearer, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("capability: mint bearer: %w", err)
	}
	return bearer, nil
}

// deny records the denial, then returns it. A denial that is not recorded
// is a bug, so a recording failure supersedes the denial itself.
func (s *Service) deny(ctx context.Context, event, tokenID, principal string, scopes []string, denied *DeniedError) error {
	err := s.record(ctx, map[string]interface{}{
		"event":       event,
		"token_id":    tokenID,
		"principal":   principal,
		"scopes":      scopes,
		"reason_code": denied.Code,
		"reason":      denied.Reason,
	})
	if err != nil {
		return err
	}
	if s.telemetry != nil {
		s.telemetry.RecordDenial(ctx, denied.Code)
	}
	return denied
}

func (s *Service) record(ctx context.Context, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("capability: marshal record: %w", err)
	}
	if _, err := s.recorder.Append(ctx, ledger.KindPipelineEvent, "", data); err != nil {
		// A partial mirror failure means the primary (authoritative) write
		// succeeded; the doctor reconciles the mirror out of band.
		var partial *mirror.PartialMirrorError
		if errors.As(err, &partial) {
			slog.Warn("capability: mirror drift while recording event",
				"kind", partial.Kind, "offset", partial.Offset)
			return nil
		}
		return fmt.Errorf("capability: record event: %w", err)
	}
	return nil
}

// tokenLock returns the stripe lock for one token id. The same id always
// hashes to the same stripe, which is what makes same-token operations
// linearizable; distinct ids may share a stripe, which only costs contention.
func (s *Service) tokenLock(tokenID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tokenID))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Service) limiter(principal string) *rate.Limiter {
	if s.issueRate == 0 {
		return nil
	}
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[principal]
	if !ok {
		lim = rate.NewLimiter(s.issueRate, s.issueBurst)
		s.limiters[principal] = lim
	}
	return lim
}
