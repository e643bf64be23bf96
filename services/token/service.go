// Package token issues and verifies signed, time-bounded session tokens.
//
// Tokens are HS256 JWTs. The signing key generation is carried both in the
// "kid" header and in the "gen" claim. Verification never touches storage:
// a token is accepted iff its signature checks out against the key of its
// generation, that generation is current (or the previous one inside the
// rotation grace window), and the token has not expired.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinKeyLength is the shortest HMAC secret accepted for signing.
const MinKeyLength = 32

var (
	ErrMalformed        = errors.New("token malformed")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")

	// ErrRetiredKey wraps ErrInvalidSignature: the token names a generation
	// that is no longer accepted.
	ErrRetiredKey = fmt.Errorf("%w: signing key generation retired", ErrInvalidSignature)

	// ErrWeakKey is a configuration error.
	ErrWeakKey = fmt.Errorf("signing key must be at least %d bytes", MinKeyLength)

	// ErrStaleGeneration is returned when a rotation does not move the
	// generation forward.
	ErrStaleGeneration = errors.New("signing key generation must increase")
)

// Claims are the JWT claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
	Generation uint32 `json:"gen"`
}

// Issued is a freshly minted token.
type Issued struct {
	Token      string
	ID         string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Generation uint32
}

type signingKey struct {
	generation uint32
	secret     []byte
}

// keySet is immutable once published.
type keySet struct {
	current       signingKey
	previous      *signingKey
	previousUntil time.Time
}

// Service issues and verifies tokens. Verify is lock-free; Rotate is
// serialized by a mutex and publishes a new key set atomically.
type Service struct {
	keys   atomic.Pointer[keySet]
	rotate sync.Mutex

	ttl      time.Duration
	grace    time.Duration
	issuer   string
	now      func() time.Time
	previous []byte
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithGrace sets how long the previous key keeps verifying after a rotation.
func WithGrace(grace time.Duration) Option {
	return func(s *Service) { s.grace = grace }
}

// WithIssuer sets the "iss" claim and requires it on verification.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithPreviousKey keeps secret verifying as the generation before the
// current one until the grace window after startup ends. Passing the key
// that was replaced by the last rotation preserves its grace window across
// a restart.
func WithPreviousKey(secret []byte) Option {
	return func(s *Service) { s.previous = clone(secret) }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service signing with secret as key generation.
func NewService(secret []byte, generation uint32, opts ...Option) (*Service, error) {
	if len(secret) < MinKeyLength {
		return nil, ErrWeakKey
	}
	if generation == 0 {
		generation = 1
	}

	s := &Service{
		ttl:   24 * time.Hour,
		grace: 10 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", s.ttl)
	}
	if s.grace < 0 {
		return nil, fmt.Errorf("rotation grace must not be negative, got %s", s.grace)
	}

	ks := &keySet{current: signingKey{generation: generation, secret: clone(secret)}}
	if s.previous != nil {
		if len(s.previous) < MinKeyLength {
			return nil, fmt.Errorf("previous key: %w", ErrWeakKey)
		}
		if generation < 2 {
			return nil, fmt.Errorf("previous key needs a current generation of at least 2, got %d", generation)
		}
		ks.previous = &signingKey{generation: generation - 1, secret: s.previous}
		ks.previousUntil = s.now().Add(s.grace)
		s.previous = nil
	}
	s.keys.Store(ks)
	return s, nil
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Generation returns the current signing key generation.
func (s *Service) Generation() uint32 {
	return s.keys.Load().current.generation
}

// Issue signs a token for identity with the current key.
func (s *Service) Issue(identity uuid.UUID) (*Issued, error) {
	if identity == uuid.Nil {
		return nil, errors.New("cannot issue token for nil identity")
	}

	key := s.keys.Load().current
	now := s.now().Truncate(time.Second)
	exp := now.Add(s.ttl)
	id := uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        id,
		},
		Generation: key.generation,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = strconv.FormatUint(uint64(key.generation), 10)

	signed, err := tok.SignedString(key.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &Issued{
		Token:      signed,
		ID:         id,
		IssuedAt:   now,
		ExpiresAt:  exp,
		Generation: key.generation,
	}, nil
}

// Verify checks tokenString and returns the identity it was issued to. The
// error wraps exactly one of ErrMalformed, ErrInvalidSignature or ErrExpired.
func (s *Service) Verify(tokenString string) (uuid.UUID, error) {
	set := s.keys.Load()
	now := s.now()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var kid uint32
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		gen, err := headerGeneration(t)
		if err != nil {
			return nil, err
		}
		kid = gen
		key, err := set.verificationKey(gen, now)
		if err != nil {
			return nil, err
		}
		return key.secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, classify(err)
	}

	if kid != claims.Generation {
		return uuid.Nil, fmt.Errorf("%w: generation claim does not match key id", ErrMalformed)
	}

	identity, err := uuid.Parse(claims.Subject)
	if err != nil || identity == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not an identity", ErrMalformed)
	}
	return identity, nil
}

// Rotate makes secret the current signing key under the next generation.
// The outgoing key keeps verifying, never signing, until the grace window
// elapses. It returns the new generation.
func (s *Service) Rotate(secret []byte) (uint32, error) {
	return s.rotateTo(secret, 0)
}

// RotateTo is Rotate with an explicit generation, which must be greater
// than the current one. Operators that record the generation next to the
// key use it so a restart comes back with the same "kid".
func (s *Service) RotateTo(secret []byte, generation uint32) (uint32, error) {
	if generation == 0 {
		return 0, fmt.Errorf("%w: generation 0", ErrStaleGeneration)
	}
	return s.rotateTo(secret, generation)
}

func (s *Service) rotateTo(secret []byte, generation uint32) (uint32, error) {
	if len(secret) < MinKeyLength {
		return 0, ErrWeakKey
	}

	s.rotate.Lock()
	defer s.rotate.Unlock()

	old := s.keys.Load()
	prev := old.current
	if generation == 0 {
		generation = prev.generation + 1
	} else if generation <= prev.generation {
		return 0, fmt.Errorf("%w: %d is not after %d", ErrStaleGeneration, generation, prev.generation)
	}
	next := &keySet{
		current:       signingKey{generation: generation, secret: clone(secret)},
		previous:      &prev,
		previousUntil: s.now().Add(s.grace),
	}
	s.keys.Store(next)
	return next.current.generation, nil
}

func (ks *keySet) verificationKey(gen uint32, now time.Time) (signingKey, error) {
	if gen == ks.current.generation {
		return ks.current, nil
	}
	if ks.previous != nil && gen == ks.previous.generation && now.Before(ks.previousUntil) {
		return *ks.previous, nil
	}
	return signingKey{}, ErrRetiredKey
}

func headerGeneration(t *jwt.Token) (uint32, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok {
		return 0, fmt.Errorf("%w: missing key id", ErrMalformed)
	}
	gen, err := strconv.ParseUint(kid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad key id %q", ErrMalformed, kid)
	}
	return uint32(gen), nil
}

// classify maps jwt parser errors onto the package sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return ErrRetiredKey
	case errors.Is(err, ErrMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
