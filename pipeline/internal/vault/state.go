package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

const defaultStateTTL = 10 * time.Minute

// StateStore remembers the most recently issued authorization nonce per owner.
type StateStore interface {
	// Put records nonce as the only valid state for owner, superseding earlier ones.
	Put(ctx context.Context, owner, nonce string, ttl time.Duration) error
	// Consume removes the recorded nonce if it equals nonce and reports whether it did.
	Consume(ctx context.Context, owner, nonce string) (bool, error)
}

type stateClaims struct {
	Platform models.Platform `json:"plat"`
	Nonce    string          `json:"nonce"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies the opaque OAuth state parameter: an HS256 token
// carrying the owner, the platform and a random nonce.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret []byte, ttl time.Duration) (*StateSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("state secret required")
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &StateSigner{secret: secret, ttl: ttl, now: time.Now}, nil
}

func (s *StateSigner) Issue(owner string, platform models.Platform) (state, nonce string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	nonce = base64.RawURLEncoding.EncodeToString(buf)
	now := s.now()
	claims := stateClaims{
		Platform: platform,
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	state, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign state: %w", err)
	}
	return state, nonce, nil
}

// Parse verifies state and returns its contents. Any failure is ErrStateMismatch.
func (s *StateSigner) Parse(state string) (owner string, platform models.Platform, nonce string, err error) {
	claims := &stateClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", "", "", fmt.Errorf("%w: %v", ErrStateMismatch, err)
	}
	if claims.Subject == "" || claims.Nonce == "" {
		return "", "", "", fmt.Errorf("%w: incomplete state", ErrStateMismatch)
	}
	return claims.Subject, claims.Platform, claims.Nonce, nil
}

type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

type stateEntry struct {
	nonce   string
	expires time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]stateEntry), now: time.Now}
}

func (m *MemoryStateStore) Put(_ context.Context, owner, nonce string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[owner] = stateEntry{nonce: nonce, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStateStore) Consume(_ context.Context, owner, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[owner]
	if !ok || entry.nonce != nonce {
		return false, nil
	}
	delete(m.entries, owner)
	if m.now().After(entry.expires) {
		return false, nil
	}
	return true, nil
}
