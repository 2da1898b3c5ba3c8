// Package gate implements the token/principal gate: issuing and
// validating bearer MatchTokens on every inbound HTTP and streaming
// connection, enforcing scope checks and eager revocation on match
// termination.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stormstack/engine/internal/app/model"
	"github.com/stormstack/engine/pkg/apierrors"
)

// DefaultTokenTTL and MaxTokenTTL bound a MatchToken's validFor.
const (
	DefaultTokenTTL = time.Hour
	MaxTokenTTL     = 24 * time.Hour
)

type claims struct {
	MatchID     uint64        `json:"matchId"`
	ContainerID uint64        `json:"containerId"`
	PlayerID    uint64        `json:"playerId"`
	PlayerName  string        `json:"playerName"`
	Scopes      []model.Scope `json:"scopes"`
	jwt.RegisteredClaims
}

// Gate issues and validates MatchTokens for one node (or the control
// plane, for router-issued tokens).
type Gate struct {
	secret []byte
	issuer string

	mu     sync.RWMutex
	tokens map[string]*model.MatchToken // token id -> record, for revocation lookups
	// revokedMatches is consulted on every validation, so revocation also
	// reaches tokens this gate never issued (a peer gate sharing the
	// secret minted them).
	revokedMatches map[uint64]time.Time
}

// New creates a Gate signing and verifying with secret under HS256.
func New(secret, issuer string) *Gate {
	return &Gate{
		secret:         []byte(secret),
		issuer:         issuer,
		tokens:         make(map[string]*model.MatchToken),
		revokedMatches: make(map[uint64]time.Time),
	}
}

// Issue mints a MatchToken scoped to (matchID, containerID, playerID),
// clamping ttl to [0, MaxTokenTTL] and defaulting to DefaultTokenTTL when
// ttl <= 0.
func (g *Gate) Issue(matchID, containerID, playerID uint64, playerName string, scopes []model.Scope, ttl time.Duration) (model.MatchToken, string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}

	now := time.Now()
	token := model.MatchToken{
		ID:          uuid.NewString(),
		MatchID:     matchID,
		ContainerID: containerID,
		PlayerID:    playerID,
		PlayerName:  playerName,
		Scopes:      scopes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		MatchID:     matchID,
		ContainerID: containerID,
		PlayerID:    playerID,
		PlayerName:  playerName,
		Scopes:      scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
	}).SignedString(g.secret)
	if err != nil {
		return model.MatchToken{}, "", apierrors.Internal(err)
	}

	g.mu.Lock()
	g.tokens[token.ID] = &token
	g.mu.Unlock()

	return token, signed, nil
}

// Validate parses and verifies raw, checking signature, expiry and
// revocation, and returns the matching taxonomy error on any failure.
func (g *Gate) Validate(raw string, now time.Time) (model.MatchToken, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.MatchToken{}, apierrors.ExpiredToken()
		}
		return model.MatchToken{}, apierrors.InvalidToken(err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return model.MatchToken{}, apierrors.InvalidToken(fmt.Errorf("unexpected claims type"))
	}

	g.mu.RLock()
	record, known := g.tokens[c.ID]
	_, matchRevoked := g.revokedMatches[c.MatchID]
	g.mu.RUnlock()
	if matchRevoked {
		return model.MatchToken{}, apierrors.ExpiredToken()
	}
	if known {
		if !record.Valid(now) {
			return model.MatchToken{}, apierrors.ExpiredToken()
		}
		return *record, nil
	}

	// Not in the local issuance table: a peer gate sharing the secret
	// minted it (the control plane's router issues tokens that players
	// present to the owning node). The verified claims carry everything
	// needed; expiry comes from the JWT itself.
	if c.ExpiresAt == nil || !now.Before(c.ExpiresAt.Time) {
		return model.MatchToken{}, apierrors.ExpiredToken()
	}
	token := model.MatchToken{
		ID:          c.ID,
		MatchID:     c.MatchID,
		ContainerID: c.ContainerID,
		PlayerID:    c.PlayerID,
		PlayerName:  c.PlayerName,
		Scopes:      c.Scopes,
		ExpiresAt:   c.ExpiresAt.Time,
	}
	if c.IssuedAt != nil {
		token.CreatedAt = c.IssuedAt.Time
	}
	return token, nil
}

// RequireScope fails with ScopeDenied when token lacks scope; every
// operation checks its scope, not just connection setup.
func RequireScope(token model.MatchToken, scope model.Scope) error {
	if !token.HasScope(scope) {
		return apierrors.ScopeDenied(string(scope))
	}
	return nil
}

// RevokeMatch eagerly invalidates every token scoped to matchID: issued
// records get RevokedAt set, and the match id is recorded so Validate
// also rejects tokens minted for it by a peer gate. The entry is never
// pruned: it lives as long as the gate does.
func (g *Gate) RevokeMatch(matchID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	g.revokedMatches[matchID] = now
	for _, token := range g.tokens {
		if token.MatchID == matchID && token.RevokedAt.IsZero() {
			token.RevokedAt = now
		}
	}
}
