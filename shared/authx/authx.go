// Package authx verifies OIDC bearer tokens. The token subject is the only
// identity the services keep; profile claims are never copied out.
package authx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrUnknownKID   = errors.New("unknown kid")
)

type AuthContext struct {
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
}

func (a AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// KeySource resolves the verification key for a token's kid.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// StaticKeys is a fixed kid to public key map.
type StaticKeys map[string]any

func (s StaticKeys) Key(_ context.Context, kid string) (any, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	return nil, ErrUnknownKID
}

type JWTVerifier struct {
	keys   KeySource
	parser *jwt.Parser
}

func NewJWTVerifier(issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	if jwksURL == "" && issuer != "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	cache := NewJWKSCache(jwksURL, time.Duration(ttlSeconds)*time.Second, &http.Client{Timeout: 5 * time.Second})
	return NewJWTVerifierWithKeys(issuer, audience, cache, time.Duration(clockSkewSeconds)*time.Second)
}

func NewJWTVerifierWithKeys(issuer string, audience string, keys KeySource, clockSkew time.Duration) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &JWTVerifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(clockSkew),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, ErrUnknownKID
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AuthContext{}, ErrTokenExpired
		}
		return AuthContext{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	subject := claimString(claims, "sub")
	if subject == "" {
		return AuthContext{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	auth := AuthContext{Subject: subject, Scopes: parseScopes(claims)}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		auth.ExpiresAt = exp.Time
	}
	return auth, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

// JWKSCache serves keys from a remote JWKS document. Unknown kids trigger a
// refresh at most once per minRefresh.
type JWKSCache struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client

	mu          sync.RWMutex
	keysByKID   map[string]any
	expiresAt   time.Time
	lastAttempt time.Time
}

func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{
		url:        url,
		ttl:        ttl,
		minRefresh: 10 * time.Second,
		client:     client,
		keysByKID:  map[string]any{},
	}
}

func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}

	now := time.Now()
	c.mu.RLock()
	key := c.keysByKID[kid]
	fresh := now.Before(c.expiresAt)
	throttled := now.Sub(c.lastAttempt) < c.minRefresh
	c.mu.RUnlock()

	if key != nil && fresh {
		return key, nil
	}
	if throttled {
		if key != nil {
			return key, nil
		}
		return nil, ErrUnknownKID
	}

	if err := c.refresh(ctx); err != nil {
		if key != nil {
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key = c.keysByKID[kid]
	c.mu.RUnlock()
	if key == nil {
		return nil, ErrUnknownKID
	}
	return key, nil
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return err
	}

	keys := make(map[string]any)
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := strings.TrimSpace(key.KeyID())
		if kid == "" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		keys[kid] = raw
	}
	if len(keys) == 0 {
		return errors.New("no usable jwks keys")
	}

	c.mu.Lock()
	c.keysByKID = keys
	c.expiresAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

// parseScopes merges the OAuth2 "scope"/"scp" claims with "roles".
func parseScopes(claims map[string]any) []string {
	var scopes []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		scopes = append(scopes, s)
	}

	for _, key := range []string{"scope", "scp", "roles"} {
		switch t := claims[key].(type) {
		case string:
			for _, s := range strings.Fields(t) {
				add(s)
			}
		case []any:
			for _, s := range t {
				if str, ok := s.(string); ok {
					add(str)
				}
			}
		case []string:
			for _, s := range t {
				add(s)
			}
		}
	}
	return scopes
}
