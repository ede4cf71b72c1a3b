/**
 * @description
 * Authentication middleware for the crowdfunding API. Bearer tokens are verified
 * either against a JWKS endpoint (RS256) or a shared HMAC secret (HS256), and the
 * `sub` claim becomes the caller identity used by every escrow operation.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For JWT parsing and validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityContextKey is a custom type for the context key to avoid collisions.
type IdentityContextKey string

const identityKey IdentityContextKey = "identity"

const (
	jwksCacheTTL           = 10 * time.Minute
	// Unknown kids and stale sets trigger at most one fetch per interval.
	jwksMinRefreshInterval = 30 * time.Second
)

// AuthConfig selects how bearer tokens are verified.
type AuthConfig struct {
	JWKSURL    string
	HMACSecret string
	Issuer     string
	Audience   string
}

// JWTAuthMiddleware creates a middleware that validates bearer tokens and stores
// the subject in the request context.
func JWTAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := newJWKSCache(cfg.JWKSURL)

	var parserOpts []jwt.ParserOption
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if cfg.HMACSecret == "" {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(cfg.HMACSecret), nil
		case *jwt.SigningMethodRSA:
			if cfg.JWKSURL == "" {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, fmt.Errorf("kid not found in token header")
			}
			publicKey, err := keys.key(kid)
			if err != nil {
				return nil, fmt.Errorf("failed to get public key: %w", err)
			}
			return publicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, keyFunc, parserOpts...)
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}
			if !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || strings.TrimSpace(subject) == "" {
				http.Error(w, "Identity not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty key disables the internal routes entirely.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				http.Error(w, "Internal API disabled", http.StatusForbidden)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetIdentity retrieves the verified caller identity from the request context.
func GetIdentity(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey).(string)
	return identity, ok && identity != ""
}

// WithIdentity returns a context carrying identity, as JWTAuthMiddleware would.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

type jwksCache struct {
	url    string
	client *http.Client

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
	now         func() time.Time
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
		now:    time.Now,
	}
}

// key returns the RSA key for kid, refreshing the key set when it is stale or
// the kid is unknown. A cached key keeps serving while refreshes fail.
func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cached, known := c.keys[kid]
	if known && now.Sub(c.fetchedAt) < jwksCacheTTL {
		return cached, nil
	}
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < jwksMinRefreshInterval {
		if known {
			return cached, nil
		}
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	c.lastAttempt = now
	if err := c.refreshLocked(now); err != nil {
		if known {
			log.Printf("level=warn component=auth msg=\"jwks refresh failed; serving cached key\" kid=%s err=%v", kid, err)
			return cached, nil
		}
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *jwksCache) refreshLocked(now time.Time) error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "" && key.Kty != "RSA" {
			continue
		}
		publicKey, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			return fmt.Errorf("parse key %s: %w", key.Kid, err)
		}
		keys[key.Kid] = publicKey
	}
	c.keys = keys
	c.fetchedAt = now
	return nil
}

// parseRSAPublicKey parses an RSA public key from base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("malformed rsa key")
	}

	var exp int
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: exp,
	}, nil
}
