/**
 * @description
 * This file contains the operator authentication middleware for the rewards admin API.
 * Operators authenticate either with a JWT signed by the admin identity provider
 * (verified against its JWKS endpoint) or, for server-to-server calls from the admin
 * backoffice, with the shared internal API key.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 * - github.com/puzpuzpuz/xsync/v4: Concurrent JWKS key cache.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/puzpuzpuz/xsync/v4"
)

// OperatorContextKey is a custom type for the context key to avoid collisions.
type OperatorContextKey string

const operatorIDKey OperatorContextKey = "operatorID"

const (
	internalKeyHeader = "X-Internal-API-Key"
	operatorHeader    = "X-Operator-ID"
	jwksCacheTTL      = 10 * time.Minute
)

// AuthOptions configures OperatorAuthMiddleware. An empty JWKSURL disables bearer
// tokens; an empty InternalAPIKey disables the shared key.
type AuthOptions struct {
	JWKSURL        string
	Audience       string
	Issuer         string
	InternalAPIKey string
}

// OperatorAuthMiddleware authenticates the calling operator and stores its identity
// in the request context.
func OperatorAuthMiddleware(opts AuthOptions) func(http.Handler) http.Handler {
	keys := newJWKSCache(opts.JWKSURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provided := r.Header.Get(internalKeyHeader); provided != "" {
				if opts.InternalAPIKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(opts.InternalAPIKey)) != 1 {
					writeUnauthorized(w, "Invalid internal API key")
					return
				}
				operator := strings.TrimSpace(r.Header.Get(operatorHeader))
				if operator == "" {
					operator = "internal"
				} else {
					operator = "internal:" + operator
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorIDKey, operator)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeUnauthorized(w, "Invalid Authorization header format")
				return
			}
			if opts.JWKSURL == "" {
				writeUnauthorized(w, "Bearer tokens are not accepted")
				return
			}

			parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
			if opts.Audience != "" {
				parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
			}
			if opts.Issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.get(r.Context(), kid)
			}, parserOpts...)
			if err != nil || !token.Valid {
				writeUnauthorized(w, "Invalid token")
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				writeUnauthorized(w, "Operator ID not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), operatorIDKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorID retrieves the authenticated operator from the request context.
func GetOperatorID(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(operatorIDKey).(string)
	return operator, ok && operator != ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeEnvelope(w, http.StatusUnauthorized, envelope{OK: false, ReasonCode: "unauthorized", Message: message})
}

type cachedKey struct {
	key       *rsa.PublicKey
	fetchedAt time.Time
}

// jwksCache holds verified signing keys by kid. A miss or an expired entry triggers
// one JWKS fetch, which refreshes every key it returns.
type jwksCache struct {
	url    string
	client *http.Client
	keys   *xsync.Map[string, cachedKey]
	now    func() time.Time
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   xsync.NewMap[string, cachedKey](),
		now:    time.Now,
	}
}

func (c *jwksCache) get(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if cached, ok := c.keys.Load(kid); ok && c.now().Sub(cached.fetchedAt) < jwksCacheTTL {
		return cached.key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	if cached, ok := c.keys.Load(kid); ok {
		return cached.key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *jwksCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
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

	fetchedAt := c.now()
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || key.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		c.keys.Store(key.Kid, cachedKey{key: pub, fetchedAt: fetchedAt})
	}
	return nil
}

// parseRSAPublicKey parses an RSA public key from its base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(eb) == 0 || len(eb) > 4 {
		return nil, fmt.Errorf("invalid exponent length %d", len(eb))
	}

	var exp int
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}
