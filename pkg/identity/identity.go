package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

type contextKey string

const identityContextKey contextKey = "governance.identity"

// HeaderRole and HeaderAccount carry the accessor identity in header mode.
// Header mode trusts the caller and is only suitable behind a gateway that
// has already authenticated the session.
const (
	HeaderRole    = "X-Role"
	HeaderAccount = "X-Account"
)

// Middleware resolves the accessor identity for every request and stores it
// on the request context. mode selects how identity arrives:
//
//	"headers" (or empty): read X-Role / X-Account verbatim.
//	"hs256": verify a Bearer token signed with the shared secret and read
//	the role/account claims.
//
// Requests without a resolvable identity are rejected with 401; the policy
// engine downstream never sees an anonymous accessor.
func Middleware(mode, secret string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				id  models.AccessorIdentity
				err error
			)
			switch mode {
			case "", "headers":
				id, err = fromHeaders(r)
			case "hs256":
				id, err = fromBearer(r, secret, time.Now().UTC())
			default:
				err = errors.New("unsupported identity mode")
			}
			if err != nil {
				http.Error(w, "identity required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func WithIdentity(ctx context.Context, id models.AccessorIdentity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func FromContext(ctx context.Context) (models.AccessorIdentity, bool) {
	v := ctx.Value(identityContextKey)
	if v == nil {
		return models.AccessorIdentity{}, false
	}
	id, ok := v.(models.AccessorIdentity)
	return id, ok
}

func fromHeaders(r *http.Request) (models.AccessorIdentity, error) {
	role := strings.TrimSpace(r.Header.Get(HeaderRole))
	account := strings.TrimSpace(r.Header.Get(HeaderAccount))
	if role == "" && account == "" {
		return models.AccessorIdentity{}, errors.New("no identity headers")
	}
	return models.AccessorIdentity{Role: role, Account: account}, nil
}

func fromBearer(r *http.Request, secret string, now time.Time) (models.AccessorIdentity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return models.AccessorIdentity{}, errors.New("missing bearer token")
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	claims, err := VerifyHS256Token(token, secret, now)
	if err != nil {
		return models.AccessorIdentity{}, err
	}
	return models.AccessorIdentity{Role: claims.Role, Account: claims.Account}, nil
}

type TokenClaims struct {
	Sub     string `json:"sub"`
	Role    string `json:"role"`
	Account string `json:"account"`
	Exp     int64  `json:"exp"`
	Nbf     int64  `json:"nbf,omitempty"`
}

// VerifyHS256Token checks the signature and time claims of a compact JWS
// signed with HMAC-SHA256 and returns its claims. A token must carry an exp
// and at least one of role or account.
func VerifyHS256Token(token, secret string, now time.Time) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return TokenClaims{}, err
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not active")
	}
	if claims.Role == "" && claims.Account == "" {
		return TokenClaims{}, errors.New("role or account claim required")
	}
	return claims, nil
}

// SignHS256Token mints a compact JWS for the given claims. Used by tests and
// local tooling; production deployments mint tokens upstream.
func SignHS256Token(claims TokenClaims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	headerRaw, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(headerRaw) + "." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
