package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/arkops/asaman"
)

// Roles in ascending privilege order.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var roleRank = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// User is the authenticated principal injected into the request context.
type User struct {
	Subject string
	Role    string
}

type userKey struct{}

// UserFrom returns the authenticated user, if any.
func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}

// Authenticator verifies HS256 bearer tokens and enforces role gates.
// With an empty secret authentication is disabled and every request runs
// as an implicit admin, which is the single-operator LAN deployment mode.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator. An empty secret disables auth.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return &Authenticator{}
	}
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

// IssueToken mints a token for tests and the CLI token subcommand.
func (a *Authenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", asaman.E(asaman.KindPreconditionFailed, "auth is disabled; no signing secret")
	}
	if _, ok := roleRank[role]; !ok {
		return "", asaman.E(asaman.KindValidationFailed, "unknown role %q", role)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: a.secret}, nil)
	if err != nil {
		return "", asaman.WrapErr(asaman.KindInternal, err, "create signer")
	}
	now := time.Now()
	claims := struct {
		jwt.Claims
		Role string `json:"role"`
	}{
		Claims: jwt.Claims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", asaman.WrapErr(asaman.KindInternal, err, "sign token")
	}
	return token, nil
}

// Verify parses and validates a bearer token.
func (a *Authenticator) Verify(token string) (User, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return User{}, asaman.WrapErr(asaman.KindUnauthorized, err, "malformed token")
	}
	var claims struct {
		jwt.Claims
		Role string `json:"role"`
	}
	if err := parsed.Claims(a.secret, &claims); err != nil {
		return User{}, asaman.WrapErr(asaman.KindUnauthorized, err, "invalid token signature")
	}
	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return User{}, asaman.WrapErr(asaman.KindUnauthorized, err, "token expired or not yet valid")
	}
	if _, ok := roleRank[claims.Role]; !ok {
		return User{}, asaman.E(asaman.KindUnauthorized, "token carries unknown role %q", claims.Role)
	}
	return User{Subject: claims.Subject, Role: claims.Role}, nil
}

// Middleware authenticates the request and injects the user. Tokens are
// read from the Authorization header or, for WebSocket clients that
// cannot set headers, the token query parameter.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			ctx := context.WithValue(r.Context(), userKey{}, User{Subject: "local", Role: RoleAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, asaman.E(asaman.KindUnauthorized, "missing bearer token"))
			return
		}
		user, err := a.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a subtree on a minimum role.
func RequireRole(minRole string) func(http.Handler) http.Handler {
	need := roleRank[minRole]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFrom(r.Context())
			if !ok {
				writeError(w, asaman.E(asaman.KindUnauthorized, "not authenticated"))
				return
			}
			if roleRank[user.Role] < need {
				writeError(w, asaman.E(asaman.KindForbidden, "role %s may not perform this operation", user.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
