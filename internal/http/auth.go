package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

var errUnauthorized = errors.New("unauthorized")

// Claims carried by access tokens issued by the user service.
type Claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type DriverLookup interface {
	DriverForUser(ctx context.Context, userID int64) (models.Driver, error)
}

// Authenticator turns a bearer token into an Identity.
type Authenticator struct {
	secret  []byte
	drivers DriverLookup
}

func NewAuthenticator(secret string, drivers DriverLookup) *Authenticator {
	return &Authenticator{secret: []byte(secret), drivers: drivers}
}

// IssueToken signs an HS256 token. The server only verifies tokens; this is
// used by tests and local tooling.
func (a *Authenticator) IssueToken(userID int64, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Identify reads the token from the Authorization header or, for websocket
// clients, the token query parameter.
func (a *Authenticator) Identify(r *http.Request) (models.Identity, error) {
	raw := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		raw = strings.TrimPrefix(h, "Bearer ")
	}
	if raw == "" {
		return models.Identity{}, errUnauthorized
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return models.Identity{}, errUnauthorized
	}

	id := models.Identity{UserID: claims.UserID, Role: models.Role(claims.Role)}
	if !id.Authenticated() {
		return models.Identity{}, errUnauthorized
	}
	if id.Role == models.RoleDriver && a.drivers != nil {
		d, err := a.drivers.DriverForUser(r.Context(), id.UserID)
		switch {
		case err == nil:
			id.DriverID = d.ID
		case !errors.Is(err, apperr.ErrNotFound):
			return models.Identity{}, err
		}
	}
	return id, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Identify(r)
		if err != nil {
			if errors.Is(err, errUnauthorized) {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// internalAuthMiddleware admits callers presenting the shared service token
// in X-Internal-Token.
func (s *Server) internalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("X-Internal-Token"))
		if len(s.internalToken) == 0 || subtle.ConstantTimeCompare(got, s.internalToken) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identityFrom(ctx context.Context) models.Identity {
	id, _ := ctx.Value(identityKey).(models.Identity)
	return id
}
