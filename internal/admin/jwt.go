package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"lv-tradehook/internal/httputil"

	"github.com/golang-jwt/jwt/v5"
)

const operatorRole = "admin"

// Signer issues and verifies operator JWTs.
type Signer struct {
	issuer string
	secret []byte
	ttl    time.Duration
}

func NewSigner(issuer, secret string, ttl time.Duration) *Signer {
	return &Signer{issuer: issuer, secret: []byte(secret), ttl: ttl}
}

type operatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Signer) Sign(subject string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.ttl)
	claims := operatorClaims{
		Role: operatorRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	return signed, exp, err
}

// ParseToken returns the operator name carried by a valid token.
func (s *Signer) ParseToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &operatorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*operatorClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Role != operatorRole {
		return "", errors.New("admin access required")
	}
	if claims.Subject == "" {
		return "", errors.New("invalid subject")
	}
	return claims.Subject, nil
}

type contextKey string

const operatorKey contextKey = "admin_operator"

// Middleware rejects requests without a valid operator bearer token.
func (s *Signer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "missing authorization")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}
		operator, err := s.ParseToken(parts[1])
		if err != nil {
			httputil.WriteError(w, http.StatusForbidden, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), operatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Operator(r *http.Request) string {
	v, _ := r.Context().Value(operatorKey).(string)
	return v
}
