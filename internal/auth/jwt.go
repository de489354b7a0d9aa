package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// SubjectKey holds the authenticated token subject in the request context
const SubjectKey contextKey = "subject"

// JWTValidator checks RS256 bearer tokens issued for the merchant dashboard
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
	skip      map[string]bool
}

// NewJWTValidator parses an RSA public key in PKCS1 or PKIX PEM form
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		// Try parsing as PKIX
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &JWTValidator{
		publicKey: publicKey,
		issuer:    issuer,
		audience:  audience,
		skip:      map[string]bool{"/healthz": true, "/metrics": true},
	}, nil
}

// ValidateToken verifies signature, expiry, issuer and audience and returns the subject
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("missing sub claim")
	}
	return claims.Subject, nil
}

// HTTPMiddleware rejects requests without a valid bearer token.
// Health, metrics and CORS preflight requests pass through.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.skip[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing Authorization header")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthorized(w, "invalid Authorization header format")
			return
		}

		subject, err := v.ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, "invalid token: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext returns the subject set by HTTPMiddleware
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(SubjectKey).(string)
	return subject, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
