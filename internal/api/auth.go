package api

import (
	"crypto/hmac"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kenneth/keystore-client/pkg/transport/httpapi"
)

const maxClockSkew = 5 * time.Minute

// ValidateSignature checks the Authorization header against the shared
// secret, using the signing scheme defined in the httpapi package.
func ValidateSignature(r *http.Request, secret string) error {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, httpapi.AuthScheme) {
		return fmt.Errorf("missing or invalid Authorization header")
	}
	signature := strings.TrimPrefix(authHeader, httpapi.AuthScheme)

	date := r.Header.Get(httpapi.DateHeader)
	if date == "" {
		return fmt.Errorf("missing %s header", httpapi.DateHeader)
	}
	sent, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return fmt.Errorf("malformed %s header", httpapi.DateHeader)
	}
	if skew := time.Since(sent); skew > maxClockSkew || skew < -maxClockSkew {
		return fmt.Errorf("request timestamp outside the accepted window")
	}

	expected := httpapi.ComputeSignature(secret, r.Method, r.URL.EscapedPath(), date)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// AuthMiddleware rejects unsigned requests when a secret is configured.
// Health and metrics endpoints stay open for probes and scrapers.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}
			if err := ValidateSignature(r, secret); err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
