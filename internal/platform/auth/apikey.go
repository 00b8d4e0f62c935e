package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// APIKeySet holds the SHA-256 hashes of the keys allowed to push through the
// relay. Raw keys are not retained.
type APIKeySet struct {
	hashes [][]byte
}

// NewAPIKeySet hashes keys. Blank entries are ignored.
func NewAPIKeySet(keys []string) *APIKeySet {
	s := &APIKeySet{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		h := sha256.Sum256([]byte(k))
		s.hashes = append(s.hashes, h[:])
	}
	return s
}

// Empty reports whether no keys are configured.
func (s *APIKeySet) Empty() bool { return s == nil || len(s.hashes) == 0 }

// Valid reports whether rawKey matches a configured key. Every hash is
// compared so timing does not depend on which key matched.
func (s *APIKeySet) Valid(rawKey string) bool {
	if s.Empty() || rawKey == "" {
		return false
	}
	h := sha256.Sum256([]byte(rawKey))
	ok := 0
	for _, want := range s.hashes {
		ok |= subtle.ConstantTimeCompare(h[:], want)
	}
	return ok == 1
}

// Fingerprint is a short, loggable form of a key hash.
func Fingerprint(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:4])
}

// APIKeyMiddleware authenticates service callers by the X-API-Key header.
// With no keys configured every request passes, matching dev mode.
func APIKeyMiddleware(keys *APIKeySet) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if keys.Empty() {
				return next(c)
			}
			raw := c.Request().Header.Get("X-API-Key")
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}
			if !keys.Valid(raw) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			c.Set("api_key", Fingerprint(raw))
			return next(c)
		}
	}
}
