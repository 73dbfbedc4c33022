package session

import (
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
)

// maxTokenLength rejects values that cannot be a token (e.g. a clobbered cookie).
const maxTokenLength = 4096

// Usable reports whether token is structurally sound and, when it is a JWT,
// not yet expired. Signatures are not verified; only the backend can do that.
func Usable(token string, now time.Time) bool {
	if token == "" || len(token) > maxTokenLength {
		return false
	}
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r > unicode.MaxASCII {
			return false
		}
	}

	if strings.Count(token, ".") != 2 {
		return true
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return false
	}
	return true
}
