package webhook

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/loomworks/loom/errors"
)

// Authenticate validates an inbound request's credentials against the
// webhook's auth method. Returns ErrAuth on any mismatch; credentials are
// compared in constant time.
func (w *Webhook) Authenticate(headers http.Header) error {
	switch w.AuthMethod {
	case AuthNone:
		return nil

	case AuthAPIKey:
		provided := headers.Get("X-API-Key")
		if provided == "" {
			return errors.NewAuthf("missing X-API-Key header")
		}
		if !secureEqual(provided, w.AuthKey) {
			return errors.NewAuthf("api key mismatch")
		}
		return nil

	case AuthBearerToken:
		authz := headers.Get("Authorization")
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || token == "" {
			return errors.NewAuthf("missing bearer token")
		}
		if !secureEqual(token, w.AuthKey) {
			return errors.NewAuthf("bearer token mismatch")
		}
		return nil

	default:
		return errors.NewAuthf("unknown auth method %q", w.AuthMethod)
	}
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
