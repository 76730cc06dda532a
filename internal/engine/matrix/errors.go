package matrix

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/matheus3301/mtx/internal/engine"
	"maunium.net/go/mautrix"
)

// StatusCode returns the HTTP status of a failed homeserver request, or 0
// when err carries none.
func StatusCode(err error) int {
	var he mautrix.HTTPError
	if errors.As(err, &he) && he.Response != nil {
		return he.Response.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether err means the access token is invalid.
func IsUnauthorized(err error) bool {
	return errors.Is(err, mautrix.MUnknownToken) || StatusCode(err) == http.StatusUnauthorized
}

// lookupErr maps M_NOT_FOUND onto engine.ErrNotFound.
func lookupErr(err error) error {
	if errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("%w: %w", engine.ErrNotFound, err)
	}
	return err
}
