package qbit

import (
	"errors"
	"fmt"
)

// ErrAuth covers rejected credentials and expired sessions. Callers treat it
// as a session-level failure: the instance must go through a fresh login.
var ErrAuth = errors.New("authentication rejected")

// ErrNotFound means the referenced torrent does not exist on the instance.
var ErrNotFound = errors.New("torrent not found")

// APIError is a non-2xx response from the WebUI that is neither an auth
// rejection nor a missing torrent.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Body)
}
