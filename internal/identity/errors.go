package identity

import "errors"

// ErrAuth is the single error surfaced for every rejected credential.
// Callers match it with errors.Is; the wrapped cause is for logs only.
var ErrAuth = errors.New("authentication failed")

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrInvalidRole       = errors.New("invalid role claim")
	ErrMissingSubject    = errors.New("missing subject claim")
	ErrWeakSecret        = errors.New("signing secret must be at least 32 bytes")
)
