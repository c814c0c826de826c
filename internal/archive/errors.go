package archive

import "errors"

var (
	ErrClosed       = errors.New("archive is closed")
	ErrEmptyPath    = errors.New("archive path cannot be empty")
	ErrInvalidLimit = errors.New("history limit must be positive")
)
