package archive

import "errors"

var (
	ErrInvalidDriver       = errors.New("unsupported archive driver")
	ErrMissingHost         = errors.New("archive host is required")
	ErrMissingDatabase     = errors.New("archive database is required")
	ErrMissingUsername     = errors.New("archive username is required")
	ErrInvalidPort         = errors.New("invalid archive port")
	ErrInvalidPoolSettings = errors.New("invalid connection pool settings")
	ErrClosed              = errors.New("archive store is closed")
)
