package app

import "errors"

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound        = errors.New("not found")
	ErrUpstream        = errors.New("upstream request failed")
	ErrInvalidConfig   = errors.New("invalid service config")
	ErrMissingLiveItem = errors.New("item missing from changed date lookup")
	ErrMalformedExport = errors.New("prior export is malformed")
)
