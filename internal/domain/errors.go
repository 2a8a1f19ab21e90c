package domain

import "errors"

var (
	ErrInvalidID          = errors.New("invalid id")
	ErrInvalidName        = errors.New("invalid name")
	ErrInvalidPosition    = errors.New("invalid position")
	ErrEmptyBoard         = errors.New("board has no columns")
	ErrDuplicateColumn    = errors.New("duplicate board column")
	ErrDuplicateHeader    = errors.New("duplicate report header")
	ErrRowWidth           = errors.New("row width does not match header")
	ErrInvalidBlockedDays = errors.New("invalid blocked days")
)
