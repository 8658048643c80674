package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrValidation means the caller supplied invalid input.
	ErrValidation = goerr.New("validation error")

	// ErrNotFound means the referenced memory or session does not exist.
	ErrNotFound = goerr.New("not found")
)
