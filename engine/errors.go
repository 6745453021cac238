package engine

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrSaveFailed    = errors.New("failed to save config")
	ErrNoGateway     = errors.New("no gateway configured")
)
