package store

import "errors"

var (
	ErrServiceNotFound     = errors.New("service not found")
	ErrTokenNotFound       = errors.New("token not found")
	ErrNoToken             = errors.New("no token available")
	ErrInvalidState        = errors.New("invalid token state")
	ErrActiveTokenExists   = errors.New("active token already exists")
	ErrServingSlotOccupied = errors.New("serving slot occupied")
	ErrAccessDenied        = errors.New("access denied")
	ErrUserNotFound        = errors.New("user not found")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrSessionNotFound     = errors.New("session not found")
)
