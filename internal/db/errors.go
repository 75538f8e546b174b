package db

import "errors"

// Sentinel errors for type-safe error checking
// Use errors.Is() instead of string comparison
var (
	// User errors
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("user already exists with this email")

	// Task errors
	ErrTaskNotFound    = errors.New("todo not found")
	ErrVersionMismatch = errors.New("todo has been modified by another client")
	ErrClientIDTaken   = errors.New("a todo with this client_id already exists")
)
