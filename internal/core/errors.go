// Package core defines the fundamental types and errors for Isabella.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Identity errors
	ErrInvalidKey          = errors.New("invalid cryptographic key")
	ErrKeyGenerationFailed = errors.New("key generation failed")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrInvalidSignature    = errors.New("invalid signature")

	// Task errors
	ErrTaskTerminal    = errors.New("task already in terminal state")
	ErrEvaluatorFailed = errors.New("security evaluator failed")
	ErrNoEvaluator     = errors.New("no security evaluator configured")
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions")
	ErrUnknownModule   = errors.New("unknown module")
	ErrUnknownCrumAct  = errors.New("unknown crum action")

	// Storage errors
	ErrDatabaseNotFound = errors.New("database not found")
	ErrMigrationFailed  = errors.New("migration failed")
	ErrRecordNotFound   = errors.New("record not found")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
