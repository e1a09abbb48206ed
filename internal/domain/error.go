package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrActiveRunExists    = errors.New("scope already has an active run")
	ErrNoEligibleSubjects = errors.New("no eligible subjects for this run")
	ErrNoFailedItems      = errors.New("run has no failed items to retry")
	ErrRunTerminal        = errors.New("run already reached a terminal status")
	ErrRunNotTerminal     = errors.New("run is still active")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid execution context for query")
)
