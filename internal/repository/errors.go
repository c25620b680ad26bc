package repository

import "errors"

var (
	// ErrInvalidRun indicates a run without an ID or result
	ErrInvalidRun = errors.New("invalid run")

	// ErrRunNotFound indicates the run is not (or no longer) in the history
	ErrRunNotFound = errors.New("run not found")
)
