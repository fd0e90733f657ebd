package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrVenueUnavailable    = errors.New("venue unavailable")
	ErrDivisionByZero      = errors.New("division by zero in model input")
	ErrInvalidModelInput   = errors.New("invalid model input")
	ErrPartialExecution    = errors.New("partial execution failure")
	ErrRiskThresholdBreach = errors.New("risk limit breached")
	ErrPositionOpen        = errors.New("position already open")
	ErrLockHeld            = errors.New("lock already held")
	ErrStaleData           = errors.New("stale data")
)
