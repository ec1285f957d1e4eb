package repository

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound          = errors.New("job not found")
	ErrJobStateConflict     = errors.New("job state changed concurrently")
	ErrInsufficientTokens   = errors.New("insufficient tokens")
	ErrDuplicateReservation = errors.New("job already has a token reservation")
)

// InsufficientTokensError carries the amount a reservation needed.
type InsufficientTokensError struct {
	Required  int
	Available int
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientTokensError) Unwrap() error {
	return ErrInsufficientTokens
}
