package services

import "errors"

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("message was modified concurrently")
	ErrNotCancellable  = errors.New("message is no longer cancellable")
	ErrInvalidSchedule = errors.New("invalid schedule parameters")
	ErrNoRecipients    = errors.New("at least one recipient is required")
	ErrEmailTaken      = errors.New("email already registered")
)
