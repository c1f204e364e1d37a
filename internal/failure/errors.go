package failure

import "errors"

var (
	// ErrNotFound is returned when a failure card does not exist.
	ErrNotFound = errors.New("failure card not found")

	// ErrTicketNotFound is returned when a ticket does not exist.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrVersionConflict is returned when a card changed since it was read.
	ErrVersionConflict = errors.New("card version conflict")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrServiceClosed is returned after Close.
	ErrServiceClosed = errors.New("service is closed")
)
