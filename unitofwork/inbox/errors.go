package inbox

import "errors"

var (
	ErrRepositoryRequired    = errors.New("inbox repository is required")
	ErrRegistryRequired      = errors.New("handler registry is required")
	ErrHandlerRequired       = errors.New("handler is required")
	ErrEventNameRequired     = errors.New("event name is required")
	ErrHandlerAlreadyBound   = errors.New("handler already registered for event name")
	ErrMessageRequired       = errors.New("inbox message is required")
	ErrMessageNotFound       = errors.New("inbox message not found")
	ErrMessageIDRequired     = errors.New("inbox message id is required")
	ErrWorkerIDRequired      = errors.New("worker id is required")
	ErrProcessorRequired     = errors.New("inbox processor is required")
	ErrProcessorRunning      = errors.New("inbox processor is already running")
	ErrLeaseConflict         = errors.New("inbox message is leased by another worker")
	ErrInvalidStatus         = errors.New("invalid inbox message status")
	ErrInvalidTransition     = errors.New("invalid inbox status transition")
	ErrLimitMustBePositive   = errors.New("limit must be greater than zero")
	ErrLeaseMustBePositive   = errors.New("lease duration must be greater than zero")
	ErrDatabaseRequired      = errors.New("database handle is required")
	ErrNoHandlerForEventName = errors.New("no handler registered for event name")
)
