package services

import (
	"errors"
	"fmt"

	"wasteops/internal/lock"
	"wasteops/internal/store"
)

// ErrNotFound matches every *NotFoundError.
var ErrNotFound = errors.New("not found")

// Validation codes returned to clients.
const (
	CodeInvalidInput        = "invalid_input"
	CodeInvalidLocation     = "invalid_location"
	CodeInvalidStatus       = "invalid_status"
	CodeEmptyPatch          = "empty_patch"
	CodeActiveTripExists    = "active_trip_exists"
	CodeTripNumberTaken     = "trip_number_taken"
	CodeMaxTripsExceeded    = "max_trips_exceeded"
	CodeTripOutOfSequence   = "trip_out_of_sequence"
	CodeDriverBusy          = "driver_busy"
	CodeFeederPointInactive = "feeder_point_inactive"
	CodeOutOfRange          = "out_of_range"
	CodeWasteWeight         = "waste_weight_not_positive"
	CodeEvidenceRequired    = "evidence_required"
	CodeTripNotActive       = "trip_not_active"
	CodeTripDriverMismatch  = "trip_driver_mismatch"
	CodeAlreadyRecorded     = "already_recorded"
	CodeDuplicateDay        = "duplicate_day"
)

// ValidationError is a recoverable rejection with a user-facing message.
// Nothing was written when one is returned.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(code, format string, args ...interface{}) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CollaboratorError wraps a failure of the store, the location provider or the lock backend.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// AsValidation returns the validation error in err's chain, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

// classify turns an error that came out of a store call into one of the
// service error types. kind/id name the document for not-found errors.
func classify(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	var (
		ve *ValidationError
		nf *NotFoundError
		ce *CollaboratorError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &nf), errors.As(err, &ce):
		return err
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Kind: kind, ID: id}
	case errors.Is(err, lock.ErrTimeout):
		return invalid(CodeDriverBusy, "Another request for this driver is in progress. Try again.")
	}
	return &CollaboratorError{Collaborator: "store", Err: err}
}
