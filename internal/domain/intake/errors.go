package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDuplicateOrder matches any *DuplicateOrderError via errors.Is.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrOrderConflict is returned by a store when the order uniqueness
	// constraint rejects an insert.
	ErrOrderConflict = errors.New("order uniqueness constraint violated")

	// ErrNotFound is returned by a store when a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// FormatError reports a malformed value for a single input field.
type FormatError struct {
	Field   string
	Message string
}

func (e *FormatError) Error() string {
	return e.Field + ": " + e.Message
}

// FutureDateError is the format error for a date after the current local date.
type FutureDateError struct {
	Field string
	Date  time.Time
	Today time.Time
}

func (e *FutureDateError) Error() string {
	return e.format().Error()
}

// Unwrap exposes the underlying format error so errors.As(err, *FormatError)
// matches future-date failures too.
func (e *FutureDateError) Unwrap() error {
	return e.format()
}

func (e *FutureDateError) format() *FormatError {
	return &FormatError{
		Field:   e.Field,
		Message: fmt.Sprintf("date %s is after today (%s)", e.Date.Format(DateLayout), e.Today.Format(DateLayout)),
	}
}

// ValidationErrors collects every field failure of one submission. Text and
// identifier fields come first in form order, then the order date, then the
// date of birth.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, err := range v {
		msgs = append(msgs, err.Error())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Unwrap lets errors.As reach individual field errors.
func (v ValidationErrors) Unwrap() []error {
	return v
}

// Fields maps each failing field to its message.
func (v ValidationErrors) Fields() map[string]string {
	out := make(map[string]string, len(v))
	for _, err := range v {
		var fe *FormatError
		if errors.As(err, &fe) {
			out[fe.Field] = fe.Message
		}
	}
	return out
}

// DuplicateOrderError rejects a submission identical in patient, medication
// and date to a committed order.
type DuplicateOrderError struct {
	MRN            string
	MedicationName string
	OrderDate      time.Time
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("duplicate order: patient MRN %s already has %s on %s",
		e.MRN, e.MedicationName, e.OrderDate.Format(DateLayout))
}

// Is reports ErrDuplicateOrder as a match.
func (e *DuplicateOrderError) Is(target error) bool {
	return target == ErrDuplicateOrder
}

// StorageError reports a store failure; no writes were committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
