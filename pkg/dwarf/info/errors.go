package info

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAbbrev is recorded when an entry references an abbreviation
	// code that its unit's abbreviation table does not declare.
	ErrUnknownAbbrev = errors.New("unknown abbreviation code")
	// ErrUnsupportedForm is recorded for forms the decoder deliberately does
	// not implement. It denotes a gap in the decoder, not corrupt input.
	ErrUnsupportedForm = errors.New("unsupported attribute form")
	// ErrTruncated is recorded when a unit or entry ends before its
	// declared size.
	ErrTruncated = errors.New("truncated debug information")
	// ErrUnbalanced is recorded when a unit ends before every entry that
	// declared children was closed by a null entry.
	ErrUnbalanced = errors.New("unbalanced children in unit")
	// ErrBadUnitHeader is recorded for unit headers this decoder cannot use.
	ErrBadUnitHeader = errors.New("bad unit header")
)

// UnsupportedFormError carries the form and offset of an attribute that
// could not be decoded. It wraps ErrUnsupportedForm.
type UnsupportedFormError struct {
	Form   Form
	Offset uint64
}

func (e *UnsupportedFormError) Error() string {
	return fmt.Sprintf("%v at offset %#x: %v", ErrUnsupportedForm, e.Offset, e.Form)
}

func (e *UnsupportedFormError) Unwrap() error { return ErrUnsupportedForm }
