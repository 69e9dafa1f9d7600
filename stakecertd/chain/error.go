// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies observer failures.
type ErrorKind int

const (
	ErrConnection        ErrorKind = iota // Wire client unreachable or timed out
	ErrEpochQuery                         // Bad epoch data
	ErrStakeDistribution                  // Bad stake data
	ErrStateCommitment                    // Bad or missing commitment
	ErrInvalidData                        // Response does not match schema
	ErrValidatorNotFound                  // Unknown validator
)

var kindStrings = map[ErrorKind]string{
	ErrConnection:        "connection error",
	ErrEpochQuery:        "epoch query error",
	ErrStakeDistribution: "stake distribution error",
	ErrStateCommitment:   "state commitment error",
	ErrInvalidData:       "invalid data",
	ErrValidatorNotFound: "validator not found",
}

// String returns a human readable kind.
func (k ErrorKind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown error kind %d", int(k))
}

// ObserverError is returned by Observer implementations.  Failures are
// transient unless Permanent is set.
type ObserverError struct {
	Chain     ID
	Kind      ErrorKind
	Permanent bool
	Err       error
}

// Error satisfies the error interface.
func (e *ObserverError) Error() string {
	return fmt.Sprintf("%v: %v: %v", e.Chain, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ObserverError) Unwrap() error {
	return e.Err
}

// NewError returns a transient observer error.
func NewError(id ID, kind ErrorKind, err error) *ObserverError {
	return &ObserverError{Chain: id, Kind: kind, Err: err}
}

// NewPermanentError returns an observer error that retrying cannot fix.
func NewPermanentError(id ID, kind ErrorKind, err error) *ObserverError {
	return &ObserverError{Chain: id, Kind: kind, Permanent: true, Err: err}
}

// IsPermanent returns true if err is an ObserverError marked permanent.
func IsPermanent(err error) bool {
	var oe *ObserverError
	return errors.As(err, &oe) && oe.Permanent
}

// KindOf returns the kind of an ObserverError.
func KindOf(err error) (ErrorKind, bool) {
	var oe *ObserverError
	if !errors.As(err, &oe) {
		return 0, false
	}
	return oe.Kind, true
}
