// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"github.com/pingcap/errors"
)

// Error is the normalized error type of this package.
type Error = errors.Error

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error. The args fill the message of rfcError; the message of err
// is appended verbatim.
// If given `err` is nil, returns a nil error, which a the different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// Is reports whether any error in err's chain carries the RFC code of target.
func Is(err error, target *errors.Error) bool {
	for err != nil {
		if e, ok := err.(*errors.Error); ok && e.RFCCode() == target.RFCCode() {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case interface{ Cause() error }:
			err = x.Cause()
		default:
			return false
		}
	}
	return false
}

// IsAny reports whether err matches one of the targets.
func IsAny(err error, targets ...*errors.Error) bool {
	for _, target := range targets {
		if Is(err, target) {
			return true
		}
	}
	return false
}

var userErrors = []*errors.Error{
	ErrInvalidArgument,
	ErrInvalidJobID,
	ErrJobAlreadyDefined,
	ErrJobNotFound,
	ErrJobCycle,
	ErrCommandNotFound,
	ErrCommandAlreadyRegistered,
	ErrCommandKindMismatch,
	ErrSelectorSyntax,
	ErrSelectorNoMatch,
	ErrUnknownCommand,
	ErrInvalidCommandLine,
	ErrConfigDecode,
	ErrConfigUnknownItem,
	ErrConfigInvalid,
	ErrStorageBackendUnknown,
	ErrStorageNotShareable,
	ErrManagerBackendUnknown,
}

// IsUserError returns true if err was caused by bad input from the user,
// e.g. an invalid job id or a malformed command line.
func IsUserError(err error) bool {
	return IsAny(err, userErrors...)
}

// IsJobFailure returns true if err reports that a job or one of its
// dependencies failed.
func IsJobFailure(err error) bool {
	return IsAny(err, ErrJobFailed, ErrJobBlocked, ErrSerialization, ErrJobsFailed)
}

// IsRetryable returns true for failures that are not attributable to the job
// itself, so the job can be scheduled again.
func IsRetryable(err error) bool {
	return IsAny(err, ErrJobInterrupted, ErrHostFailed)
}

// IsBug returns true if err signals a violated internal invariant.
func IsBug(err error) bool {
	return IsAny(err, ErrCompmakeBug, ErrInvalidStateTransition)
}
