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

// all compmake errors
var (
	// general errors
	ErrUnknown = errors.Normalize(
		"unknown error",
		errors.RFCCodeText("CMAKE:ErrUnknown"),
	)
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("CMAKE:ErrInvalidArgument"),
	)

	// job definition errors, all of them are user errors
	ErrInvalidJobID = errors.Normalize(
		"invalid job id %q: %s",
		errors.RFCCodeText("CMAKE:ErrInvalidJobID"),
	)
	ErrJobAlreadyDefined = errors.Normalize(
		"job %s was already defined in this session",
		errors.RFCCodeText("CMAKE:ErrJobAlreadyDefined"),
	)
	ErrJobNotFound = errors.Normalize(
		"job %s not found",
		errors.RFCCodeText("CMAKE:ErrJobNotFound"),
	)
	ErrJobCycle = errors.Normalize(
		"defining job %s would create a dependency cycle through %s",
		errors.RFCCodeText("CMAKE:ErrJobCycle"),
	)
	ErrCommandNotFound = errors.Normalize(
		"command %s is not registered",
		errors.RFCCodeText("CMAKE:ErrCommandNotFound"),
	)
	ErrCommandAlreadyRegistered = errors.Normalize(
		"command %s is already registered",
		errors.RFCCodeText("CMAKE:ErrCommandAlreadyRegistered"),
	)
	ErrCommandKindMismatch = errors.Normalize(
		"command %s is %s, expected %s",
		errors.RFCCodeText("CMAKE:ErrCommandKindMismatch"),
	)

	// batch command surface errors
	ErrSelectorSyntax = errors.Normalize(
		"invalid job selector %q: %s",
		errors.RFCCodeText("CMAKE:ErrSelectorSyntax"),
	)
	ErrSelectorNoMatch = errors.Normalize(
		"no job matches %q",
		errors.RFCCodeText("CMAKE:ErrSelectorNoMatch"),
	)
	ErrUnknownCommand = errors.Normalize(
		"unknown command %q",
		errors.RFCCodeText("CMAKE:ErrUnknownCommand"),
	)
	ErrInvalidCommandLine = errors.Normalize(
		"invalid command line %q: %s",
		errors.RFCCodeText("CMAKE:ErrInvalidCommandLine"),
	)

	// config errors
	ErrConfigDecode = errors.Normalize(
		"decode config failed",
		errors.RFCCodeText("CMAKE:ErrConfigDecode"),
	)
	ErrConfigUnknownItem = errors.Normalize(
		"unknown config item: %s",
		errors.RFCCodeText("CMAKE:ErrConfigUnknownItem"),
	)
	ErrConfigInvalid = errors.Normalize(
		"invalid config: %s",
		errors.RFCCodeText("CMAKE:ErrConfigInvalid"),
	)

	// job execution errors
	ErrJobFailed = errors.Normalize(
		"job %s failed",
		errors.RFCCodeText("CMAKE:ErrJobFailed"),
	)
	ErrJobBlocked = errors.Normalize(
		"job %s is blocked by failed dependency %s",
		errors.RFCCodeText("CMAKE:ErrJobBlocked"),
	)
	ErrSerialization = errors.Normalize(
		"result of job %s cannot be serialized",
		errors.RFCCodeText("CMAKE:ErrSerialization"),
	)
	ErrJobInterrupted = errors.Normalize(
		"job %s was interrupted",
		errors.RFCCodeText("CMAKE:ErrJobInterrupted"),
	)
	ErrHostFailed = errors.Normalize(
		"host %s failed while running job %s",
		errors.RFCCodeText("CMAKE:ErrHostFailed"),
	)
	ErrGetTimeout = errors.Normalize(
		"result of job %s not ready after %s",
		errors.RFCCodeText("CMAKE:ErrGetTimeout"),
	)

	// internal invariant errors
	ErrCompmakeBug = errors.Normalize(
		"internal invariant violated: %s",
		errors.RFCCodeText("CMAKE:ErrCompmakeBug"),
	)
	ErrInvalidStateTransition = errors.Normalize(
		"invalid cache state transition from %s to %s",
		errors.RFCCodeText("CMAKE:ErrInvalidStateTransition"),
	)
	ErrInconsistentGraph = errors.Normalize(
		"job database is inconsistent: %d problem(s) found",
		errors.RFCCodeText("CMAKE:ErrInconsistentGraph"),
	)

	// storage errors
	ErrStorageKeyNotFound = errors.Normalize(
		"key %s not found",
		errors.RFCCodeText("CMAKE:ErrStorageKeyNotFound"),
	)
	ErrStorageOp = errors.Normalize(
		"storage operation %s failed",
		errors.RFCCodeText("CMAKE:ErrStorageOp"),
	)
	ErrStorageBackendUnknown = errors.Normalize(
		"unknown storage backend %s",
		errors.RFCCodeText("CMAKE:ErrStorageBackendUnknown"),
	)
	ErrStorageNotShareable = errors.Normalize(
		"storage backend %s cannot be shared with worker processes",
		errors.RFCCodeText("CMAKE:ErrStorageNotShareable"),
	)
	ErrDecodeRecord = errors.Normalize(
		"decode %s record of job %s failed",
		errors.RFCCodeText("CMAKE:ErrDecodeRecord"),
	)
	ErrEncodeRecord = errors.Normalize(
		"encode %s record of job %s failed",
		errors.RFCCodeText("CMAKE:ErrEncodeRecord"),
	)

	// manager errors
	ErrManagerResourceExhausted = errors.Normalize(
		"no job can make progress: %s",
		errors.RFCCodeText("CMAKE:ErrManagerResourceExhausted"),
	)
	ErrJobsFailed = errors.Normalize(
		"%d job(s) failed, %d job(s) blocked",
		errors.RFCCodeText("CMAKE:ErrJobsFailed"),
	)
	ErrManagerClosed = errors.Normalize(
		"manager has already processed its targets",
		errors.RFCCodeText("CMAKE:ErrManagerClosed"),
	)
	ErrManagerBackendUnknown = errors.Normalize(
		"unknown manager backend %s",
		errors.RFCCodeText("CMAKE:ErrManagerBackendUnknown"),
	)
)
