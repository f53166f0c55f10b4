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

package model

import (
	"regexp"
	"strings"

	"github.com/pingcap/compmake/pkg/errors"
)

// RecordKind is the kind of a persisted record of a job.
type RecordKind string

// All RecordKind
const (
	KindJob        RecordKind = "job"
	KindCache      RecordKind = "cache"
	KindUserObject RecordKind = "userobject"
	KindTmpObject  RecordKind = "tmpobject"
)

// AllRecordKinds lists the record kinds in deletion order.
var AllRecordKinds = []RecordKind{KindUserObject, KindTmpObject, KindCache, KindJob}

const keySep = ":"

// Key returns the storage key of a record.
func Key(namespace string, kind RecordKind, jobID string) string {
	return namespace + keySep + string(kind) + keySep + jobID
}

// KeyPattern returns the glob matching all records of one kind.
func KeyPattern(namespace string, kind RecordKind) string {
	return namespace + keySep + string(kind) + keySep + "*"
}

// JobIDFromKey extracts the job id from a key produced by Key.
func JobIDFromKey(namespace string, kind RecordKind, key string) (string, bool) {
	prefix := namespace + keySep + string(kind) + keySep
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return "", false
	}
	return key[len(prefix):], true
}

var jobIDRe = regexp.MustCompile(`^[A-Za-z0-9_.+=@:-]+$`)

// reservedIDs collide with words of the job selector language.
var reservedIDs = map[string]struct{}{
	Root: {}, "not": {}, "except": {}, "but": {}, "in": {}, "and": {}, "intersect": {},
	"all": {}, "done": {}, "failed": {}, "blocked": {}, "not_started": {}, "in_progress": {},
	"more_requested": {}, "uptodate": {}, "todo": {}, "top": {}, "bottom": {}, "dynamic": {},
}

// ValidateJobID checks that id can be stored and selected.
func ValidateJobID(id string) error {
	if id == "" {
		return errors.ErrInvalidJobID.GenWithStackByArgs(id, "empty id")
	}
	if !jobIDRe.MatchString(id) {
		return errors.ErrInvalidJobID.GenWithStackByArgs(id,
			"only letters, digits and _.+=@:- are allowed")
	}
	if _, ok := reservedIDs[id]; ok {
		return errors.ErrInvalidJobID.GenWithStackByArgs(id, "reserved word")
	}
	return nil
}
