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

package event

import (
	"fmt"
	"time"
)

// Type identifies a scheduler event.
type Type string

// All event types.
const (
	ManagerInit      Type = "manager-init"
	ManagerProgress  Type = "manager-progress"
	ManagerSucceeded Type = "manager-succeeded"
	ManagerFailed    Type = "manager-failed"

	JobDefined     Type = "job-defined"
	JobRedefined   Type = "job-redefined"
	JobDeleted     Type = "job-deleted"
	JobStarted     Type = "job-started"
	JobProgress    Type = "job-progress"
	JobSucceeded   Type = "job-succeeded"
	JobFailed      Type = "job-failed"
	JobBlocked     Type = "job-blocked"
	JobInterrupted Type = "job-interrupted"
)

// Progress counts work units, of a step command or of a whole make.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Event is published on the Bus.
type Event struct {
	Type  Type      `json:"type"`
	Time  time.Time `json:"time"`
	JobID string    `json:"job_id,omitempty"`
	Host  string    `json:"host,omitempty"`
	// Progress is set for JobProgress and ManagerProgress.
	Progress Progress `json:"progress"`
	// Reason explains failures, blocks and interruptions.
	Reason string `json:"reason,omitempty"`
}

// String implements fmt.Stringer
func (e Event) String() string {
	s := string(e.Type)
	if e.JobID != "" {
		s += " " + e.JobID
	}
	if e.Progress.Total > 0 {
		s += fmt.Sprintf(" %d/%d", e.Progress.Done, e.Progress.Total)
	}
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}
