// Copyright 2025 Kandra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobs

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested job, event, or report does
// not exist. The storage layer wraps it with context.
var ErrNotFound = errors.New("not found")

// ValidationError is a client mistake: bad input or a request that the
// job's current data cannot satisfy. The text is the API detail message
// verbatim.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// TransitionError is a lifecycle action attempted from a state that
// does not allow it. The gate rejects without mutating the job.
type TransitionError struct {
	From   Status
	Detail string
}

func (e *TransitionError) Error() string { return e.Detail }

func transitionError(from Status, format string, args ...any) *TransitionError {
	return &TransitionError{From: from, Detail: fmt.Sprintf(format, args...)}
}

var (
	// ErrPlanMissing means approve ran before the planner stored a plan.
	ErrPlanMissing = &ValidationError{Detail: "No migration plan found for this job. Please generate a plan first."}

	// ErrPlanInvalid means the stored plan payload does not parse.
	ErrPlanInvalid = &ValidationError{Detail: "Stored plan is invalid"}

	// ErrReportMissing means no audit has produced a report yet.
	ErrReportMissing = &ValidationError{Detail: "No audit report found for this job. Run an audit first."}
)
