/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package state holds the pure transition rules for task, group, and workflow
// statuses. Both the frontend worker and the backend sessions consult this
// package; the actual concurrency guard is the predicated UPDATE in the store
// layer, which uses AllowedPredecessors and PhaseColumn to build its WHERE
// clause.
package state

// Status is a task or group status. Workflows share the same value space with
// the addition of StatusPending as the pre-processing state.
type Status string

const (
	StatusSubmitting   Status = "SUBMITTING"
	StatusPending      Status = "PENDING"
	StatusWaiting      Status = "WAITING"
	StatusProcessing   Status = "PROCESSING"
	StatusScheduling   Status = "SCHEDULING"
	StatusInitializing Status = "INITIALIZING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusRescheduled  Status = "RESCHEDULED"

	StatusFailed             Status = "FAILED"
	StatusFailedCanceled     Status = "FAILED_CANCELED"
	StatusFailedExecTimeout  Status = "FAILED_EXEC_TIMEOUT"
	StatusFailedQueueTimeout Status = "FAILED_QUEUE_TIMEOUT"
	StatusFailedUpstream     Status = "FAILED_UPSTREAM"
	StatusFailedServerError  Status = "FAILED_SERVER_ERROR"
	StatusFailedBackendError Status = "FAILED_BACKEND_ERROR"
	StatusFailedPreempted    Status = "FAILED_PREEMPTED"
	StatusFailedEvicted      Status = "FAILED_EVICTED"
	StatusFailedImagePull    Status = "FAILED_IMAGE_PULL"
	StatusFailedStartError   Status = "FAILED_START_ERROR"
	StatusFailedStartTimeout Status = "FAILED_START_TIMEOUT"

	StatusUnknown Status = "UNKNOWN"
)

// Priority orders workflows within a pool. Only schedulers that declare
// priority support accept non-NORMAL priorities.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is a known priority value.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// Exit codes reported for control-plane initiated failures. Codes in the
// 3000 range are infrastructure failures, 4000 is an unclassified failure.
const (
	ExitCodeNotSet             int32 = -1
	ExitCodeFailedServerError  int32 = 3000
	ExitCodeFailedBackendError int32 = 3001
	ExitCodeFailedCanceled     int32 = 3002
	ExitCodeFailedStartError   int32 = 3003
	ExitCodeFailedEvicted      int32 = 3004
	ExitCodeFailedExecTimeout  int32 = 3005
	ExitCodeFailedPreempted    int32 = 3006
	ExitCodeFailedQueueTimeout int32 = 3007
	ExitCodeFailedUpstream     int32 = 3008
	ExitCodeFailedUnknown      int32 = 4000
)

// ladder maps the forward progression states to their position. Terminal
// states are not in the ladder.
var ladder = map[Status]int{
	StatusSubmitting:   0,
	StatusWaiting:      1,
	StatusProcessing:   2,
	StatusScheduling:   3,
	StatusInitializing: 4,
	StatusRunning:      5,
}

// activeLadder is the progression in order, used to build predecessor sets.
var activeLadder = []Status{
	StatusSubmitting,
	StatusWaiting,
	StatusProcessing,
	StatusScheduling,
	StatusInitializing,
	StatusRunning,
}

// cancellationStatuses may be applied to a whole group from any non-terminal
// state, bypassing the normal ladder.
var cancellationStatuses = map[Status]bool{
	StatusFailedCanceled:     true,
	StatusFailedExecTimeout:  true,
	StatusFailedQueueTimeout: true,
	StatusFailedUpstream:     true,
	StatusFailedServerError:  true,
}

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	if s == StatusCompleted || s == StatusRescheduled {
		return true
	}
	return s.Failed()
}

// Failed reports whether the status is any of the failure variants.
func (s Status) Failed() bool {
	switch s {
	case StatusFailed, StatusFailedCanceled, StatusFailedExecTimeout,
		StatusFailedQueueTimeout, StatusFailedUpstream, StatusFailedServerError,
		StatusFailedBackendError, StatusFailedPreempted, StatusFailedEvicted,
		StatusFailedImagePull, StatusFailedStartError, StatusFailedStartTimeout:
		return true
	}
	return false
}

// Active reports whether the status is on the forward ladder.
func (s Status) Active() bool {
	_, ok := ladder[s]
	return ok
}

// IsCancellation reports whether the status is one of the group-wide
// cancellation variants.
func (s Status) IsCancellation() bool {
	return cancellationStatuses[s]
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return s.Active() || s.Finished() || s == StatusPending || s == StatusUnknown
}

// AllowedPredecessors returns the set of statuses from which a transition to
// the target is legal. The store layer turns this into
// `status = ANY(...)` so that stale or duplicate events become no-op writes.
func AllowedPredecessors(target Status) []Status {
	if target.IsCancellation() {
		// Cancellation jumps from any non-terminal state.
		return activeLadder
	}
	switch target {
	case StatusWaiting:
		return []Status{StatusSubmitting}
	case StatusProcessing:
		return []Status{StatusWaiting}
	case StatusScheduling:
		return []Status{StatusProcessing}
	case StatusInitializing:
		return []Status{StatusProcessing, StatusScheduling}
	case StatusRunning:
		return []Status{StatusProcessing, StatusScheduling, StatusInitializing}
	}
	if target.Finished() {
		// A real task result requires the group to have been dispatched.
		return []Status{
			StatusProcessing, StatusScheduling, StatusInitializing, StatusRunning,
		}
	}
	return nil
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to Status) bool {
	for _, s := range AllowedPredecessors(to) {
		if s == from {
			return true
		}
	}
	return false
}

// PhaseColumn returns the phase start-time column associated with the target
// status. The column must still be NULL for the transition to fire; it is the
// optimistic concurrency token that makes out-of-order events no-ops.
func PhaseColumn(target Status) string {
	switch target {
	case StatusWaiting:
		return "waiting_start_time"
	case StatusProcessing:
		return "processing_start_time"
	case StatusScheduling:
		return "scheduling_start_time"
	case StatusInitializing:
		return "initializing_start_time"
	case StatusRunning:
		return "running_start_time"
	}
	if target.Finished() {
		return "end_time"
	}
	return ""
}

// PeerStatus returns the status to propagate to non-lead peers when the lead
// task finished with the given status. Special failure variants are replaced
// by plain FAILED because the peer did not itself fail; cancellation variants
// are kept since they apply to the whole group.
func PeerStatus(lead Status) Status {
	if lead.IsCancellation() {
		return lead
	}
	if lead.Failed() {
		return StatusFailed
	}
	return lead
}

// TaskView is the slice of a task row the aggregation functions need.
type TaskView struct {
	Status Status
	Lead   bool
}

// AggregateTasks computes the group status from its current tasks (the latest
// retry row per task name). With ignoreNonlead set, only the lead task is
// considered.
func AggregateTasks(tasks []TaskView, ignoreNonlead bool) Status {
	considered := make([]Status, 0, len(tasks))
	anyRunning := false
	for _, t := range tasks {
		if ignoreNonlead && !t.Lead {
			continue
		}
		considered = append(considered, t.Status)
		if t.Status == StatusRunning {
			anyRunning = true
		}
	}
	if len(considered) == 0 {
		return StatusUnknown
	}

	for _, s := range considered {
		if !s.Finished() {
			if anyRunning {
				return StatusRunning
			}
			return StatusInitializing
		}
	}

	return aggregateFinished(considered)
}

// AggregateGroups computes the workflow status from its group statuses.
// PENDING takes the place of the pre-processing states: the workflow stays
// PENDING until some group has been dispatched.
func AggregateGroups(groups []Status) Status {
	if len(groups) == 0 {
		return StatusUnknown
	}

	allPre := true
	anyStarted := false
	anyUnfinished := false
	for _, s := range groups {
		switch s {
		case StatusSubmitting, StatusWaiting:
		default:
			allPre = false
		}
		switch s {
		case StatusScheduling, StatusInitializing, StatusRunning:
			anyStarted = true
		}
		if !s.Finished() {
			anyUnfinished = true
		}
	}

	if anyUnfinished {
		if allPre {
			return StatusPending
		}
		if anyStarted {
			return StatusRunning
		}
		// Groups are PROCESSING or a mix of pre-processing and finished.
		return StatusRunning
	}

	return aggregateFinished(groups)
}

// aggregateFinished resolves a set of terminal statuses by failure
// precedence. Cancellation variants must survive the aggregation: the group
// status guard admits them from pre-dispatch states, while a plain FAILED
// would be rejected there.
func aggregateFinished(statuses []Status) Status {
	precedence := []Status{
		StatusFailedUpstream,
		StatusFailedServerError,
		StatusFailedCanceled,
		StatusFailedQueueTimeout,
		StatusFailedExecTimeout,
		StatusFailedPreempted,
		StatusFailedEvicted,
	}
	for _, want := range precedence {
		for _, s := range statuses {
			if s == want {
				return want
			}
		}
	}
	for _, s := range statuses {
		if s.Failed() {
			return StatusFailed
		}
	}
	for _, s := range statuses {
		// A RESCHEDULED row is superseded by its retry; until the new row
		// lands the set is not complete yet.
		if s != StatusCompleted {
			return StatusRunning
		}
	}
	return StatusCompleted
}
