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

package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"go.corp.nvidia.com/osmo/service/compute/state"
)

// codeRange is one inclusive integer range of exit codes.
type codeRange struct {
	low  int32
	high int32
}

// ExitActions maps substitute statuses to parsed exit-code ranges.
type ExitActions struct {
	actions map[state.Status][]codeRange
}

// allowedActionStatuses are the statuses an exit action may rewrite to.
var allowedActionStatuses = map[state.Status]bool{
	state.StatusCompleted:   true,
	state.StatusFailed:      true,
	state.StatusRescheduled: true,
}

// ParseExitActions parses a per-task exit-action map such as
// {"RESCHEDULED": "137,139", "COMPLETED": "0-3,10"}.
func ParseExitActions(raw map[string]string) (*ExitActions, error) {
	ea := &ExitActions{actions: make(map[state.Status][]codeRange, len(raw))}
	for statusName, rangeSpec := range raw {
		status := state.Status(strings.ToUpper(strings.TrimSpace(statusName)))
		if !allowedActionStatuses[status] {
			return nil, fmt.Errorf("exit action status %q is not supported", statusName)
		}
		ranges, err := parseRanges(rangeSpec)
		if err != nil {
			return nil, fmt.Errorf("exit action %s: %w", status, err)
		}
		ea.actions[status] = ranges
	}
	return ea, nil
}

// parseRanges parses a comma-separated range list, e.g. "0-3,10".
func parseRanges(spec string) ([]codeRange, error) {
	parts := strings.Split(spec, ",")
	ranges := make([]codeRange, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if low, high, found := strings.Cut(part, "-"); found {
			lo, err := strconv.ParseInt(strings.TrimSpace(low), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			hi, err := strconv.ParseInt(strings.TrimSpace(high), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			if hi < lo {
				return nil, fmt.Errorf("descending range %q", part)
			}
			ranges = append(ranges, codeRange{low: int32(lo), high: int32(hi)})
			continue
		}
		code, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid exit code %q", part)
		}
		ranges = append(ranges, codeRange{low: int32(code), high: int32(code)})
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("empty range list")
	}
	return ranges, nil
}

// Match returns the substitute status for an exit code, if any range applies.
func (ea *ExitActions) Match(exitCode int32) (state.Status, bool) {
	if ea == nil {
		return "", false
	}
	// Deterministic precedence: a reschedule wins over a rewrite to a plain
	// result when ranges overlap.
	for _, status := range []state.Status{
		state.StatusRescheduled, state.StatusCompleted, state.StatusFailed,
	} {
		for _, r := range ea.actions[status] {
			if exitCode >= r.low && exitCode <= r.high {
				return status, true
			}
		}
	}
	return "", false
}

// ApplyResult is the outcome of exit-action evaluation.
type ApplyResult struct {
	Status state.Status
	// Note is appended to the task message when the action could not be
	// applied (retry limit) or was rewritten.
	Note string
}

// Apply rewrites a task result per the exit actions, subject to the per-task
// retry limit and scheduler retry support. A RESCHEDULED action past the
// limit falls back to the observed status with a note.
func (ea *ExitActions) Apply(
	observed state.Status,
	exitCode int32,
	retryID int32,
	maxRetryPerTask int32,
	retrySupported bool,
) ApplyResult {
	// Exit actions only apply to real task results.
	if observed.IsCancellation() {
		return ApplyResult{Status: observed}
	}

	action, ok := ea.Match(exitCode)
	if !ok {
		return ApplyResult{Status: observed}
	}

	if action == state.StatusRescheduled {
		if !retrySupported {
			return ApplyResult{
				Status: observed,
				Note:   "No exit action applied because the scheduler does not support retries.",
			}
		}
		if retryID >= maxRetryPerTask {
			return ApplyResult{
				Status: observed,
				Note: fmt.Sprintf(
					"No exit action applied due to retry limit %d.", maxRetryPerTask),
			}
		}
	}

	if action == observed {
		return ApplyResult{Status: observed}
	}
	return ApplyResult{
		Status: action,
		Note:   fmt.Sprintf("Exit action rewrote status to %s for exit code %d.", action, exitCode),
	}
}
