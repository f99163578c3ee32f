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

package worker

import (
	"context"
	"errors"
	"time"

	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/state"
	"go.corp.nvidia.com/osmo/service/compute/store"
)

const timeoutUser = "timeout"

// handleCheckQueueTimeout fires when the queue window armed at submit
// elapses. The timeout is re-read from the row, so an extension simply
// re-arms the check for the remaining window.
func (e *Engine) handleCheckQueueTimeout(ctx context.Context, p *jobs.CheckQueueTimeout) (jobs.Outcome, error) {
	wf, err := e.db.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.OutcomeFailedNoRetry, err
		}
		return jobs.OutcomeFailedRetry, err
	}
	if wf.Status != state.StatusPending {
		// Started or finished; the queue window no longer applies.
		return jobs.OutcomeSuccess, nil
	}

	deadline := wf.SubmitTime.Add(wf.QueueTimeout)
	if time.Now().Before(deadline) {
		next := jobs.New(&jobs.CheckQueueTimeout{WorkflowID: p.WorkflowID, Round: p.Round + 1})
		if err := e.broker.EnqueueDelayed(ctx, next, deadline); err != nil {
			return jobs.OutcomeFailedRetry, err
		}
		return jobs.OutcomeSuccess, nil
	}

	cancel := jobs.New(&jobs.CancelWorkflow{
		WorkflowID:     p.WorkflowID,
		User:           timeoutUser,
		WorkflowStatus: state.StatusFailedQueueTimeout,
		TaskStatus:     state.StatusFailedQueueTimeout,
	})
	if err := e.broker.Enqueue(ctx, cancel); err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	return jobs.OutcomeSuccess, nil
}

// handleCheckRunTimeout is the execution-window sibling, measured from
// start_time.
func (e *Engine) handleCheckRunTimeout(ctx context.Context, p *jobs.CheckRunTimeout) (jobs.Outcome, error) {
	wf, err := e.db.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.OutcomeFailedNoRetry, err
		}
		return jobs.OutcomeFailedRetry, err
	}
	if wf.Status.Finished() {
		return jobs.OutcomeSuccess, nil
	}

	deadline := time.Now().Add(wf.ExecTimeout)
	if wf.StartTime != nil {
		deadline = wf.StartTime.Add(wf.ExecTimeout)
	}
	if time.Now().Before(deadline) {
		next := jobs.New(&jobs.CheckRunTimeout{WorkflowID: p.WorkflowID, Round: p.Round + 1})
		if err := e.broker.EnqueueDelayed(ctx, next, deadline); err != nil {
			return jobs.OutcomeFailedRetry, err
		}
		return jobs.OutcomeSuccess, nil
	}

	cancel := jobs.New(&jobs.CancelWorkflow{
		WorkflowID:     p.WorkflowID,
		User:           timeoutUser,
		WorkflowStatus: state.StatusFailedExecTimeout,
		TaskStatus:     state.StatusFailedExecTimeout,
	})
	if err := e.broker.Enqueue(ctx, cancel); err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	return jobs.OutcomeSuccess, nil
}
