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

package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"go.corp.nvidia.com/osmo/service/compute/state"
)

// SubmitWorkflow expands a submitted workflow spec into store rows and the
// initial CreateGroup jobs.
type SubmitWorkflow struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowUUID string         `json:"workflow_uuid"`
	Spec         string         `json:"spec"`
	User         string         `json:"user"`
	Pool         string         `json:"pool"`
	Priority     state.Priority `json:"priority"`
}

func (p *SubmitWorkflow) Kind() Type       { return TypeSubmitWorkflow }
func (p *SubmitWorkflow) Super() SuperType { return SuperTypeFrontend }
func (p *SubmitWorkflow) DedupID() string {
	return fmt.Sprintf("%s:%s", TypeSubmitWorkflow, p.WorkflowID)
}

// CreateGroup renders pod specs for one group and dispatches them to the
// group's backend. It is a backend job; PrepareExecute runs frontend-side
// before the send, Execute after the agent reports success.
type CreateGroup struct {
	WorkflowID string `json:"workflow_id"`
	Group      string `json:"group"`
	User       string `json:"user"`
	Backend    string `json:"backend"`
	// RetryID distinguishes re-creates after a reschedule so they are not
	// coalesced with the original dispatch.
	RetryID int32 `json:"retry_id"`
	// K8sResources is attached by PrepareExecute and carried to the agent.
	K8sResources []string `json:"k8s_resources,omitempty"`
	// Queue is the gang-scheduling queue label, keyed by (namespace, pool).
	Queue string `json:"queue,omitempty"`
}

func (p *CreateGroup) Kind() Type       { return TypeCreateGroup }
func (p *CreateGroup) Super() SuperType { return SuperTypeBackend }
func (p *CreateGroup) DedupID() string {
	return fmt.Sprintf("%s:%s:%s:%d", TypeCreateGroup, p.WorkflowID, p.Group, p.RetryID)
}

// UpdateGroup is the central transition job. Task may be empty for group-wide
// status changes (cancellations and server errors).
type UpdateGroup struct {
	WorkflowID  string       `json:"workflow_id"`
	Group       string       `json:"group"`
	Task        string       `json:"task,omitempty"`
	RetryID     int32        `json:"retry_id"`
	Lead        bool         `json:"lead,omitempty"`
	Status      state.Status `json:"status"`
	Message     string       `json:"message,omitempty"`
	ExitCode    int32        `json:"exit_code"`
	ForceCancel bool         `json:"force_cancel,omitempty"`
}

func (p *UpdateGroup) Kind() Type       { return TypeUpdateGroup }
func (p *UpdateGroup) Super() SuperType { return SuperTypeFrontend }
func (p *UpdateGroup) DedupID() string {
	digest := sha256.Sum256([]byte(p.Message))
	// ForceCancel is part of the id: the delayed forced copy of a cancel
	// must not be swallowed by the claim of the graceful one.
	return fmt.Sprintf("%s:%s:%s:%s:%d:%s:%d:%v:%s",
		TypeUpdateGroup, p.WorkflowID, p.Group, p.Task, p.RetryID,
		p.Status, p.ExitCode, p.ForceCancel, hex.EncodeToString(digest[:8]))
}

// RescheduleTask inserts the retry row follow-ons: cleanup of the old pod and
// a re-create of the group.
type RescheduleTask struct {
	WorkflowID string `json:"workflow_id"`
	Group      string `json:"group"`
	Task       string `json:"task"`
	NewRetryID int32  `json:"new_retry_id"`
	User       string `json:"user"`
}

func (p *RescheduleTask) Kind() Type       { return TypeRescheduleTask }
func (p *RescheduleTask) Super() SuperType { return SuperTypeFrontend }
func (p *RescheduleTask) DedupID() string {
	return fmt.Sprintf("%s:%s:%s:%s:%d",
		TypeRescheduleTask, p.WorkflowID, p.Group, p.Task, p.NewRetryID)
}

// CleanupGroup removes the group's cluster objects. Backend job; the frontend
// Execute marks the group cleaned up once the agent acks.
type CleanupGroup struct {
	WorkflowID string `json:"workflow_id"`
	Group      string `json:"group"`
	Backend    string `json:"backend"`
	// Labels identify the cluster objects to delete.
	Labels map[string]string `json:"labels"`
	// ErrorLogTask, when set, asks the agent to extract the error log of
	// that task before deletion.
	ErrorLogTask string `json:"error_log_task,omitempty"`
	// RetryID scopes cleanup of a superseded pod generation.
	RetryID int32 `json:"retry_id"`
}

func (p *CleanupGroup) Kind() Type       { return TypeCleanupGroup }
func (p *CleanupGroup) Super() SuperType { return SuperTypeBackend }
func (p *CleanupGroup) DedupID() string {
	return fmt.Sprintf("%s:%s:%s:%d", TypeCleanupGroup, p.WorkflowID, p.Group, p.RetryID)
}

// CleanupWorkflow archives the workflow's log streams and finalizes the row.
// Enqueued exactly once, after every group is cleaned up.
type CleanupWorkflow struct {
	WorkflowID string `json:"workflow_id"`
}

func (p *CleanupWorkflow) Kind() Type       { return TypeCleanupWorkflow }
func (p *CleanupWorkflow) Super() SuperType { return SuperTypeFrontend }
func (p *CleanupWorkflow) DedupID() string {
	return fmt.Sprintf("%s:%s", TypeCleanupWorkflow, p.WorkflowID)
}

// CancelWorkflow fans out UpdateGroup jobs carrying the cancel status.
type CancelWorkflow struct {
	WorkflowID     string       `json:"workflow_id"`
	User           string       `json:"user"`
	WorkflowStatus state.Status `json:"workflow_status"`
	TaskStatus     state.Status `json:"task_status"`
	Force          bool         `json:"force,omitempty"`
}

func (p *CancelWorkflow) Kind() Type       { return TypeCancelWorkflow }
func (p *CancelWorkflow) Super() SuperType { return SuperTypeFrontend }
func (p *CancelWorkflow) DedupID() string {
	return fmt.Sprintf("%s:%s:%s:%v",
		TypeCancelWorkflow, p.WorkflowID, p.TaskStatus, p.Force)
}

// CheckQueueTimeout re-reads the workflow's queue timeout and either cancels
// or re-schedules itself for the remaining window.
type CheckQueueTimeout struct {
	WorkflowID string `json:"workflow_id"`
	// Round increments on every self-reschedule so the delayed job is not
	// swallowed by the dedup key of the previous round.
	Round int32 `json:"round"`
}

func (p *CheckQueueTimeout) Kind() Type       { return TypeCheckQueueTimeout }
func (p *CheckQueueTimeout) Super() SuperType { return SuperTypeFrontend }
func (p *CheckQueueTimeout) DedupID() string {
	return fmt.Sprintf("%s:%s:%d", TypeCheckQueueTimeout, p.WorkflowID, p.Round)
}

// CheckRunTimeout is the execution-window sibling of CheckQueueTimeout.
type CheckRunTimeout struct {
	WorkflowID string `json:"workflow_id"`
	Round      int32  `json:"round"`
}

func (p *CheckRunTimeout) Kind() Type       { return TypeCheckRunTimeout }
func (p *CheckRunTimeout) Super() SuperType { return SuperTypeFrontend }
func (p *CheckRunTimeout) DedupID() string {
	return fmt.Sprintf("%s:%s:%d", TypeCheckRunTimeout, p.WorkflowID, p.Round)
}

// UploadWorkflowFiles persists rendered per-task specs to the file store.
// The dedup id hashes the sorted paths so retried submissions coalesce.
type UploadWorkflowFiles struct {
	WorkflowID string            `json:"workflow_id"`
	Files      map[string]string `json:"files"`
}

func (p *UploadWorkflowFiles) Kind() Type       { return TypeUploadWorkflowFiles }
func (p *UploadWorkflowFiles) Super() SuperType { return SuperTypeFrontend }
func (p *UploadWorkflowFiles) DedupID() string {
	paths := make([]string, 0, len(p.Files))
	for path := range p.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	digest := sha256.Sum256([]byte(p.WorkflowID + ":" + strings.Join(paths, ",")))
	return fmt.Sprintf("%s:%s", TypeUploadWorkflowFiles, hex.EncodeToString(digest[:16]))
}

// UploadApp stores a versioned application bundle.
type UploadApp struct {
	AppUUID string `json:"app_uuid"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (p *UploadApp) Kind() Type       { return TypeUploadApp }
func (p *UploadApp) Super() SuperType { return SuperTypeFrontend }
func (p *UploadApp) DedupID() string {
	digest := sha256.Sum256([]byte(p.Path))
	return fmt.Sprintf("%s:%s:%s:%s",
		TypeUploadApp, p.AppUUID, p.Version, hex.EncodeToString(digest[:8]))
}

// DeleteApp removes an application bundle from the file store.
type DeleteApp struct {
	AppUUID string `json:"app_uuid"`
	Path    string `json:"path"`
}

func (p *DeleteApp) Kind() Type       { return TypeDeleteApp }
func (p *DeleteApp) Super() SuperType { return SuperTypeFrontend }
func (p *DeleteApp) DedupID() string {
	digest := sha256.Sum256([]byte(p.Path))
	return fmt.Sprintf("%s:%s:%s", TypeDeleteApp, p.AppUUID, hex.EncodeToString(digest[:8]))
}
