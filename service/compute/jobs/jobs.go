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

// Package jobs defines the serializable job descriptors that flow through the
// broker. A job is an envelope with a deterministic dedup id (job_id), a
// random instance id (job_uuid), and a typed payload. Frontend jobs are
// executed by the frontend worker pool; backend jobs are forwarded to a
// backend agent through its worker channel.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SuperType selects the queue family a job is routed to.
type SuperType string

const (
	SuperTypeFrontend SuperType = "frontend"
	SuperTypeBackend  SuperType = "backend"
)

// Type names the handler for a job.
type Type string

const (
	TypeSubmitWorkflow      Type = "submit_workflow"
	TypeCreateGroup         Type = "create_group"
	TypeUpdateGroup         Type = "update_group"
	TypeRescheduleTask      Type = "reschedule_task"
	TypeCleanupGroup        Type = "cleanup_group"
	TypeCleanupWorkflow     Type = "cleanup_workflow"
	TypeCancelWorkflow      Type = "cancel_workflow"
	TypeCheckQueueTimeout   Type = "check_queue_timeout"
	TypeCheckRunTimeout     Type = "check_run_timeout"
	TypeUploadWorkflowFiles Type = "upload_workflow_files"
	TypeUploadApp           Type = "upload_app"
	TypeDeleteApp           Type = "delete_app"
)

// Outcome is the result of executing a job handler. Only FAILED_RETRY causes
// a broker requeue.
type Outcome string

const (
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeFailedRetry   Outcome = "FAILED_RETRY"
	OutcomeFailedNoRetry Outcome = "FAILED_NO_RETRY"
)

// Payload is implemented by every job payload type.
type Payload interface {
	// Kind names the handler for this payload.
	Kind() Type
	// Super selects frontend or backend routing.
	Super() SuperType
	// DedupID derives the deterministic job_id. Equal submissions must
	// produce equal ids so the broker dedup key coalesces them.
	DedupID() string
}

// Envelope is the broker wire format of a job.
type Envelope struct {
	SuperType    SuperType       `json:"super_type"`
	JobType      Type            `json:"job_type"`
	JobID        string          `json:"job_id"`
	JobUUID      string          `json:"job_uuid"`
	Backend      string          `json:"backend,omitempty"`
	HighPriority bool            `json:"high_priority,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Job pairs a decoded payload with its envelope identity. Backend selects
// the per-backend queue for backend jobs; HighPriority jobs are enqueued at
// the head.
type Job struct {
	SuperType    SuperType
	JobType      Type
	JobID        string
	JobUUID      string
	Backend      string
	HighPriority bool
	Payload      Payload

	// Raw holds the exact envelope bytes this job was decoded from. Queue
	// bookkeeping removes in-flight entries by these bytes, so they stay
	// valid even after a handler mutates the payload. Empty for jobs built
	// with New.
	Raw []byte
}

// NewUUID returns a random 32-hex instance id (uuid4 without dashes).
func NewUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// New wraps a payload into a Job with a fresh instance uuid.
func New(payload Payload) *Job {
	return &Job{
		SuperType: payload.Super(),
		JobType:   payload.Kind(),
		JobID:     payload.DedupID(),
		JobUUID:   NewUUID(),
		Payload:   payload,
	}
}

// Encode serializes the job to its envelope JSON.
func (j *Job) Encode() ([]byte, error) {
	body, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", j.JobType, err)
	}
	return json.Marshal(Envelope{
		SuperType:    j.SuperType,
		JobType:      j.JobType,
		JobID:        j.JobID,
		JobUUID:      j.JobUUID,
		Backend:      j.Backend,
		HighPriority: j.HighPriority,
		Payload:      body,
	})
}

// payloadPrototypes maps job types to empty payload constructors for decode.
var payloadPrototypes = map[Type]func() Payload{
	TypeSubmitWorkflow:      func() Payload { return &SubmitWorkflow{} },
	TypeCreateGroup:         func() Payload { return &CreateGroup{} },
	TypeUpdateGroup:         func() Payload { return &UpdateGroup{} },
	TypeRescheduleTask:      func() Payload { return &RescheduleTask{} },
	TypeCleanupGroup:        func() Payload { return &CleanupGroup{} },
	TypeCleanupWorkflow:     func() Payload { return &CleanupWorkflow{} },
	TypeCancelWorkflow:      func() Payload { return &CancelWorkflow{} },
	TypeCheckQueueTimeout:   func() Payload { return &CheckQueueTimeout{} },
	TypeCheckRunTimeout:     func() Payload { return &CheckRunTimeout{} },
	TypeUploadWorkflowFiles: func() Payload { return &UploadWorkflowFiles{} },
	TypeUploadApp:           func() Payload { return &UploadApp{} },
	TypeDeleteApp:           func() Payload { return &DeleteApp{} },
}

// Decode parses an envelope JSON back into a Job with a typed payload.
func Decode(data []byte) (*Job, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job envelope: %w", err)
	}
	prototype, ok := payloadPrototypes[env.JobType]
	if !ok {
		return nil, fmt.Errorf("unknown job type %q", env.JobType)
	}
	payload := prototype()
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.JobType, err)
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return &Job{
		SuperType:    env.SuperType,
		JobType:      env.JobType,
		JobID:        env.JobID,
		JobUUID:      env.JobUUID,
		Backend:      env.Backend,
		HighPriority: env.HighPriority,
		Payload:      payload,
		Raw:          raw,
	}, nil
}
