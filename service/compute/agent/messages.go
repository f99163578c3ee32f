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

// Package agent hosts the websocket sessions between the control plane and
// the backend agents. Each backend gets two channels: a listener channel for
// telemetry flowing in from the cluster and a worker channel over which jobs
// are dispatched one at a time.
package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/state"
)

// MessageType discriminates agent protocol frames.
type MessageType string

const (
	MessageTypeInit           MessageType = "INIT"
	MessageTypeLogging        MessageType = "LOGGING"
	MessageTypeUpdatePod      MessageType = "UPDATE_POD"
	MessageTypeMonitorPod     MessageType = "MONITOR_POD"
	MessageTypeResource       MessageType = "RESOURCE"
	MessageTypeResourceUsage  MessageType = "RESOURCE_USAGE"
	MessageTypeDeleteResource MessageType = "DELETE_RESOURCE"
	MessageTypeNodeHash       MessageType = "NODE_HASH"
	MessageTypeTaskList       MessageType = "TASK_LIST"
	MessageTypeHeartbeat      MessageType = "HEARTBEAT"
	MessageTypeMetrics        MessageType = "METRICS"
	MessageTypePodConditions  MessageType = "POD_CONDITIONS"
	MessageTypePodEvent       MessageType = "POD_EVENT"
	MessageTypeAck            MessageType = "ACK"
	MessageTypeJob            MessageType = "JOB"
	MessageTypeJobStatus      MessageType = "JOB_STATUS"
	MessageTypePodLog         MessageType = "POD_LOG"
	MessageTypeNodeConditions MessageType = "NODE_CONDITIONS"
)

// Message is one protocol frame. Body is type specific; the uuid is echoed
// back in the ACK so the agent can advance its cursor.
type Message struct {
	Type MessageType     `json:"type"`
	UUID string          `json:"uuid"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewMessage builds a frame around a typed body.
func NewMessage(msgType MessageType, uuid string, body any) (*Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", msgType, err)
	}
	return &Message{Type: msgType, UUID: uuid, Body: data}, nil
}

// DecodeMessage parses one frame.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("agent message has no type")
	}
	return &msg, nil
}

// Encode serializes the frame for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeBody unmarshals the frame body into a typed struct.
func DecodeBody(msg *Message, body any) error {
	if err := json.Unmarshal(msg.Body, body); err != nil {
		return fmt.Errorf("failed to unmarshal %s body: %w", msg.Type, err)
	}
	return nil
}

// InitBody is the first frame on both channels. It registers the backend or
// revalidates it on reconnect; the k8s uid must match the registered cluster.
type InitBody struct {
	Name                string `json:"name"`
	K8sUID              string `json:"k8s_uid"`
	K8sNamespace        string `json:"k8s_namespace"`
	Version             string `json:"version"`
	NodeConditionPrefix string `json:"node_condition_prefix,omitempty"`
}

// NodeConditionsBody is the reply to INIT: the node-condition policy the
// agent should apply when reporting node health.
type NodeConditionsBody struct {
	Rules  map[string]string `json:"rules"`
	Prefix string            `json:"prefix,omitempty"`
}

// LoggingBody is an audit record from the agent.
type LoggingBody struct {
	User   string `json:"user,omitempty"`
	Action string `json:"action"`
	Text   string `json:"text"`
}

// UpdatePodBody reports a task status change observed on the cluster.
type UpdatePodBody struct {
	WorkflowID string       `json:"workflow_id"`
	Group      string       `json:"group"`
	Task       string       `json:"task"`
	RetryID    int32        `json:"retry_id"`
	Lead       bool         `json:"lead"`
	Status     state.Status `json:"status"`
	Message    string       `json:"message,omitempty"`
	ExitCode   int32        `json:"exit_code"`
	Node       string       `json:"node,omitempty"`
	PodIP      string       `json:"pod_ip,omitempty"`
}

// MonitorPodBody carries pod placement telemetry without a status change.
type MonitorPodBody struct {
	WorkflowID string `json:"workflow_id"`
	Task       string `json:"task"`
	RetryID    int32  `json:"retry_id"`
	Node       string `json:"node"`
	PodIP      string `json:"pod_ip,omitempty"`
}

// ResourceBody is one node observation.
type ResourceBody struct {
	Name        string          `json:"name"`
	Allocatable json.RawMessage `json:"allocatable,omitempty"`
	Usage       json.RawMessage `json:"usage,omitempty"`
	Labels      json.RawMessage `json:"labels,omitempty"`
	Taints      json.RawMessage `json:"taints,omitempty"`
	Conditions  []string        `json:"conditions,omitempty"`
	Available   bool            `json:"available"`
}

// ResourceUsageBody updates only the usage figures of a known node.
type ResourceUsageBody struct {
	Name  string          `json:"name"`
	Usage json.RawMessage `json:"usage"`
}

// DeleteResourceBody removes a node that left the cluster.
type DeleteResourceBody struct {
	Name string `json:"name"`
}

// NodeHashBody is the agent's full node inventory. Nodes missing from it are
// pruned so the resource table converges after missed DELETE_RESOURCE events.
type NodeHashBody struct {
	Hash  string   `json:"hash"`
	Nodes []string `json:"nodes"`
}

// TaskListBody is the agent's inventory of pods it currently tracks.
type TaskListBody struct {
	Tasks []TaskRef `json:"tasks"`
}

// TaskRef identifies one tracked pod.
type TaskRef struct {
	WorkflowID string `json:"workflow_id"`
	Task       string `json:"task"`
	RetryID    int32  `json:"retry_id"`
}

// MetricsBody is a pre-aggregated metric sample forwarded to the collector.
type MetricsBody struct {
	Name  string            `json:"name"`
	Value int64             `json:"value"`
	Unit  string            `json:"unit,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// PodCondition is one k8s pod condition observation.
type PodCondition struct {
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// PodConditionsBody reports the conditions of one pod.
type PodConditionsBody struct {
	Pod        string         `json:"pod"`
	WorkflowID string         `json:"workflow_id"`
	Task       string         `json:"task"`
	RetryID    int32          `json:"retry_id"`
	Conditions []PodCondition `json:"conditions"`
}

// PodEventBody is one k8s event concerning a workflow pod.
type PodEventBody struct {
	WorkflowID string    `json:"workflow_id"`
	Pod        string    `json:"pod"`
	Reason     string    `json:"reason"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// JobStatusBody is the agent's verdict on a dispatched job.
type JobStatusBody struct {
	JobUUID string       `json:"job_uuid"`
	Status  jobs.Outcome `json:"status"`
	Message string       `json:"message,omitempty"`
}

// PodLogBody streams task output. With Mask set, known task secrets are
// replaced before the text is stored.
type PodLogBody struct {
	TaskUUID   string   `json:"task_uuid"`
	WorkflowID string   `json:"workflow_id"`
	Task       string   `json:"task"`
	RetryID    int32    `json:"retry_id"`
	Lines      []string `json:"lines"`
	Mask       bool     `json:"mask,omitempty"`
}

// FilterPodConditions drops the condition noise k8s produces: ContainersReady
// duplicates the container statuses, and Initialized/Ready carry no signal
// once they are true.
func FilterPodConditions(conditions []PodCondition) []PodCondition {
	kept := make([]PodCondition, 0, len(conditions))
	for _, c := range conditions {
		switch c.Type {
		case "ContainersReady":
			continue
		case "Initialized", "Ready":
			if c.Status == "True" {
				continue
			}
		}
		kept = append(kept, c)
	}
	return kept
}
