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

// Package renderer turns task specs into the Kubernetes pod manifests the
// backend agent applies. Pod names are derived from the workflow and task
// uuids so a re-dispatch of the same retry produces the same object and
// apply stays idempotent.
package renderer

import (
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"go.corp.nvidia.com/osmo/service/compute/scheduler"
)

// Labels stamped on every rendered pod. Cleanup deletes by these labels.
const (
	LabelWorkflowID = "osmo.nvidia.com/workflow-id"
	LabelGroup      = "osmo.nvidia.com/group"
	LabelTask       = "osmo.nvidia.com/task"
	LabelRetryID    = "osmo.nvidia.com/retry-id"

	annotationQueue = "osmo.nvidia.com/queue"
	gpuResourceName = "nvidia.com/gpu"
)

// GroupRender carries everything needed to render one group generation.
type GroupRender struct {
	WorkflowID   string
	WorkflowUUID string
	Namespace    string
	User         string
	Queue        string
	Group        *scheduler.GroupSpec
	RetryID      int
	// TaskUUIDs maps task name to the uuid of its current retry row.
	TaskUUIDs map[string]string
}

// Renderer produces pod manifests for a group.
type Renderer interface {
	RenderGroup(req *GroupRender) ([]string, error)
}

// K8s renders plain corev1 pods.
type K8s struct{}

// NewK8s creates the default renderer.
func NewK8s() *K8s {
	return &K8s{}
}

// PodName derives the deterministic pod name for a task retry.
func PodName(workflowUUID, taskUUID string) string {
	return fmt.Sprintf("osmo-%.8s-%.8s", workflowUUID, taskUUID)
}

// GroupLabels returns the label selector identifying all pods of a group.
func GroupLabels(workflowID, group string) map[string]string {
	return map[string]string{
		LabelWorkflowID: workflowID,
		LabelGroup:      group,
	}
}

// RenderGroup renders one YAML manifest per task, in task order.
func (r *K8s) RenderGroup(req *GroupRender) ([]string, error) {
	manifests := make([]string, 0, len(req.Group.Tasks))
	for i := range req.Group.Tasks {
		task := &req.Group.Tasks[i]
		taskUUID, ok := req.TaskUUIDs[task.Name]
		if !ok {
			return nil, fmt.Errorf("no task uuid for %s", task.Name)
		}
		pod, err := r.renderTask(req, task, taskUUID)
		if err != nil {
			return nil, err
		}
		data, err := yaml.Marshal(pod)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pod for task %s: %w", task.Name, err)
		}
		manifests = append(manifests, string(data))
	}
	return manifests, nil
}

func (r *K8s) renderTask(req *GroupRender, task *scheduler.TaskSpec, taskUUID string) (*corev1.Pod, error) {
	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	if task.GPU != "" {
		gpu, err := resource.ParseQuantity(task.GPU)
		if err != nil {
			return nil, fmt.Errorf("invalid gpu quantity %q for task %s: %w", task.GPU, task.Name, err)
		}
		resources.Requests[gpuResourceName] = gpu
		resources.Limits[gpuResourceName] = gpu
	}

	env := []corev1.EnvVar{
		{Name: "OSMO_WORKFLOW_ID", Value: req.WorkflowID},
		{Name: "OSMO_TASK_NAME", Value: task.Name},
		{Name: "OSMO_RETRY_ID", Value: strconv.Itoa(req.RetryID)},
	}
	for _, secret := range task.Secrets {
		env = append(env, corev1.EnvVar{
			Name: secretEnvName(secret),
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: secret},
					Key:                  "value",
				},
			},
		})
	}

	labels := GroupLabels(req.WorkflowID, req.Group.Name)
	labels[LabelTask] = task.Name
	labels[LabelRetryID] = strconv.Itoa(req.RetryID)

	annotations := map[string]string{}
	if req.Queue != "" {
		annotations[annotationQueue] = req.Queue
	}

	pod := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "v1",
			Kind:       "Pod",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:        PodName(req.WorkflowUUID, taskUUID),
			Namespace:   req.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:      task.Name,
					Image:     task.Image,
					Command:   task.Command,
					Env:       env,
					Resources: resources,
				},
			},
		},
	}
	return pod, nil
}

func secretEnvName(secret string) string {
	name := make([]rune, 0, len(secret))
	for _, r := range secret {
		switch {
		case r >= 'a' && r <= 'z':
			name = append(name, r-('a'-'A'))
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			name = append(name, r)
		default:
			name = append(name, '_')
		}
	}
	return "OSMO_SECRET_" + string(name)
}
