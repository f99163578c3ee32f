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

package renderer

import (
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"

	"go.corp.nvidia.com/osmo/service/compute/scheduler"
)

func renderRequest() *GroupRender {
	return &GroupRender{
		WorkflowID:   "wf-demo",
		WorkflowUUID: "0123456789abcdef0123456789abcdef",
		Namespace:    "osmo-ns",
		User:         "tester",
		Queue:        "osmo-ns:default",
		RetryID:      0,
		Group: &scheduler.GroupSpec{
			Name: "train",
			Tasks: []scheduler.TaskSpec{
				{
					Name:    "trainer",
					Image:   "nvcr.io/demo/train:latest",
					Command: []string{"python", "train.py"},
					GPU:     "8",
					Secrets: []string{"wandb-key"},
				},
				{
					Name:  "sidecar",
					Image: "nvcr.io/demo/sidecar:latest",
				},
			},
		},
		TaskUUIDs: map[string]string{
			"trainer": "aaaaaaaabbbbbbbbccccccccdddddddd",
			"sidecar": "11111111222222223333333344444444",
		},
	}
}

func TestRenderGroup(t *testing.T) {
	manifests, err := NewK8s().RenderGroup(renderRequest())
	if err != nil {
		t.Fatalf("RenderGroup failed: %v", err)
	}
	if len(manifests) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(manifests))
	}

	var pod corev1.Pod
	if err := yaml.Unmarshal([]byte(manifests[0]), &pod); err != nil {
		t.Fatalf("manifest is not a pod: %v", err)
	}

	if pod.Name != "osmo-01234567-aaaaaaaa" {
		t.Errorf("pod name = %q", pod.Name)
	}
	if pod.Namespace != "osmo-ns" {
		t.Errorf("namespace = %q", pod.Namespace)
	}
	if pod.Labels[LabelWorkflowID] != "wf-demo" || pod.Labels[LabelGroup] != "train" {
		t.Errorf("labels = %v", pod.Labels)
	}
	if pod.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("restart policy = %s", pod.Spec.RestartPolicy)
	}

	container := pod.Spec.Containers[0]
	gpu := container.Resources.Limits["nvidia.com/gpu"]
	if gpu.Value() != 8 {
		t.Errorf("gpu limit = %s", gpu.String())
	}

	foundSecret := false
	for _, env := range container.Env {
		if env.Name == "OSMO_SECRET_WANDB_KEY" {
			foundSecret = true
			if env.ValueFrom == nil || env.ValueFrom.SecretKeyRef == nil ||
				env.ValueFrom.SecretKeyRef.Name != "wandb-key" {
				t.Errorf("secret env not wired to secret ref: %+v", env)
			}
		}
	}
	if !foundSecret {
		t.Error("secret env var missing")
	}
}

// Re-rendering the same retry must produce identical manifests so a
// re-dispatched create stays idempotent on the cluster.
func TestRenderGroupDeterministic(t *testing.T) {
	r := NewK8s()
	first, err := r.RenderGroup(renderRequest())
	if err != nil {
		t.Fatalf("RenderGroup failed: %v", err)
	}
	second, err := r.RenderGroup(renderRequest())
	if err != nil {
		t.Fatalf("RenderGroup failed: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("manifest %d differs between renders", i)
		}
	}
}

func TestRenderGroupInvalidGPU(t *testing.T) {
	req := renderRequest()
	req.Group.Tasks[0].GPU = "not-a-number"
	if _, err := NewK8s().RenderGroup(req); err == nil {
		t.Fatal("expected invalid gpu quantity to be rejected")
	}
}

func TestRenderGroupQueueAnnotation(t *testing.T) {
	manifests, err := NewK8s().RenderGroup(renderRequest())
	if err != nil {
		t.Fatalf("RenderGroup failed: %v", err)
	}
	if !strings.Contains(manifests[0], "osmo-ns:default") {
		t.Error("gang queue annotation missing from manifest")
	}
}
