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

	"k8s.io/apimachinery/pkg/api/resource"

	"go.corp.nvidia.com/osmo/service/compute/state"
)

// PoolQuota is the slice of pool configuration the scheduler checks at
// submit time. An empty GPUGuarantee means unlimited.
type PoolQuota struct {
	GPUGuarantee      string
	PrioritySupported bool
}

// GroupGPURequest sums the GPU requests of all tasks in a group.
func GroupGPURequest(g *GroupSpec) (resource.Quantity, error) {
	total := resource.Quantity{}
	for _, t := range g.Tasks {
		if t.GPU == "" {
			continue
		}
		q, err := resource.ParseQuantity(t.GPU)
		if err != nil {
			return resource.Quantity{}, fmt.Errorf(
				"task %q has invalid gpu request %q: %w", t.Name, t.GPU, err)
		}
		total.Add(q)
	}
	return total, nil
}

// ValidatePriority rejects workflows the pool cannot schedule: non-NORMAL
// priority on a scheduler without priority support, and NORMAL/HIGH
// workflows whose per-group GPU sum exceeds the pool's GPU guarantee.
func ValidatePriority(spec *WorkflowSpec, priority state.Priority, quota PoolQuota) error {
	if !priority.Valid() {
		return fmt.Errorf("unknown priority %q", priority)
	}
	if priority != state.PriorityNormal && !quota.PrioritySupported {
		return fmt.Errorf(
			"priority %s is not supported by the pool's scheduler", priority)
	}

	if priority == state.PriorityLow || quota.GPUGuarantee == "" {
		return nil
	}

	guarantee, err := resource.ParseQuantity(quota.GPUGuarantee)
	if err != nil {
		return fmt.Errorf("pool has invalid gpu guarantee %q: %w", quota.GPUGuarantee, err)
	}

	for i := range spec.Groups {
		g := &spec.Groups[i]
		request, err := GroupGPURequest(g)
		if err != nil {
			return err
		}
		if request.Cmp(guarantee) > 0 {
			return fmt.Errorf(
				"group %q requests %s GPUs which exceeds the pool guarantee of %s for %s priority",
				g.Name, request.String(), guarantee.String(), priority)
		}
	}
	return nil
}
