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

// Package scheduler translates workflow specs into the DAG the dispatch
// engine drives: group-level edges, gang queues, priority and quota checks,
// and the exit-action rewriting applied to task results.
package scheduler

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkflowSpec is the user-submitted workflow definition.
type WorkflowSpec struct {
	Name   string      `yaml:"name" json:"name"`
	Groups []GroupSpec `yaml:"groups" json:"groups"`
}

// GroupSpec defines one gang-scheduled set of tasks.
type GroupSpec struct {
	Name string `yaml:"name" json:"name"`
	// Barrier makes all tasks of the group rendezvous before starting
	// user code.
	Barrier bool `yaml:"barrier,omitempty" json:"barrier,omitempty"`
	// IgnoreNonleadStatus restricts the group outcome to the lead task.
	IgnoreNonleadStatus bool       `yaml:"ignoreNonleadStatus,omitempty" json:"ignoreNonleadStatus,omitempty"`
	Tasks               []TaskSpec `yaml:"tasks" json:"tasks"`
}

// TaskSpec defines one container of a group. The first task of a group is the
// lead unless another task sets lead explicitly.
type TaskSpec struct {
	Name    string   `yaml:"name" json:"name"`
	Image   string   `yaml:"image" json:"image"`
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	Lead    bool     `yaml:"lead,omitempty" json:"lead,omitempty"`
	// GPU is the per-task GPU request as a resource quantity string.
	GPU string `yaml:"gpu,omitempty" json:"gpu,omitempty"`
	// Inputs reference upstream tasks or datasets; task references create
	// group-level DAG edges.
	Inputs []InputSpec `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	// ExitActions maps a substitute status to exit-code ranges, e.g.
	// {RESCHEDULED: "137,139"}.
	ExitActions map[string]string `yaml:"exitActions,omitempty" json:"exitActions,omitempty"`
	// Secrets names credentials mounted into the task; their values are
	// masked out of streamed logs.
	Secrets []string `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// InputSpec is either a task reference (DAG edge) or a dataset reference
// (resolved by the storage layer, no edge).
type InputSpec struct {
	Task    string `yaml:"task,omitempty" json:"task,omitempty"`
	Dataset string `yaml:"dataset,omitempty" json:"dataset,omitempty"`
}

// ParseWorkflowSpec decodes and structurally validates a workflow spec.
func ParseWorkflowSpec(data []byte) (*WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse workflow spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks structural invariants: unique names, non-empty groups, at
// most one explicit lead per group.
func (s *WorkflowSpec) Validate() error {
	if len(s.Groups) == 0 {
		return fmt.Errorf("workflow spec has no groups")
	}
	groupNames := make(map[string]bool, len(s.Groups))
	taskNames := make(map[string]bool)
	for _, g := range s.Groups {
		if g.Name == "" {
			return fmt.Errorf("group with empty name")
		}
		if groupNames[g.Name] {
			return fmt.Errorf("duplicate group name %q", g.Name)
		}
		groupNames[g.Name] = true
		if len(g.Tasks) == 0 {
			return fmt.Errorf("group %q has no tasks", g.Name)
		}
		leads := 0
		for _, t := range g.Tasks {
			if t.Name == "" {
				return fmt.Errorf("group %q has a task with empty name", g.Name)
			}
			if taskNames[t.Name] {
				return fmt.Errorf("duplicate task name %q", t.Name)
			}
			taskNames[t.Name] = true
			if t.Image == "" {
				return fmt.Errorf("task %q has no image", t.Name)
			}
			if t.Lead {
				leads++
			}
		}
		if leads > 1 {
			return fmt.Errorf("group %q declares %d lead tasks", g.Name, leads)
		}
	}
	return nil
}

// LeadTask returns the name of the group's lead task: the explicit lead if
// one is declared, else the first task.
func (g *GroupSpec) LeadTask() string {
	for _, t := range g.Tasks {
		if t.Lead {
			return t.Name
		}
	}
	return g.Tasks[0].Name
}

// GangQueue returns the gang-scheduling queue label for a group dispatched to
// the given backend namespace and pool.
func GangQueue(namespace, pool string) string {
	return fmt.Sprintf("%s:%s", namespace, pool)
}
