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
	"sort"
)

// GroupEdges holds the DAG edge sets persisted per group row. Progress is
// driven by removing completed upstreams from RemainingUpstream; a group
// unlocks when the set empties.
type GroupEdges struct {
	RemainingUpstream []string
	Downstream        []string
}

// ExpandDAG derives group-level edges from task-to-task input references and
// rejects cyclic specs. Task references inside the same group produce no
// edge.
func ExpandDAG(spec *WorkflowSpec) (map[string]*GroupEdges, error) {
	groupOf := make(map[string]string)
	for _, g := range spec.Groups {
		for _, t := range g.Tasks {
			groupOf[t.Name] = g.Name
		}
	}

	upstream := make(map[string]map[string]bool, len(spec.Groups))
	downstream := make(map[string]map[string]bool, len(spec.Groups))
	for _, g := range spec.Groups {
		upstream[g.Name] = make(map[string]bool)
		downstream[g.Name] = make(map[string]bool)
	}

	for _, g := range spec.Groups {
		for _, t := range g.Tasks {
			for _, in := range t.Inputs {
				if in.Task == "" {
					continue
				}
				src, ok := groupOf[in.Task]
				if !ok {
					return nil, fmt.Errorf(
						"task %q references unknown task %q", t.Name, in.Task)
				}
				if src == g.Name {
					continue
				}
				upstream[g.Name][src] = true
				downstream[src][g.Name] = true
			}
		}
	}

	if err := checkAcyclic(spec, upstream); err != nil {
		return nil, err
	}

	edges := make(map[string]*GroupEdges, len(spec.Groups))
	for _, g := range spec.Groups {
		edges[g.Name] = &GroupEdges{
			RemainingUpstream: sortedKeys(upstream[g.Name]),
			Downstream:        sortedKeys(downstream[g.Name]),
		}
	}
	return edges, nil
}

// checkAcyclic runs Kahn's algorithm over the group edges.
func checkAcyclic(spec *WorkflowSpec, upstream map[string]map[string]bool) error {
	indegree := make(map[string]int, len(spec.Groups))
	for name, ups := range upstream {
		indegree[name] = len(ups)
	}

	queue := make([]string, 0, len(indegree))
	for _, g := range spec.Groups {
		if indegree[g.Name] == 0 {
			queue = append(queue, g.Name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for name, ups := range upstream {
			if ups[current] {
				indegree[name]--
				if indegree[name] == 0 {
					queue = append(queue, name)
				}
			}
		}
	}

	if visited != len(spec.Groups) {
		cyclic := make([]string, 0)
		for name, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("workflow groups form a cycle: %v", cyclic)
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
