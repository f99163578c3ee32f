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

// Package filestore abstracts the object storage used for rendered specs,
// application bundles, and archived logs. The control plane only needs
// write, read, and delete by path; the concrete backend is deployment
// specific.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when no object exists at the requested path.
var ErrNotFound = errors.New("object not found")

// Client is the storage boundary of the control plane.
type Client interface {
	// Write stores content at the given path, replacing any existing object.
	Write(ctx context.Context, objectPath string, content []byte) error
	// Read returns the content at the given path.
	Read(ctx context.Context, objectPath string) ([]byte, error)
	// Delete removes the object at the given path. Deleting a missing
	// object is not an error.
	Delete(ctx context.Context, objectPath string) error
	// List returns the paths under the given prefix in sorted order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WorkflowLogsPath is where a workflow's archived task logs live.
func WorkflowLogsPath(workflowID string) string {
	return path.Join("workflows", workflowID, "logs")
}

// WorkflowEventsPath is where a workflow's archived event stream lives.
func WorkflowEventsPath(workflowID string) string {
	return path.Join("workflows", workflowID, "events")
}

// TaskLogPath is the archived log object of one task retry.
func TaskLogPath(workflowID, task string, retryID int) string {
	return path.Join(WorkflowLogsPath(workflowID), fmt.Sprintf("%s.%d.log", task, retryID))
}

// TaskSpecPath is the rendered pod spec object of one task.
func TaskSpecPath(workflowID, task string) string {
	return path.Join("workflows", workflowID, "specs", task+".yaml")
}

// AppPath is the object path of one application bundle version.
func AppPath(appUUID, version, file string) string {
	return path.Join("apps", appUUID, version, file)
}

// Memory is an in-process Client for tests and single-node deployments.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Write(ctx context.Context, objectPath string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(content))
	copy(buf, content)
	m.objects[objectPath] = buf
	return nil
}

func (m *Memory) Read(ctx context.Context, objectPath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, objectPath)
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	return buf, nil
}

func (m *Memory) Delete(ctx context.Context, objectPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectPath)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
