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

package filestore

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestObjectPaths(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{
			name:     "workflow logs",
			got:      WorkflowLogsPath("wf-1"),
			expected: "workflows/wf-1/logs",
		},
		{
			name:     "workflow events",
			got:      WorkflowEventsPath("wf-1"),
			expected: "workflows/wf-1/events",
		},
		{
			name:     "task log with retry",
			got:      TaskLogPath("wf-1", "trainer", 2),
			expected: "workflows/wf-1/logs/trainer.2.log",
		},
		{
			name:     "task spec",
			got:      TaskSpecPath("wf-1", "trainer"),
			expected: "workflows/wf-1/specs/trainer.yaml",
		},
		{
			name:     "app bundle file",
			got:      AppPath("app-uuid", "1.2.0", "bundle.tar"),
			expected: "apps/app-uuid/1.2.0/bundle.tar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, tt.got)
			}
		})
	}
}

// Both implementations must satisfy the same contract, so the lifecycle
// test runs against each.
func TestClientLifecycle(t *testing.T) {
	clients := map[string]func(t *testing.T) Client{
		"memory": func(t *testing.T) Client { return NewMemory() },
		"disk": func(t *testing.T) Client {
			d, err := NewDisk(t.TempDir())
			if err != nil {
				t.Fatalf("failed to create disk store: %v", err)
			}
			return d
		},
	}

	for name, newClient := range clients {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClient(t)

			logPath := TaskLogPath("wf-1", "trainer", 0)
			if err := c.Write(ctx, logPath, []byte("line one\n")); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			if err := c.Write(ctx, TaskLogPath("wf-1", "trainer", 1), []byte("retry\n")); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			if err := c.Write(ctx, WorkflowEventsPath("wf-1"), []byte("events")); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			content, err := c.Read(ctx, logPath)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if string(content) != "line one\n" {
				t.Errorf("read content = %q", content)
			}

			// Overwrite replaces content.
			if err := c.Write(ctx, logPath, []byte("rewritten")); err != nil {
				t.Fatalf("rewrite failed: %v", err)
			}
			content, err = c.Read(ctx, logPath)
			if err != nil {
				t.Fatalf("read after rewrite failed: %v", err)
			}
			if string(content) != "rewritten" {
				t.Errorf("read after rewrite = %q", content)
			}

			paths, err := c.List(ctx, WorkflowLogsPath("wf-1"))
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			expected := []string{
				"workflows/wf-1/logs/trainer.0.log",
				"workflows/wf-1/logs/trainer.1.log",
			}
			if !reflect.DeepEqual(paths, expected) {
				t.Errorf("list = %v, want %v", paths, expected)
			}

			if err := c.Delete(ctx, logPath); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := c.Read(ctx, logPath); !errors.Is(err, ErrNotFound) {
				t.Errorf("read of deleted object = %v, want ErrNotFound", err)
			}
			// Deleting a missing object is not an error.
			if err := c.Delete(ctx, logPath); err != nil {
				t.Errorf("second delete failed: %v", err)
			}
		})
	}
}

func TestDiskRejectsEscapingPaths(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create disk store: %v", err)
	}
	ctx := context.Background()

	if err := d.Write(ctx, "../outside", []byte("x")); err == nil {
		t.Error("expected write outside the root to fail")
	}
	if _, err := d.Read(ctx, "../../etc/passwd"); err == nil {
		t.Error("expected read outside the root to fail")
	}
}
