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

package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.corp.nvidia.com/osmo/service/compute/state"
)

// newTestStore connects to a local database or skips the test. Run one with:
//
//	docker run --rm -d --name postgres -p 5432:5432 \
//	  -e POSTGRES_PASSWORD=osmo -e POSTGRES_DB=osmo_db postgres:15.1
func newTestStore(t *testing.T) *Store {
	t.Helper()

	host := os.Getenv("OSMO_TEST_POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	connURL := fmt.Sprintf("postgres://postgres:osmo@%s:5432/osmo_db?sslmode=disable", host)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewFromPool(pool, slog.Default())
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return s
}

func testWorkflowID() string {
	return "wf-test-" + uuid.New().String()[:8]
}

func insertTree(t *testing.T, s *Store, workflowID string) {
	t.Helper()
	newUUID := func() string { return uuid.New().String() }

	wf := &Workflow{
		UUID:       newUUID(),
		ID:         workflowID,
		Status:     state.StatusPending,
		User:       "tester",
		Pool:       "default",
		Backend:    "test-backend",
		Priority:   state.PriorityNormal,
		SubmitTime: time.Now().UTC(),
	}
	groups := []*Group{
		{
			UUID: newUUID(), WorkflowID: workflowID, Name: "train",
			Status:            state.StatusSubmitting,
			RemainingUpstream: []string{},
			Downstream:        []string{"eval"},
		},
		{
			UUID: newUUID(), WorkflowID: workflowID, Name: "eval",
			Status:            state.StatusSubmitting,
			RemainingUpstream: []string{"train"},
			Downstream:        []string{},
		},
	}
	tasks := []*Task{
		{
			UUID: newUUID(), WorkflowID: workflowID, GroupName: "train",
			Name: "trainer", Status: state.StatusWaiting, Lead: true,
		},
		{
			UUID: newUUID(), WorkflowID: workflowID, GroupName: "train",
			Name: "sidecar", Status: state.StatusWaiting,
		},
		{
			UUID: newUUID(), WorkflowID: workflowID, GroupName: "eval",
			Name: "evaluator", Status: state.StatusWaiting, Lead: true,
		},
	}
	if err := s.InsertWorkflowTree(context.Background(), wf, groups, tasks); err != nil {
		t.Fatalf("InsertWorkflowTree failed: %v", err)
	}
	t.Cleanup(func() {
		s.pool.Exec(context.Background(),
			`DELETE FROM workflows WHERE workflow_id = $1`, workflowID)
	})
}

func TestWorkflowTreeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	workflowID := testWorkflowID()
	insertTree(t, s, workflowID)

	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if wf.Status != state.StatusPending {
		t.Errorf("status = %s, want PENDING", wf.Status)
	}

	groups, err := s.ListGroups(ctx, workflowID)
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	n, err := s.ActivateWorkflowGroups(ctx, workflowID)
	if err != nil {
		t.Fatalf("ActivateWorkflowGroups failed: %v", err)
	}
	if n != 2 {
		t.Errorf("activated %d groups, want 2", n)
	}
}

func TestUpdateGroupStatusGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	workflowID := testWorkflowID()
	insertTree(t, s, workflowID)
	if _, err := s.ActivateWorkflowGroups(ctx, workflowID); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	ok, err := s.UpdateGroupStatus(ctx, workflowID, "train", state.StatusProcessing)
	if err != nil || !ok {
		t.Fatalf("WAITING->PROCESSING = (%v, %v), want applied", ok, err)
	}

	// A duplicate of the same transition is a no-op.
	ok, err = s.UpdateGroupStatus(ctx, workflowID, "train", state.StatusProcessing)
	if err != nil {
		t.Fatalf("duplicate transition errored: %v", err)
	}
	if ok {
		t.Error("duplicate PROCESSING transition was applied twice")
	}

	// The agent may skip phases; PROCESSING -> RUNNING is legal.
	ok, err = s.UpdateGroupStatus(ctx, workflowID, "train", state.StatusRunning)
	if err != nil || !ok {
		t.Fatalf("PROCESSING->RUNNING = (%v, %v), want applied", ok, err)
	}

	// A stale SCHEDULING event arriving after RUNNING is a no-op.
	ok, err = s.UpdateGroupStatus(ctx, workflowID, "train", state.StatusScheduling)
	if err != nil {
		t.Fatalf("stale transition errored: %v", err)
	}
	if ok {
		t.Error("stale SCHEDULING event was applied after RUNNING")
	}
}

func TestUpdateTaskStatusTerminalOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	workflowID := testWorkflowID()
	insertTree(t, s, workflowID)

	ok, err := s.UpdateTaskStatus(ctx, workflowID, "trainer", 0, state.StatusProcessing, state.ExitCodeNotSet, "")
	if err != nil || !ok {
		t.Fatalf("dispatch failed: (%v, %v)", ok, err)
	}
	ok, err = s.UpdateTaskStatus(ctx, workflowID, "trainer", 0, state.StatusCompleted, 0, "")
	if err != nil || !ok {
		t.Fatalf("first result = (%v, %v), want applied", ok, err)
	}

	// A second result for the same retry row must lose.
	ok, err = s.UpdateTaskStatus(ctx, workflowID, "trainer", 0, state.StatusFailed, 1, "late")
	if err != nil {
		t.Fatalf("second result errored: %v", err)
	}
	if ok {
		t.Error("second terminal result overwrote the first")
	}

	task, err := s.GetTask(ctx, workflowID, "trainer", 0)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != state.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", task.Status)
	}
}

func TestRemoveUpstreamUnlocksOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	workflowID := testWorkflowID()
	insertTree(t, s, workflowID)

	unlocked, err := s.RemoveUpstreamAndListUnlocked(ctx, workflowID, "train", []string{"eval"})
	if err != nil {
		t.Fatalf("RemoveUpstreamAndListUnlocked failed: %v", err)
	}
	if len(unlocked) != 1 || unlocked[0] != "eval" {
		t.Fatalf("unlocked = %v, want [eval]", unlocked)
	}

	// Replaying the removal finds nothing left to remove.
	unlocked, err = s.RemoveUpstreamAndListUnlocked(ctx, workflowID, "train", []string{"eval"})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(unlocked) != 0 {
		t.Errorf("replay unlocked %v again", unlocked)
	}
}

func TestSetGroupCleanedUpExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	workflowID := testWorkflowID()
	insertTree(t, s, workflowID)

	marked, all, err := s.SetGroupCleanedUp(ctx, workflowID, "train")
	if err != nil {
		t.Fatalf("SetGroupCleanedUp failed: %v", err)
	}
	if !marked || all {
		t.Errorf("first cleanup = (marked=%v, all=%v), want (true, false)", marked, all)
	}

	marked, all, err = s.SetGroupCleanedUp(ctx, workflowID, "train")
	if err != nil {
		t.Fatalf("duplicate cleanup errored: %v", err)
	}
	if marked {
		t.Error("group was marked cleaned up twice")
	}

	marked, all, err = s.SetGroupCleanedUp(ctx, workflowID, "eval")
	if err != nil {
		t.Fatalf("final cleanup errored: %v", err)
	}
	if !marked || !all {
		t.Errorf("final cleanup = (marked=%v, all=%v), want (true, true)", marked, all)
	}
}

func TestRegisterBackendUIDMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	name := "backend-" + uuid.New().String()[:8]
	t.Cleanup(func() {
		s.pool.Exec(context.Background(), `DELETE FROM backends WHERE name = $1`, name)
	})

	created, err := s.RegisterBackend(ctx, &Backend{Name: name, K8sUID: "uid-a"})
	if err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if !created {
		t.Error("first registration did not create the row")
	}

	created, err = s.RegisterBackend(ctx, &Backend{Name: name, K8sUID: "uid-a", Version: "v2"})
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if created {
		t.Error("reconnect reported a fresh row")
	}

	if _, err := s.RegisterBackend(ctx, &Backend{Name: name, K8sUID: "uid-b"}); err == nil {
		t.Error("expected uid mismatch to be rejected")
	}
}

func TestInsertTaskRetryDuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	workflowID := testWorkflowID()
	insertTree(t, s, workflowID)

	retry := &Task{
		UUID: uuid.New().String(), WorkflowID: workflowID,
		GroupName: "train", Name: "trainer", RetryID: 1,
		Status: state.StatusWaiting, Lead: true,
	}
	if err := s.InsertTasks(ctx, []*Task{retry}); err != nil {
		t.Fatalf("retry insert failed: %v", err)
	}
	if err := s.InsertTasks(ctx, []*Task{retry}); err == nil {
		t.Error("expected duplicate retry row to be rejected")
	}

	tasks, err := s.ListGroupTasks(ctx, workflowID, "train")
	if err != nil {
		t.Fatalf("ListGroupTasks failed: %v", err)
	}
	for _, task := range tasks {
		if task.Name == "trainer" && task.RetryID != 1 {
			t.Errorf("latest trainer row retry = %d, want 1", task.RetryID)
		}
	}
}
