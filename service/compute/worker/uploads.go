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

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"go.corp.nvidia.com/osmo/service/compute/jobs"
)

// handleUploadWorkflowFiles persists the rendered per-task specs. Writes are
// idempotent, so a retried delivery just overwrites identical objects.
func (e *Engine) handleUploadWorkflowFiles(ctx context.Context, p *jobs.UploadWorkflowFiles) (jobs.Outcome, error) {
	for path, content := range p.Files {
		if err := e.files.Write(ctx, path, []byte(content)); err != nil {
			return jobs.OutcomeFailedRetry, fmt.Errorf("failed to upload %s: %w", path, err)
		}
	}
	e.logger.Debug("uploaded workflow files",
		slog.String("workflow_id", p.WorkflowID),
		slog.Int("files", len(p.Files)))
	return jobs.OutcomeSuccess, nil
}

// handleUploadApp stores one application bundle object.
func (e *Engine) handleUploadApp(ctx context.Context, p *jobs.UploadApp) (jobs.Outcome, error) {
	if err := e.files.Write(ctx, p.Path, []byte(p.Content)); err != nil {
		return jobs.OutcomeFailedRetry, fmt.Errorf("failed to upload app %s: %w", p.Name, err)
	}
	e.logger.Info("uploaded app",
		slog.String("app_uuid", p.AppUUID),
		slog.String("name", p.Name),
		slog.String("version", p.Version))
	return jobs.OutcomeSuccess, nil
}

// handleDeleteApp removes one application bundle object.
func (e *Engine) handleDeleteApp(ctx context.Context, p *jobs.DeleteApp) (jobs.Outcome, error) {
	if err := e.files.Delete(ctx, p.Path); err != nil {
		return jobs.OutcomeFailedRetry, fmt.Errorf("failed to delete app object %s: %w", p.Path, err)
	}
	e.logger.Info("deleted app object", slog.String("app_uuid", p.AppUUID))
	return jobs.OutcomeSuccess, nil
}
