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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Disk is a Client backed by a directory tree. Object paths map directly to
// file paths under the root.
type Disk struct {
	root string
}

// NewDisk creates the root directory if needed and returns a client over it.
func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create filestore root %s: %w", root, err)
	}
	return &Disk{root: root}, nil
}

func (d *Disk) resolve(objectPath string) (string, error) {
	full := filepath.Join(d.root, filepath.FromSlash(objectPath))
	// Reject paths that escape the root via "..".
	if !strings.HasPrefix(full, filepath.Clean(d.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %s escapes the filestore root", objectPath)
	}
	return full, nil
}

func (d *Disk) Write(ctx context.Context, objectPath string, content []byte) error {
	full, err := d.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("failed to write object %s: %w", objectPath, err)
	}
	return nil
}

func (d *Disk) Read(ctx context.Context, objectPath string) ([]byte, error) {
	full, err := d.resolve(objectPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, objectPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", objectPath, err)
	}
	return content, nil
}

func (d *Disk) Delete(ctx context.Context, objectPath string) error {
	full, err := d.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", objectPath, err)
	}
	return nil
}

func (d *Disk) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		objectPath := filepath.ToSlash(rel)
		if strings.HasPrefix(objectPath, prefix) {
			paths = append(paths, objectPath)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	}
	sort.Strings(paths)
	return paths, nil
}
